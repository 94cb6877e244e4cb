package api

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/apper-apps/magnavaultdrive/internal/logging"
	"github.com/apper-apps/magnavaultdrive/internal/models"
	"github.com/apper-apps/magnavaultdrive/internal/protocol"
)

// redacted is what the API shows in place of a stored secret. Sending it
// back on update keeps the stored value.
const redacted = "********"

// ─── Remote server settings ─────────────────────────────────────────────────

func validateRemoteServer(c *models.RemoteServerConfig) error {
	if c.AuthMethod == "" {
		c.AuthMethod = models.AuthPassword
	}
	switch c.Transport {
	case models.TransportSFTP:
		if c.Host == "" {
			return errors.New("host is required for sftp")
		}
		if c.Port < 0 || c.Port > 65535 {
			return errors.New("invalid port")
		}
		if c.AuthMethod != models.AuthPassword && c.AuthMethod != models.AuthKey {
			return errors.New("authMethod must be password or key")
		}
	case models.TransportWebDAV:
		if c.ServerURL == "" {
			return errors.New("serverUrl is required for webdav")
		}
		if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
			return errors.New("serverUrl must be an http(s) URL")
		}
		c.AuthMethod = models.AuthPassword
	default:
		return errors.New("transport must be sftp or webdav")
	}
	return nil
}

// keepSecrets copies stored secrets into c wherever the client sent back the
// redacted placeholder.
func keepSecrets(c *models.RemoteServerConfig, stored *models.RemoteServerConfig) {
	if c.Password == redacted {
		c.Password = stored.Password
	}
	if c.PrivateKey == redacted {
		c.PrivateKey = stored.PrivateKey
		if c.Passphrase == "" {
			c.Passphrase = stored.Passphrase
		}
	}
}

// ownRemoteServer loads one of the caller's server configs.
func (s *Server) ownRemoteServer(w http.ResponseWriter, r *http.Request, id int64) (*models.RemoteServerConfig, bool) {
	cfg, err := s.metadata.GetRemoteServer(r.Context(), id)
	if err == nil && cfg.UserID != userID(r) {
		err = models.ErrNotFound
	}
	if err != nil {
		s.sendStoreError(w, r, "remote server", err)
		return nil, false
	}
	return cfg, true
}

func (s *Server) handleListRemoteServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.metadata.ListRemoteServers(r.Context(), userID(r))
	if err != nil {
		s.sendStoreError(w, r, "remote server", err)
		return
	}
	out := make([]models.RemoteServerConfig, 0, len(servers))
	for _, c := range servers {
		out = append(out, c.Redacted())
	}
	s.sendJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateRemoteServer(w http.ResponseWriter, r *http.Request) {
	var cfg models.RemoteServerConfig
	if !s.decodeJSON(w, r, &cfg) {
		return
	}
	cfg.UserID = userID(r)
	if err := validateRemoteServer(&cfg); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.metadata.CreateRemoteServer(r.Context(), &cfg); err != nil {
		s.sendStoreError(w, r, "remote server", err)
		return
	}
	logging.Info("remote server added",
		zap.Int("user_id", cfg.UserID),
		zap.String("transport", cfg.Transport),
		zap.Int64("id", cfg.ID))
	s.sendJSON(w, http.StatusCreated, cfg.Redacted())
}

func (s *Server) handleUpdateRemoteServer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(r, "id")
	if !ok {
		s.sendError(w, http.StatusBadRequest, "invalid server id")
		return
	}
	stored, ok := s.ownRemoteServer(w, r, id)
	if !ok {
		return
	}
	var cfg models.RemoteServerConfig
	if !s.decodeJSON(w, r, &cfg) {
		return
	}
	cfg.UserID = stored.UserID
	keepSecrets(&cfg, stored)
	if err := validateRemoteServer(&cfg); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := s.metadata.UpdateRemoteServer(r.Context(), id, cfg)
	if err != nil {
		s.sendStoreError(w, r, "remote server", err)
		return
	}
	s.sendJSON(w, http.StatusOK, updated.Redacted())
}

func (s *Server) handleDeleteRemoteServer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(r, "id")
	if !ok {
		s.sendError(w, http.StatusBadRequest, "invalid server id")
		return
	}
	if err := s.metadata.DeleteRemoteServer(r.Context(), id, userID(r)); err != nil {
		s.sendStoreError(w, r, "remote server", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTestRemoteServer dials the posted settings. When the body carries the
// ID of a stored config, redacted secrets are filled in from it.
func (s *Server) handleTestRemoteServer(w http.ResponseWriter, r *http.Request) {
	var cfg models.RemoteServerConfig
	if !s.decodeJSON(w, r, &cfg) {
		return
	}
	if cfg.ID > 0 {
		stored, ok := s.ownRemoteServer(w, r, cfg.ID)
		if !ok {
			return
		}
		keepSecrets(&cfg, stored)
	}
	if err := validateRemoteServer(&cfg); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.remote.Test(r.Context(), &cfg); err != nil {
		s.sendRemoteError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.RemoteTestResponse{OK: true, Transport: cfg.Transport})
}
