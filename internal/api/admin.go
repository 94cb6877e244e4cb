package api

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/apper-apps/magnavaultdrive/internal/logging"
	"github.com/apper-apps/magnavaultdrive/internal/models"
	"github.com/apper-apps/magnavaultdrive/internal/protocol"
	"github.com/apper-apps/magnavaultdrive/internal/quota"
)

// ─── Admin: platform settings ───────────────────────────────────────────────

func validSettingType(t string) bool {
	switch t {
	case "", models.SettingStorage, models.SettingGeneral, models.SettingSecurity, models.SettingEmail:
		return true
	}
	return false
}

// affectsStorage reports whether a change to p may alter the primary backend.
func affectsStorage(p *models.PlatformSetting) bool {
	return p.SettingType == models.SettingStorage || strings.HasPrefix(p.Name, "wasabi_")
}

// reloadStorage rebuilds the S3 backend after a storage setting changed.
func (s *Server) reloadStorage(ctx context.Context, p *models.PlatformSetting) {
	if !affectsStorage(p) {
		return
	}
	if err := s.storage.Reload(ctx); err != nil {
		logging.WithContext(ctx).Warn("storage reload failed", zap.String("setting", p.Name), zap.Error(err))
	}
}

func (s *Server) handleListPlatformSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.metadata.ListSettings(r.Context())
	if err != nil {
		s.sendStoreError(w, r, "setting", err)
		return
	}
	if settings == nil {
		settings = []models.PlatformSetting{}
	}
	s.sendJSON(w, http.StatusOK, settings)
}

func (s *Server) handleCreatePlatformSetting(w http.ResponseWriter, r *http.Request) {
	var p models.PlatformSetting
	if !s.decodeJSON(w, r, &p) {
		return
	}
	if p.Name == "" {
		s.sendError(w, http.StatusBadRequest, "setting name required")
		return
	}
	if !validSettingType(p.SettingType) {
		s.sendError(w, http.StatusBadRequest, "settingType must be storage, general, security or email")
		return
	}
	if err := s.metadata.CreateSetting(r.Context(), &p); err != nil {
		s.sendStoreError(w, r, "setting", err)
		return
	}
	s.reloadStorage(r.Context(), &p)
	s.sendJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUpdatePlatformSetting(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(r, "id")
	if !ok {
		s.sendError(w, http.StatusBadRequest, "invalid setting id")
		return
	}
	var p models.PlatformSetting
	if !s.decodeJSON(w, r, &p) {
		return
	}
	if !validSettingType(p.SettingType) {
		s.sendError(w, http.StatusBadRequest, "settingType must be storage, general, security or email")
		return
	}
	updated, err := s.metadata.UpdateSetting(r.Context(), id, p)
	if err != nil {
		s.sendStoreError(w, r, "setting", err)
		return
	}
	s.reloadStorage(r.Context(), updated)
	s.sendJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeletePlatformSetting(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt(r, "id")
	if !ok {
		s.sendError(w, http.StatusBadRequest, "invalid setting id")
		return
	}
	existing, err := s.metadata.GetSetting(r.Context(), id)
	if err != nil {
		s.sendStoreError(w, r, "setting", err)
		return
	}
	if err := s.metadata.DeleteSetting(r.Context(), id); err != nil {
		s.sendStoreError(w, r, "setting", err)
		return
	}
	s.reloadStorage(r.Context(), existing)
	w.WriteHeader(http.StatusNoContent)
}

// ─── Admin: user storage ────────────────────────────────────────────────────

func (s *Server) handleStorageUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.quotaStore.ListUsage(r.Context())
	if err != nil {
		logging.WithContext(r.Context()).Error("list usage failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to list storage usage")
		return
	}
	if usage == nil {
		usage = []quota.Usage{}
	}
	s.sendJSON(w, http.StatusOK, usage)
}

func (s *Server) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathInt(r, "userID")
	if !ok {
		s.sendError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var req protocol.QuotaRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.MaxStorageBytes < 0 || req.MaxUploadSizeBytes < 0 || req.MaxRequestsPerMin < 0 {
		s.sendError(w, http.StatusBadRequest, "quota values must not be negative")
		return
	}

	q := &quota.Quota{
		UserID:             int(uid),
		MaxStorageBytes:    req.MaxStorageBytes,
		MaxUploadSizeBytes: req.MaxUploadSizeBytes,
		MaxRequestsPerMin:  req.MaxRequestsPerMin,
	}
	if err := s.quotaStore.SetQuota(r.Context(), q); err != nil {
		logging.WithContext(r.Context()).Error("set quota failed", zap.Int64("user_id", uid), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to set quota")
		return
	}
	s.sendJSON(w, http.StatusOK, q)
}

// handleResetUsage moves all of a user's files to the trash, where the
// regular purge reclaims the space.
func (s *Server) handleResetUsage(w http.ResponseWriter, r *http.Request) {
	uid, ok := pathInt(r, "userID")
	if !ok {
		s.sendError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	n, err := s.quotaStore.ResetUsage(r.Context(), int(uid))
	if err != nil {
		logging.WithContext(r.Context()).Error("reset usage failed", zap.Int64("user_id", uid), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to reset storage")
		return
	}
	logging.Info("storage reset", zap.Int64("user_id", uid), zap.Int64("files", n))
	s.sendJSON(w, http.StatusOK, protocol.ResetUsageResponse{UserID: int(uid), FilesMoved: n})
}
