package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/apper-apps/magnavaultdrive/internal/events"
	"github.com/apper-apps/magnavaultdrive/internal/logging"
	"github.com/apper-apps/magnavaultdrive/internal/metrics"
	"github.com/apper-apps/magnavaultdrive/internal/models"
	"github.com/apper-apps/magnavaultdrive/internal/protocol"
	"github.com/apper-apps/magnavaultdrive/internal/sharing"
)

// ─── Share links ────────────────────────────────────────────────────────────

func (s *Server) sendShareError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sharing.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sharing.ErrPasswordRequired), errors.Is(err, sharing.ErrInvalidPassword):
		s.sendError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, sharing.ErrRevoked), errors.Is(err, sharing.ErrExpired), errors.Is(err, sharing.ErrLimitReached):
		s.sendError(w, http.StatusForbidden, err.Error())
	default:
		logging.WithContext(r.Context()).Error("share link operation failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleListShares(w http.ResponseWriter, r *http.Request) {
	links, err := s.shareLinks.List(r.Context(), userID(r))
	if err != nil {
		s.sendShareError(w, r, err)
		return
	}
	if links == nil {
		links = []sharing.ShareLink{}
	}
	s.sendJSON(w, http.StatusOK, links)
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownFile(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	var req protocol.ShareLinkRequest
	if r.ContentLength != 0 && !s.decodeJSON(w, r, &req) {
		return
	}
	if req.ExpiresInSec < 0 || req.MaxDownloads < 0 {
		s.sendError(w, http.StatusBadRequest, "expiresInSec and maxDownloads must not be negative")
		return
	}

	link, err := s.shareLinks.Create(r.Context(), rec.ID, userID(r), req.Password,
		time.Duration(req.ExpiresInSec)*time.Second, req.MaxDownloads)
	if err != nil {
		s.sendShareError(w, r, err)
		return
	}
	link.FileName = rec.Name
	s.sendJSON(w, http.StatusCreated, link)
}

func (s *Server) handleUpdateShare(w http.ResponseWriter, r *http.Request) {
	var req protocol.ShareLinkUpdateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	u := sharing.Update{
		Password:     req.Password,
		MaxDownloads: req.MaxDownloads,
		IsActive:     req.IsActive,
	}
	if req.ExpiresInSec != nil {
		d := time.Duration(*req.ExpiresInSec) * time.Second
		u.ExpiresIn = &d
	}

	link, err := s.shareLinks.Update(r.Context(), r.PathValue("id"), userID(r), u)
	if err != nil {
		s.sendShareError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, link)
}

func (s *Server) handleRevokeShare(w http.ResponseWriter, r *http.Request) {
	if err := s.shareLinks.Revoke(r.Context(), r.PathValue("id"), userID(r)); err != nil {
		s.sendShareError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleShareDownload serves a shared file without authentication. The
// password, when the link has one, comes from the "password" query parameter.
func (s *Server) handleShareDownload(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if token == "" {
		s.sendError(w, http.StatusBadRequest, "share token required")
		return
	}

	link, err := s.shareLinks.Validate(r.Context(), token, r.URL.Query().Get("password"))
	if err != nil {
		metrics.RecordShareDownload(false)
		s.sendShareError(w, r, err)
		return
	}

	rec, err := s.metadata.GetFile(r.Context(), link.FileID)
	if err != nil || rec.DeletedAt != nil {
		metrics.RecordShareDownload(false)
		s.sendError(w, http.StatusNotFound, "shared file not found")
		return
	}

	data, err := s.readContent(r.Context(), rec)
	if err != nil {
		metrics.RecordShareDownload(false)
		s.sendContentError(w, r, err)
		return
	}

	if err := s.shareLinks.RecordAccess(r.Context(), link.ID); err != nil {
		logging.WithContext(r.Context()).Warn("failed to record share access", zap.String("link_id", link.ID), zap.Error(err))
	}
	metrics.RecordShareDownload(true)
	s.sendContent(w, rec, data)
}

// ─── Trash ──────────────────────────────────────────────────────────────────

func (s *Server) handleTrashList(w http.ResponseWriter, r *http.Request) {
	files, err := s.metadata.ListTrash(r.Context(), userID(r))
	if err != nil {
		s.sendStoreError(w, r, "file", err)
		return
	}
	if files == nil {
		files = []models.FileRecord{}
	}
	s.sendJSON(w, http.StatusOK, files)
}

func (s *Server) handleTrashRestore(w http.ResponseWriter, r *http.Request) {
	rec, err := s.metadata.RestoreFile(r.Context(), r.PathValue("id"), userID(r))
	if err != nil {
		s.sendStoreError(w, r, "file", err)
		return
	}
	s.publish(events.EventRestore, rec)
	s.sendJSON(w, http.StatusOK, rec)
}

func (s *Server) handleTrashPurge(w http.ResponseWriter, r *http.Request) {
	rec, err := s.metadata.PurgeFile(r.Context(), r.PathValue("id"), userID(r))
	if err != nil {
		s.sendStoreError(w, r, "file", err)
		return
	}
	s.removeContent(r.Context(), rec)
	metrics.RecordTrashPurged(1)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrashEmpty(w http.ResponseWriter, r *http.Request) {
	purged, err := s.metadata.PurgeAllTrash(r.Context(), userID(r))
	if err != nil {
		s.sendStoreError(w, r, "file", err)
		return
	}
	for i := range purged {
		s.removeContent(r.Context(), &purged[i])
	}
	metrics.RecordTrashPurged(len(purged))
	s.sendJSON(w, http.StatusOK, protocol.TrashPurgeResponse{Purged: len(purged)})
}

// PurgeExpiredTrash permanently deletes files trashed longer than maxAge,
// including their stored content, and returns how many were removed.
func (s *Server) PurgeExpiredTrash(ctx context.Context, maxAge time.Duration) (int, error) {
	purged, err := s.metadata.PurgeExpiredTrash(ctx, maxAge)
	if err != nil {
		return 0, err
	}
	for i := range purged {
		s.removeContent(ctx, &purged[i])
	}
	metrics.RecordTrashPurged(len(purged))
	return len(purged), nil
}
