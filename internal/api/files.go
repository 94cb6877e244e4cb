package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/apper-apps/magnavaultdrive/internal/events"
	"github.com/apper-apps/magnavaultdrive/internal/logging"
	"github.com/apper-apps/magnavaultdrive/internal/models"
	"github.com/apper-apps/magnavaultdrive/internal/pathnorm"
	"github.com/apper-apps/magnavaultdrive/internal/protocol"
	"github.com/apper-apps/magnavaultdrive/internal/remote"
	"github.com/apper-apps/magnavaultdrive/internal/storage"
)

// ─── Files ──────────────────────────────────────────────────────────────────

// ownFile loads a live file owned by the caller. Anything else is reported
// as not found.
func (s *Server) ownFile(w http.ResponseWriter, r *http.Request, id string) (*models.FileRecord, bool) {
	rec, err := s.metadata.GetFile(r.Context(), id)
	if err == nil && (rec.OwnerID != userID(r) || rec.DeletedAt != nil) {
		err = models.ErrNotFound
	}
	if err != nil {
		s.sendStoreError(w, r, "file", err)
		return nil, false
	}
	return rec, true
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.FileFilter{
		OwnerID: userID(r),
		Query:   q.Get("q"),
	}
	if v := q.Get("recent"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.sendError(w, http.StatusBadRequest, "recent must be a positive integer")
			return
		}
		filter.Recent = n
	}
	if folder := q.Get("folder"); folder != "" {
		filter.FolderID = &folder
	}
	browsing := filter.Recent == 0 && filter.Query == ""
	if !browsing && filter.FolderID == nil {
		filter.AnyFolder = true
	}

	files, err := s.metadata.ListFiles(r.Context(), filter)
	if err != nil {
		s.sendStoreError(w, r, "file", err)
		return
	}
	resp := protocol.FileListResponse{Files: files}
	if resp.Files == nil {
		resp.Files = []models.FileRecord{}
	}
	if browsing {
		folders, err := s.metadata.ListFolders(r.Context(), filter.OwnerID, filter.FolderID)
		if err != nil {
			s.sendStoreError(w, r, "folder", err)
			return
		}
		resp.Folders = folders
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownFile(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, rec)
}

// handleUpdateFile changes a file's metadata. For files in primary storage a
// new name also moves the object, since its key derives from the name.
// Remote files are renamed through the remote endpoints.
func (s *Server) handleUpdateFile(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownFile(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	var req protocol.FileUpdateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	renamed := req.Name != nil && *req.Name != rec.Name
	if renamed {
		if pathnorm.Clean(*req.Name) == "" {
			s.sendError(w, http.StatusBadRequest, "invalid file name")
			return
		}
		if rec.StorageLocation == models.LocationRemote {
			s.sendError(w, http.StatusBadRequest, "remote files are renamed through /api/v1/remote/files/{id}/rename")
			return
		}
	}

	var backend storage.Backend
	oldKey := storage.ObjectKey(rec.ID, rec.Name)
	if renamed {
		var err error
		backend, err = s.storage.ForLocation(rec.StorageLocation)
		if err != nil {
			s.sendError(w, http.StatusServiceUnavailable, "storage backend unavailable")
			return
		}
		if newKey := storage.ObjectKey(rec.ID, *req.Name); newKey != oldKey {
			if err := backend.CopyObject(r.Context(), oldKey, newKey); err != nil {
				logging.WithContext(r.Context()).Error("rename object failed", zap.String("file_id", rec.ID), zap.Error(err))
				s.sendError(w, http.StatusInternalServerError, "failed to rename content")
				return
			}
		} else {
			backend = nil
		}
	}

	now := time.Now().UTC()
	updated, err := s.metadata.UpdateFile(r.Context(), rec.ID, models.FileUpdate{
		Name:       req.Name,
		MimeType:   req.MimeType,
		Tags:       req.Tags,
		ModifiedAt: &now,
	})
	if err != nil {
		if backend != nil {
			backend.DeleteObject(r.Context(), storage.ObjectKey(rec.ID, *req.Name))
		}
		s.sendStoreError(w, r, "file", err)
		return
	}
	if backend != nil {
		if err := backend.DeleteObject(r.Context(), oldKey); err != nil {
			logging.WithContext(r.Context()).Warn("stale object left after rename", zap.String("key", oldKey), zap.Error(err))
		}
	}

	if renamed {
		s.publish(events.EventRename, updated)
	} else {
		s.publish(events.EventModify, updated)
	}
	s.sendJSON(w, http.StatusOK, updated)
}

// handleDeleteFile moves a file to the trash.
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownFile(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	if err := s.metadata.SoftDeleteFile(r.Context(), rec.ID, rec.OwnerID); err != nil {
		s.sendStoreError(w, r, "file", err)
		return
	}
	s.publish(events.EventDelete, rec)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownFile(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	data, err := s.readContent(r.Context(), rec)
	if err != nil {
		s.sendContentError(w, r, err)
		return
	}
	s.sendContent(w, rec, data)
}

// readContent returns the plaintext of rec from wherever it is stored.
func (s *Server) readContent(ctx context.Context, rec *models.FileRecord) ([]byte, error) {
	if rec.StorageLocation == models.LocationRemote {
		adapter := s.remote.Open(rec.OwnerID)
		defer adapter.Close()
		return adapter.Read(ctx, rec.ID)
	}

	backend, err := s.storage.ForLocation(rec.StorageLocation)
	if err != nil {
		return nil, err
	}
	reader, _, err := backend.GetObject(ctx, storage.ObjectKey(rec.ID, rec.Name), 0, 0)
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	if !rec.Encrypted {
		return data, nil
	}
	return s.sealer.Open(rec.ID, data)
}

// removeContent deletes the bytes of a purged record from primary storage.
// Remote bytes are left alone; the remote delete endpoint removes those.
func (s *Server) removeContent(ctx context.Context, rec *models.FileRecord) {
	if rec.StorageLocation == models.LocationRemote {
		return
	}
	log := logging.WithContext(ctx)
	backend, err := s.storage.ForLocation(rec.StorageLocation)
	if err != nil {
		log.Warn("no backend for purged file", zap.String("file_id", rec.ID), zap.String("location", rec.StorageLocation))
		return
	}
	if err := backend.DeleteObject(ctx, storage.ObjectKey(rec.ID, rec.Name)); err != nil {
		log.Warn("failed to delete purged content", zap.String("file_id", rec.ID), zap.Error(err))
	}
}

func (s *Server) sendContentError(w http.ResponseWriter, r *http.Request, err error) {
	var re *remote.Error
	switch {
	case errors.As(err, &re):
		s.sendRemoteError(w, r, err)
	case errors.Is(err, storage.ErrNoBackend):
		s.sendError(w, http.StatusServiceUnavailable, "storage backend unavailable")
	default:
		logging.WithContext(r.Context()).Error("content read failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to retrieve content")
	}
}

func (s *Server) sendContent(w http.ResponseWriter, rec *models.FileRecord, data []byte) {
	contentType := rec.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": rec.Name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, bytes.NewReader(data))
}

// ─── Folders ────────────────────────────────────────────────────────────────

func (s *Server) ownFolder(w http.ResponseWriter, r *http.Request, id string) (*models.Folder, bool) {
	folder, err := s.metadata.GetFolder(r.Context(), id)
	if err == nil && folder.OwnerID != userID(r) {
		err = models.ErrNotFound
	}
	if err != nil {
		s.sendStoreError(w, r, "folder", err)
		return nil, false
	}
	return folder, true
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	var parent *string
	if p := r.URL.Query().Get("parent"); p != "" {
		parent = &p
	}
	folders, err := s.metadata.ListFolders(r.Context(), userID(r), parent)
	if err != nil {
		s.sendStoreError(w, r, "folder", err)
		return
	}
	if folders == nil {
		folders = []models.Folder{}
	}
	s.sendJSON(w, http.StatusOK, folders)
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req protocol.FolderRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Name == nil || *req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "folder name required")
		return
	}
	if req.ParentID != nil && *req.ParentID == "" {
		req.ParentID = nil
	}
	if req.ParentID != nil {
		if _, ok := s.ownFolder(w, r, *req.ParentID); !ok {
			return
		}
	}

	folder := &models.Folder{Name: *req.Name, ParentID: req.ParentID, OwnerID: userID(r)}
	if err := s.metadata.CreateFolder(r.Context(), folder); err != nil {
		s.sendStoreError(w, r, "folder", err)
		return
	}
	s.sendJSON(w, http.StatusCreated, folder)
}

func (s *Server) handleGetFolder(w http.ResponseWriter, r *http.Request) {
	folder, ok := s.ownFolder(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, folder)
}

func (s *Server) handleUpdateFolder(w http.ResponseWriter, r *http.Request) {
	folder, ok := s.ownFolder(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	var req protocol.FolderRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	u := models.FolderUpdate{Name: req.Name}
	switch {
	case req.ParentID != nil && *req.ParentID != "":
		if _, ok := s.ownFolder(w, r, *req.ParentID); !ok {
			return
		}
		u.SetParent, u.ParentID = true, req.ParentID
	case req.MoveToRoot:
		u.SetParent = true
	}

	updated, err := s.metadata.UpdateFolder(r.Context(), folder.ID, u)
	if errors.Is(err, models.ErrRemoteFiles) {
		s.sendError(w, http.StatusConflict, "folder holds remote files; move them out first")
		return
	}
	if err != nil {
		s.sendStoreError(w, r, "folder", err)
		return
	}
	s.sendJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	folder, ok := s.ownFolder(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	if err := s.metadata.DeleteFolder(r.Context(), folder.ID); err != nil {
		if errors.Is(err, models.ErrConflict) {
			s.sendError(w, http.StatusConflict, "folder is not empty")
			return
		}
		s.sendStoreError(w, r, "folder", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFolderPath(w http.ResponseWriter, r *http.Request) {
	folder, ok := s.ownFolder(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	chain, err := s.metadata.FolderPath(r.Context(), folder.ID)
	if err != nil {
		s.sendStoreError(w, r, "folder", err)
		return
	}
	s.sendJSON(w, http.StatusOK, chain)
}
