// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/apper-apps/magnavaultdrive/internal/auth"
	"github.com/apper-apps/magnavaultdrive/internal/events"
	"github.com/apper-apps/magnavaultdrive/internal/logging"
	"github.com/apper-apps/magnavaultdrive/internal/metrics"
	"github.com/apper-apps/magnavaultdrive/internal/models"
	"github.com/apper-apps/magnavaultdrive/internal/protocol"
	"github.com/apper-apps/magnavaultdrive/internal/quota"
	"github.com/apper-apps/magnavaultdrive/internal/remote"
	"github.com/apper-apps/magnavaultdrive/internal/sharing"
	"github.com/apper-apps/magnavaultdrive/internal/storage"
	"github.com/apper-apps/magnavaultdrive/internal/upload"
)

// Metadata is the record store the handlers use. postgres.Store implements it.
type Metadata interface {
	remote.Store

	ListFiles(ctx context.Context, filter models.FileFilter) ([]models.FileRecord, error)
	SoftDeleteFile(ctx context.Context, id string, ownerID int) error
	ListTrash(ctx context.Context, ownerID int) ([]models.FileRecord, error)
	RestoreFile(ctx context.Context, id string, ownerID int) (*models.FileRecord, error)
	PurgeFile(ctx context.Context, id string, ownerID int) (*models.FileRecord, error)
	PurgeAllTrash(ctx context.Context, ownerID int) ([]models.FileRecord, error)
	PurgeExpiredTrash(ctx context.Context, maxAge time.Duration) ([]models.FileRecord, error)

	ListFolders(ctx context.Context, ownerID int, parentID *string) ([]models.Folder, error)
	FolderPath(ctx context.Context, id string) ([]models.Folder, error)
	CreateFolder(ctx context.Context, f *models.Folder) error
	UpdateFolder(ctx context.Context, id string, u models.FolderUpdate) (*models.Folder, error)
	DeleteFolder(ctx context.Context, id string) error

	ListSettings(ctx context.Context) ([]models.PlatformSetting, error)
	GetSetting(ctx context.Context, id int64) (*models.PlatformSetting, error)
	CreateSetting(ctx context.Context, p *models.PlatformSetting) error
	UpdateSetting(ctx context.Context, id int64, p models.PlatformSetting) (*models.PlatformSetting, error)
	DeleteSetting(ctx context.Context, id int64) error

	ListRemoteServers(ctx context.Context, userID int) ([]models.RemoteServerConfig, error)
	GetRemoteServer(ctx context.Context, id int64) (*models.RemoteServerConfig, error)
	CreateRemoteServer(ctx context.Context, c *models.RemoteServerConfig) error
	UpdateRemoteServer(ctx context.Context, id int64, c models.RemoteServerConfig) (*models.RemoteServerConfig, error)
	DeleteRemoteServer(ctx context.Context, id int64, userID int) error
}

// Deps bundles the server's collaborators. ShareLinks, Quotas and
// RateLimiter may be nil, which disables those features.
type Deps struct {
	Metadata      Metadata
	Storage       *storage.Router
	Auth          *auth.Auth
	Remote        *remote.Service
	Uploads       *upload.Orchestrator
	Sealer        *upload.Sealer
	Broadcaster   *events.Broadcaster
	ShareLinks    *sharing.ShareLinkStore
	Quotas        *quota.QuotaStore
	RateLimiter   *quota.RateLimiter
	MaxUploadSize int64
}

// Server is the HTTP server.
type Server struct {
	metadata      Metadata
	storage       *storage.Router
	auth          *auth.Auth
	remote        *remote.Service
	uploads       *upload.Orchestrator
	sealer        *upload.Sealer
	broadcaster   *events.Broadcaster
	shareLinks    *sharing.ShareLinkStore
	quotaStore    *quota.QuotaStore
	rateLimiter   *quota.RateLimiter
	maxUploadSize int64
}

// NewServer creates a new server.
func NewServer(d Deps) *Server {
	return &Server{
		metadata:      d.Metadata,
		storage:       d.Storage,
		auth:          d.Auth,
		remote:        d.Remote,
		uploads:       d.Uploads,
		sealer:        d.Sealer,
		broadcaster:   d.Broadcaster,
		shareLinks:    d.ShareLinks,
		quotaStore:    d.Quotas,
		rateLimiter:   d.RateLimiter,
		maxUploadSize: d.MaxUploadSize,
	}
}

// Handler returns the HTTP handler with auth and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/token", s.auth.HandleLogin)
	if s.shareLinks != nil {
		mux.HandleFunc("GET /share/{token}", s.handleShareDownload)
	}

	// Protected endpoints
	protected := http.NewServeMux()

	// Files
	protected.HandleFunc("GET /api/v1/files", s.handleListFiles)
	protected.HandleFunc("GET /api/v1/files/{id}", s.handleGetFile)
	protected.HandleFunc("PATCH /api/v1/files/{id}", s.handleUpdateFile)
	protected.HandleFunc("DELETE /api/v1/files/{id}", s.handleDeleteFile)
	protected.HandleFunc("GET /api/v1/files/{id}/content", s.handleFileContent)

	// Folders
	protected.HandleFunc("GET /api/v1/folders", s.handleListFolders)
	protected.HandleFunc("POST /api/v1/folders", s.handleCreateFolder)
	protected.HandleFunc("GET /api/v1/folders/{id}", s.handleGetFolder)
	protected.HandleFunc("PATCH /api/v1/folders/{id}", s.handleUpdateFolder)
	protected.HandleFunc("DELETE /api/v1/folders/{id}", s.handleDeleteFolder)
	protected.HandleFunc("GET /api/v1/folders/{id}/path", s.handleFolderPath)

	// Remote storage operations
	protected.HandleFunc("POST /api/v1/remote/files", s.handleRemoteCreate)
	protected.HandleFunc("GET /api/v1/remote/files/{id}", s.handleRemoteRead)
	protected.HandleFunc("PUT /api/v1/remote/files/{id}", s.handleRemoteWrite)
	protected.HandleFunc("DELETE /api/v1/remote/files/{id}", s.handleRemoteDelete)
	protected.HandleFunc("POST /api/v1/remote/files/{id}/copy", s.handleRemoteCopy)
	protected.HandleFunc("POST /api/v1/remote/files/{id}/move", s.handleRemoteMove)
	protected.HandleFunc("POST /api/v1/remote/files/{id}/rename", s.handleRemoteRename)
	protected.HandleFunc("POST /api/v1/remote/batch-delete", s.handleRemoteBatchDelete)
	protected.HandleFunc("GET /api/v1/remote/list", s.handleRemoteList)

	// Uploads and SSE
	protected.HandleFunc("POST /api/v1/uploads", s.handleStartUpload)
	protected.HandleFunc("GET /api/v1/uploads", s.handleListUploads)
	protected.HandleFunc("DELETE /api/v1/uploads", s.handleClearUploads)
	protected.HandleFunc("POST /api/v1/uploads/{id}/retry", s.handleRetryUpload)
	protected.HandleFunc("DELETE /api/v1/uploads/{id}", s.handleCancelUpload)
	protected.HandleFunc("GET /api/v1/events", s.handleEvents)

	// Share links
	if s.shareLinks != nil {
		protected.HandleFunc("GET /api/v1/shares", s.handleListShares)
		protected.HandleFunc("POST /api/v1/files/{id}/shares", s.handleCreateShare)
		protected.HandleFunc("PATCH /api/v1/shares/{id}", s.handleUpdateShare)
		protected.HandleFunc("DELETE /api/v1/shares/{id}", s.handleRevokeShare)
	}

	// Trash
	protected.HandleFunc("GET /api/v1/trash", s.handleTrashList)
	protected.HandleFunc("POST /api/v1/trash/{id}/restore", s.handleTrashRestore)
	protected.HandleFunc("DELETE /api/v1/trash/{id}", s.handleTrashPurge)
	protected.HandleFunc("DELETE /api/v1/trash", s.handleTrashEmpty)

	// Remote server settings
	protected.HandleFunc("GET /api/v1/settings/remote-servers", s.handleListRemoteServers)
	protected.HandleFunc("POST /api/v1/settings/remote-servers", s.handleCreateRemoteServer)
	protected.HandleFunc("POST /api/v1/settings/remote-servers/test", s.handleTestRemoteServer)
	protected.HandleFunc("PUT /api/v1/settings/remote-servers/{id}", s.handleUpdateRemoteServer)
	protected.HandleFunc("DELETE /api/v1/settings/remote-servers/{id}", s.handleDeleteRemoteServer)

	// Admin endpoints
	admin := func(pattern string, h http.HandlerFunc) {
		protected.Handle(pattern, auth.RequireAdmin(h))
	}
	admin("GET /api/v1/admin/platform-settings", s.handleListPlatformSettings)
	admin("POST /api/v1/admin/platform-settings", s.handleCreatePlatformSetting)
	admin("PUT /api/v1/admin/platform-settings/{id}", s.handleUpdatePlatformSetting)
	admin("DELETE /api/v1/admin/platform-settings/{id}", s.handleDeletePlatformSetting)
	if s.quotaStore != nil {
		admin("GET /api/v1/admin/storage", s.handleStorageUsage)
		admin("PUT /api/v1/admin/storage/{userID}/quota", s.handleSetQuota)
		admin("POST /api/v1/admin/storage/{userID}/reset", s.handleResetUsage)
	}

	// Wrap protected routes with auth then rate limiter
	var authed http.Handler = protected
	if s.rateLimiter != nil && s.quotaStore != nil {
		authed = quota.RateLimitMiddleware(s.rateLimiter, s.quotaStore, auth.UserIDFromContext)(authed)
	}
	mux.Handle("/api/v1/", s.auth.Middleware(authed))

	// Apply logging and metrics middleware
	return logging.Middleware(metrics.ObserveRequest)(securityHeaders(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok"})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.broadcaster.Subscribe(userID(r))
	defer s.broadcaster.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// publish sends a file event to the owner's subscribers.
func (s *Server) publish(eventType string, rec *models.FileRecord) {
	if s.broadcaster == nil || rec == nil {
		return
	}
	s.broadcaster.Publish(events.Event{
		Type:   eventType,
		UserID: rec.OwnerID,
		FileID: rec.ID,
		Name:   rec.Name,
		Size:   rec.Size,
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// userID returns the authenticated user. Handlers behind auth.Middleware
// always have claims.
func userID(r *http.Request) int {
	if claims := auth.GetClaims(r.Context()); claims != nil {
		return claims.UserID
	}
	return 0
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func pathInt(r *http.Request, name string) (int64, bool) {
	n, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	return n, err == nil && n > 0
}

// sendStoreError maps a metadata store error to a response.
func (s *Server) sendStoreError(w http.ResponseWriter, r *http.Request, what string, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		s.sendError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, models.ErrConflict):
		s.sendError(w, http.StatusConflict, what+" already exists")
	case errors.Is(err, models.ErrInvalid):
		s.sendError(w, http.StatusBadRequest, "invalid "+what)
	default:
		logging.WithContext(r.Context()).Error("store operation failed", zap.String("entity", what), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

// sendRemoteError maps an adapter error to a response.
func (s *Server) sendRemoteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := remote.KindOf(err)
	status := remote.HTTPStatus(kind)
	msg := "Remote operation failed"
	var re *remote.Error
	if errors.As(err, &re) {
		msg = re.Message()
	}
	if status >= http.StatusInternalServerError {
		logging.WithContext(r.Context()).Warn("remote operation failed", zap.String("kind", string(kind)), zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error:   msg,
		Code:    status,
		Details: string(kind),
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
