// Package protocol defines the API request/response types.
package protocol

import (
	"time"

	"github.com/apper-apps/magnavaultdrive/internal/models"
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// TokenRequest is the body for POST /api/v1/auth/token.
type TokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse is returned by POST /api/v1/auth/token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      UserInfo  `json:"user"`
}

// UserInfo describes the authenticated user.
type UserInfo struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

// FileListResponse is returned by GET /api/v1/files.
type FileListResponse struct {
	Files   []models.FileRecord `json:"files"`
	Folders []models.Folder     `json:"folders,omitempty"`
}

// FileUpdateRequest is the body for PATCH /api/v1/files/{id}. Only metadata
// changes; bytes move through the remote endpoints.
type FileUpdateRequest struct {
	Name     *string  `json:"name,omitempty"`
	MimeType *string  `json:"mimeType,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// FolderRequest is the body for POST /api/v1/folders and
// PATCH /api/v1/folders/{id}. For PATCH, MoveToRoot moves the folder to the
// top level when ParentID is empty.
type FolderRequest struct {
	Name       *string `json:"name,omitempty"`
	ParentID   *string `json:"parentId,omitempty"`
	MoveToRoot bool    `json:"moveToRoot,omitempty"`
}

// CopyRequest is the body for POST /api/v1/remote/files/{id}/copy.
type CopyRequest struct {
	NewName string `json:"newName,omitempty"`
}

// MoveRequest is the body for POST /api/v1/remote/files/{id}/move. A nil
// TargetFolderID moves the file to the root.
type MoveRequest struct {
	TargetFolderID *string `json:"targetFolderId"`
}

// RenameRequest is the body for POST /api/v1/remote/files/{id}/rename.
type RenameRequest struct {
	NewName string `json:"newName"`
}

// BatchDeleteRequest is the body for POST /api/v1/remote/batch-delete.
type BatchDeleteRequest struct {
	FileIDs []string `json:"fileIds"`
}

// BatchDeleteResult reports one id of a batch delete.
type BatchDeleteResult struct {
	FileID string `json:"fileId"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// BatchDeleteResponse is returned by POST /api/v1/remote/batch-delete.
type BatchDeleteResponse struct {
	Results   []BatchDeleteResult `json:"results"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
}

// ShareLinkRequest is the body for POST /api/v1/files/{id}/shares.
type ShareLinkRequest struct {
	Password     string `json:"password,omitempty"`
	ExpiresInSec int64  `json:"expiresInSec,omitempty"` // 0 = no expiry
	MaxDownloads int    `json:"maxDownloads,omitempty"` // 0 = unlimited
}

// ShareLinkUpdateRequest is the body for PATCH /api/v1/shares/{id}.
// An empty Password clears the password; ExpiresInSec 0 clears the expiry.
type ShareLinkUpdateRequest struct {
	Password     *string `json:"password,omitempty"`
	ExpiresInSec *int64  `json:"expiresInSec,omitempty"`
	MaxDownloads *int    `json:"maxDownloads,omitempty"`
	IsActive     *bool   `json:"isActive,omitempty"`
}

// ClearUploadsResponse is returned by DELETE /api/v1/uploads.
type ClearUploadsResponse struct {
	Cleared int `json:"cleared"`
}

// RemoteTestResponse is returned by POST /api/v1/settings/remote-servers/test.
type RemoteTestResponse struct {
	OK        bool   `json:"ok"`
	Transport string `json:"transport"`
}

// TrashPurgeResponse is returned by DELETE /api/v1/trash.
type TrashPurgeResponse struct {
	Purged int `json:"purged"`
}

// QuotaRequest is the body for PUT /api/v1/admin/storage/{userID}/quota.
type QuotaRequest struct {
	MaxStorageBytes    int64 `json:"maxStorageBytes"`
	MaxUploadSizeBytes int64 `json:"maxUploadSizeBytes"`
	MaxRequestsPerMin  int   `json:"maxRequestsPerMinute"`
}

// ResetUsageResponse is returned by POST /api/v1/admin/storage/{userID}/reset.
type ResetUsageResponse struct {
	UserID     int   `json:"userId"`
	FilesMoved int64 `json:"filesMoved"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
