// Package models contains the data types shared by the store, the remote
// adapter, the upload orchestrator and the API.
package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write collides with an existing row.
	ErrConflict = errors.New("already exists")
	// ErrInvalid is returned for requests the store refuses to apply.
	ErrInvalid = errors.New("invalid request")
	// ErrRemoteFiles is returned when renaming or moving a folder would
	// change the path of files kept on a remote server.
	ErrRemoteFiles = fmt.Errorf("%w: folder holds remote files", ErrConflict)
)

// Storage locations for file bytes.
const (
	LocationLocal  = "local"
	LocationS3     = "s3"
	LocationRemote = "remote"
)

// FileRecord describes a single file. Its storage path is always derived from
// Name (and the parent folder's Path), never persisted.
type FileRecord struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Size            int64      `json:"size"`
	MimeType        string     `json:"mimeType"`
	Encrypted       bool       `json:"encrypted"`
	CreatedAt       time.Time  `json:"createdAt"`
	ModifiedAt      time.Time  `json:"modifiedAt"`
	ParentID        *string    `json:"parentId"`
	StorageLocation string     `json:"storageLocation"`
	OwnerID         int        `json:"ownerId"`
	DeletedAt       *time.Time `json:"deletedAt,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
}

// FileUpdate carries the fields to change on a FileRecord. Nil fields are
// left untouched. SetParent must be true for ParentID to apply, so that a
// nil ParentID can move a file to the root.
type FileUpdate struct {
	Name       *string
	Size       *int64
	MimeType   *string
	Tags       []string
	SetParent  bool
	ParentID   *string
	ModifiedAt *time.Time
}

// FileFilter selects files for ListFiles.
type FileFilter struct {
	OwnerID   int
	FolderID  *string // nil = root
	AnyFolder bool    // ignore FolderID
	Query     string  // case-insensitive name match
	Recent    int     // >0: newest N by ModifiedAt
}

// FolderUpdate carries the fields to change on a Folder.
type FolderUpdate struct {
	Name      *string
	SetParent bool
	ParentID  *string
}

// Folder is a directory node. Path is the parent path + "/" + name.
type Folder struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ParentID   *string   `json:"parentId"`
	Path       string    `json:"path"`
	OwnerID    int       `json:"ownerId"`
	CreatedAt  time.Time `json:"createdAt"`
	ChildCount int       `json:"childCount"`
}

// Platform setting types.
const (
	SettingStorage  = "storage"
	SettingGeneral  = "general"
	SettingSecurity = "security"
	SettingEmail    = "email"
)

// Preset platform setting names for the Wasabi-backed primary store.
const (
	SettingWasabiAccessKey  = "wasabi_access_key"
	SettingWasabiSecretKey  = "wasabi_secret_key"
	SettingWasabiBucketName = "wasabi_bucket_name"
	SettingWasabiRegion     = "wasabi_region"
	SettingWasabiEndpoint   = "wasabi_endpoint"
)

// PlatformSetting is an admin-managed key/value setting.
type PlatformSetting struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Value       string    `json:"value"`
	Description string    `json:"description"`
	SettingType string    `json:"settingType"`
	CreatedAt   time.Time `json:"createdAt"`
	ModifiedAt  time.Time `json:"modifiedAt"`
}

// Remote transports.
const (
	TransportSFTP   = "sftp"
	TransportWebDAV = "webdav"
)

// Remote auth methods.
const (
	AuthPassword = "password"
	AuthKey      = "key"
)

// RemoteServerConfig holds the connection settings for one remote transport.
// An SFTP config is identified by Host, a WebDAV config by ServerURL.
type RemoteServerConfig struct {
	ID         int64     `json:"id"`
	UserID     int       `json:"userId"`
	Name       string    `json:"name"`
	Transport  string    `json:"transport"`
	Host       string    `json:"host,omitempty"`
	Port       int       `json:"port,omitempty"`
	ServerURL  string    `json:"serverUrl,omitempty"`
	Username   string    `json:"username"`
	AuthMethod string    `json:"authMethod"`
	Password   string    `json:"password,omitempty"`
	PrivateKey string    `json:"privateKey,omitempty"`
	Passphrase string    `json:"passphrase,omitempty"`
	RootPath   string    `json:"rootPath"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Redacted returns a copy with secrets removed, for API responses.
func (c RemoteServerConfig) Redacted() RemoteServerConfig {
	if c.Password != "" {
		c.Password = "********"
	}
	if c.PrivateKey != "" {
		c.PrivateKey = "********"
	}
	c.Passphrase = ""
	return c
}
