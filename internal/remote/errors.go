package remote

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/pkg/sftp"
	"github.com/studio-b12/gowebdav"

	"github.com/apper-apps/magnavaultdrive/internal/models"
)

// Kind is the user-facing reason an adapter operation failed.
type Kind string

// Failure kinds.
const (
	NotFound            Kind = "not_found"
	Unauthenticated     Kind = "unauthenticated"
	PermissionDenied    Kind = "permission_denied"
	Conflict            Kind = "conflict"
	InsufficientStorage Kind = "insufficient_storage"
	Unknown             Kind = "unknown"
	Unavailable         Kind = "unavailable"
	Invalid             Kind = "invalid"
)

var (
	// ErrNotConfigured marks a transport with no server settings for the user.
	ErrNotConfigured = errors.New("remote server not configured")
	// ErrNoRemoteServer is reported when neither transport is configured.
	ErrNoRemoteServer = errors.New("no remote server configured")
	// ErrInvalidName is returned for names that clean to nothing.
	ErrInvalidName = errors.New("invalid file name")
	// ErrNotRemote is returned for records kept in primary storage.
	ErrNotRemote = errors.New("file is not stored on a remote server")
)

// SFTP status codes beyond the ones the client maps to os errors.
const (
	fxFileAlreadyExists = 11
	fxNoSpace           = 14
	fxQuotaExceeded     = 15
)

// Error describes a failed adapter operation.
type Error struct {
	Op        string
	FileID    string
	Transport string
	Kind      Kind
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("remote ")
	b.WriteString(e.Op)
	if e.FileID != "" {
		b.WriteString(" ")
		b.WriteString(e.FileID)
	}
	if e.Transport != "" {
		b.WriteString(" via ")
		b.WriteString(e.Transport)
	}
	fmt.Fprintf(&b, ": %s", e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Message returns the text shown to the user.
func (e *Error) Message() string {
	switch e.Kind {
	case NotFound:
		return "File not found"
	case Unauthenticated:
		return "Authentication with the remote server failed"
	case PermissionDenied:
		return "Permission denied by the remote server"
	case Conflict:
		return "A file with that name already exists"
	case InsufficientStorage:
		return "Not enough space on the remote server"
	case Unavailable:
		return "No remote server is available"
	case Invalid:
		if errors.Is(e.Err, ErrNotRemote) {
			return "File is not stored on a remote server"
		}
		return "Invalid file name"
	default:
		return "Remote operation failed"
	}
}

// KindOf returns the Kind carried by err, or Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return Unknown
}

// HTTPStatus maps a Kind to the status code the API replies with.
func HTTPStatus(k Kind) int {
	switch k {
	case NotFound:
		return http.StatusNotFound
	case Unauthenticated:
		return http.StatusUnauthorized
	case PermissionDenied:
		return http.StatusForbidden
	case Conflict:
		return http.StatusConflict
	case InsufficientStorage:
		return http.StatusInsufficientStorage
	case Unavailable:
		return http.StatusServiceUnavailable
	case Invalid:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// classify maps a transport or store error to a Kind.
func classify(err error) Kind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}

	switch {
	case errors.Is(err, ErrNotConfigured), errors.Is(err, ErrNoRemoteServer):
		return Unavailable
	case errors.Is(err, models.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return NotFound
	case errors.Is(err, os.ErrPermission):
		return PermissionDenied
	case errors.Is(err, models.ErrConflict), errors.Is(err, os.ErrExist):
		return Conflict
	case errors.Is(err, models.ErrInvalid):
		return Invalid
	}

	var se *sftp.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case fxFileAlreadyExists:
			return Conflict
		case fxNoSpace, fxQuotaExceeded:
			return InsufficientStorage
		}
	}

	var ws gowebdav.StatusError
	if errors.As(err, &ws) {
		if k := kindForStatus(ws.Status); k != "" {
			return k
		}
	}

	return kindForMessage(err.Error())
}

func kindForStatus(code int) Kind {
	switch code {
	case http.StatusNotFound, http.StatusGone:
		return NotFound
	case http.StatusUnauthorized:
		return Unauthenticated
	case http.StatusForbidden:
		return PermissionDenied
	case http.StatusConflict, http.StatusPreconditionFailed:
		return Conflict
	case http.StatusInsufficientStorage, http.StatusRequestEntityTooLarge:
		return InsufficientStorage
	}
	return ""
}

func kindForMessage(msg string) Kind {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "unauthorized"):
		return Unauthenticated
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "forbidden"):
		return PermissionDenied
	case strings.Contains(msg, "no space"), strings.Contains(msg, "quota"),
		strings.Contains(msg, "insufficient storage"):
		return InsufficientStorage
	case strings.Contains(msg, "already exists"):
		return Conflict
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no such file"):
		return NotFound
	}
	return Unknown
}
