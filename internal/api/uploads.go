package api

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/apper-apps/magnavaultdrive/internal/logging"
	"github.com/apper-apps/magnavaultdrive/internal/pathnorm"
	"github.com/apper-apps/magnavaultdrive/internal/protocol"
	"github.com/apper-apps/magnavaultdrive/internal/upload"
)

// multipart parts above this size spill to temporary files
const multipartMemory = 32 << 20

// ─── Uploads ────────────────────────────────────────────────────────────────

// handleStartUpload accepts one or more "file" parts and starts an upload for
// each. Optional form fields: parentId, tags (comma separated).
func (s *Server) handleStartUpload(w http.ResponseWriter, r *http.Request) {
	if s.maxUploadSize > 0 {
		// room for several files plus form overhead; each file is checked below
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize*8+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		s.sendError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		s.sendError(w, http.StatusBadRequest, "no file provided")
		return
	}

	uid := userID(r)
	var parentID *string
	if p := r.FormValue("parentId"); p != "" {
		if _, ok := s.ownFolder(w, r, p); !ok {
			return
		}
		parentID = &p
	}
	var tags []string
	for _, t := range strings.Split(r.FormValue("tags"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}

	var total int64
	for _, fh := range headers {
		if s.maxUploadSize > 0 && fh.Size > s.maxUploadSize {
			s.sendError(w, http.StatusRequestEntityTooLarge, "file too large: "+fh.Filename)
			return
		}
		total += fh.Size
	}
	if s.quotaStore != nil {
		ok, err := s.quotaStore.CheckStorageQuota(r.Context(), uid, total)
		if err != nil {
			logging.WithContext(r.Context()).Error("quota check failed", zap.Error(err))
			s.sendError(w, http.StatusInternalServerError, "quota check failed")
			return
		}
		if !ok {
			s.sendError(w, http.StatusRequestEntityTooLarge, "storage quota exceeded")
			return
		}
	}

	// Read and check every part before starting any, so a bad part leaves
	// nothing running.
	reqs := make([]upload.Request, 0, len(headers))
	for _, fh := range headers {
		if pathnorm.Clean(fh.Filename) == "" {
			s.sendError(w, http.StatusBadRequest, "invalid file name: "+fh.Filename)
			return
		}
		data, err := readPart(fh)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "failed to read "+fh.Filename)
			return
		}
		reqs = append(reqs, upload.Request{
			OwnerID:  uid,
			Name:     fh.Filename,
			MimeType: detectMimeType(fh.Header.Get("Content-Type"), fh.Filename, data),
			ParentID: parentID,
			Tags:     tags,
			Data:     data,
		})
	}

	started := make([]upload.Upload, 0, len(reqs))
	for _, req := range reqs {
		u, err := s.uploads.Start(req)
		if err != nil {
			logging.WithContext(r.Context()).Warn("upload start failed",
				zap.String("name", req.Name), zap.Int("started", len(started)), zap.Error(err))
			s.sendError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		started = append(started, u)
	}
	s.sendJSON(w, http.StatusAccepted, started)
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// detectMimeType prefers the declared type, then the extension, then
// sniffing the content.
func detectMimeType(declared, name string, data []byte) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return mimetype.Detect(data).String()
}

func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.uploads.List(userID(r)))
}

func (s *Server) handleClearUploads(w http.ResponseWriter, r *http.Request) {
	n := s.uploads.ClearFinished(userID(r))
	s.sendJSON(w, http.StatusOK, protocol.ClearUploadsResponse{Cleared: n})
}

func (s *Server) handleRetryUpload(w http.ResponseWriter, r *http.Request) {
	u, err := s.uploads.Retry(r.PathValue("id"), userID(r))
	switch {
	case errors.Is(err, upload.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "upload not found")
	case errors.Is(err, upload.ErrNotRetryable):
		s.sendError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.sendError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.sendJSON(w, http.StatusAccepted, u)
	}
}

func (s *Server) handleCancelUpload(w http.ResponseWriter, r *http.Request) {
	if err := s.uploads.Cancel(r.PathValue("id"), userID(r)); err != nil {
		s.sendError(w, http.StatusNotFound, "upload not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
