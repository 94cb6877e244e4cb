package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/apper-apps/magnavaultdrive/internal/events"
	"github.com/apper-apps/magnavaultdrive/internal/models"
	"github.com/apper-apps/magnavaultdrive/internal/protocol"
	"github.com/apper-apps/magnavaultdrive/internal/remote"
)

// ─── Remote storage operations ──────────────────────────────────────────────

// Each request gets its own adapter so transport sessions never outlive it.

func (s *Server) handleRemoteRead(w http.ResponseWriter, r *http.Request) {
	adapter := s.remote.Open(userID(r))
	defer adapter.Close()

	id := r.PathValue("id")
	data, err := adapter.Read(r.Context(), id)
	if err != nil {
		s.sendRemoteError(w, r, err)
		return
	}
	rec, err := s.metadata.GetFile(r.Context(), id)
	if err != nil {
		rec = &models.FileRecord{ID: id, Name: id}
	}
	s.sendContent(w, rec, data)
}

// readRemoteBody reads a raw request body up to the upload limit.
func (s *Server) readRemoteBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if s.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "file too large")
			return nil, false
		}
		s.sendError(w, http.StatusBadRequest, "failed to read body")
		return nil, false
	}
	return data, true
}

// handleRemoteCreate stores the request body as a new remote file. The name
// and optional parentId come from the query string.
func (s *Server) handleRemoteCreate(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	var parentID *string
	if p := r.URL.Query().Get("parentId"); p != "" {
		if _, ok := s.ownFolder(w, r, p); !ok {
			return
		}
		parentID = &p
	}
	data, ok := s.readRemoteBody(w, r)
	if !ok {
		return
	}

	adapter := s.remote.Open(userID(r))
	defer adapter.Close()

	mimeType := detectMimeType(r.Header.Get("Content-Type"), name, data)
	rec, err := adapter.Create(r.Context(), name, parentID, mimeType, data)
	if err != nil {
		s.sendRemoteError(w, r, err)
		return
	}
	s.publish(events.EventCreate, rec)
	s.sendJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleRemoteWrite(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readRemoteBody(w, r)
	if !ok {
		return
	}

	adapter := s.remote.Open(userID(r))
	defer adapter.Close()

	rec, err := adapter.Write(r.Context(), r.PathValue("id"), data)
	if err != nil {
		s.sendRemoteError(w, r, err)
		return
	}
	s.publish(events.EventModify, rec)
	s.sendJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRemoteDelete(w http.ResponseWriter, r *http.Request) {
	adapter := s.remote.Open(userID(r))
	defer adapter.Close()

	id := r.PathValue("id")
	if err := adapter.Delete(r.Context(), id); err != nil {
		s.sendRemoteError(w, r, err)
		return
	}
	s.publish(events.EventDelete, &models.FileRecord{ID: id, OwnerID: userID(r)})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoteCopy(w http.ResponseWriter, r *http.Request) {
	var req protocol.CopyRequest
	if r.ContentLength != 0 && !s.decodeJSON(w, r, &req) {
		return
	}

	adapter := s.remote.Open(userID(r))
	defer adapter.Close()

	rec, err := adapter.Copy(r.Context(), r.PathValue("id"), req.NewName)
	if err != nil {
		s.sendRemoteError(w, r, err)
		return
	}
	s.publish(events.EventCreate, rec)
	s.sendJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleRemoteMove(w http.ResponseWriter, r *http.Request) {
	var req protocol.MoveRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.TargetFolderID != nil {
		if *req.TargetFolderID == "" {
			req.TargetFolderID = nil
		} else if _, ok := s.ownFolder(w, r, *req.TargetFolderID); !ok {
			return
		}
	}

	adapter := s.remote.Open(userID(r))
	defer adapter.Close()

	rec, err := adapter.Move(r.Context(), r.PathValue("id"), req.TargetFolderID)
	if err != nil {
		s.sendRemoteError(w, r, err)
		return
	}
	s.publish(events.EventMove, rec)
	s.sendJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRemoteRename(w http.ResponseWriter, r *http.Request) {
	var req protocol.RenameRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	adapter := s.remote.Open(userID(r))
	defer adapter.Close()

	rec, err := adapter.Rename(r.Context(), r.PathValue("id"), req.NewName)
	if err != nil {
		s.sendRemoteError(w, r, err)
		return
	}
	s.publish(events.EventRename, rec)
	s.sendJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRemoteBatchDelete(w http.ResponseWriter, r *http.Request) {
	var req protocol.BatchDeleteRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if len(req.FileIDs) == 0 {
		s.sendError(w, http.StatusBadRequest, "fileIds required")
		return
	}

	uid := userID(r)
	adapter := s.remote.Open(uid)
	defer adapter.Close()

	resp := protocol.BatchDeleteResponse{Results: make([]protocol.BatchDeleteResult, 0, len(req.FileIDs))}
	for _, res := range adapter.BatchDelete(r.Context(), req.FileIDs) {
		out := protocol.BatchDeleteResult{FileID: res.FileID, OK: res.Err == nil}
		if res.Err != nil {
			resp.Failed++
			out.Kind = string(remote.KindOf(res.Err))
			var re *remote.Error
			if errors.As(res.Err, &re) {
				out.Error = re.Message()
			} else {
				out.Error = res.Err.Error()
			}
		} else {
			resp.Succeeded++
			s.publish(events.EventDelete, &models.FileRecord{ID: res.FileID, OwnerID: uid})
		}
		resp.Results = append(resp.Results, out)
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRemoteList(w http.ResponseWriter, r *http.Request) {
	adapter := s.remote.Open(userID(r))
	defer adapter.Close()

	entries, err := adapter.List(r.Context())
	if err != nil {
		s.sendRemoteError(w, r, err)
		return
	}
	if entries == nil {
		entries = []remote.Entry{}
	}
	s.sendJSON(w, http.StatusOK, entries)
}
