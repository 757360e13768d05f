package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"dropchat/internal/storage"
)

const (
	multipartMemory  = 8 << 20
	multipartSlack   = 1 << 20
	downloadPrefix   = "/d/"
	filesRoutePrefix = "/api/files/"
)

type uploadResponse struct {
	FileID      string `json:"file_id"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
	DownloadURL string `json:"download_url"`
}

type filesResponse struct {
	Files []storage.FileRecord `json:"files"`
}

type renameRequest struct {
	Name string `json:"name"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

type challengeBody struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	Unlock   string `json:"unlock_url"`
}

// HandleFileUpload accepts a single multipart "file" field.
func (s *Server) HandleFileUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	origin := s.clientIP(r)
	if !s.uploadLimiter.Allow(origin) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.drop.MaxFileSize()+multipartSlack)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			s.metrics.incUploadRejection(KindValidation)
			writeKindError(w, fmt.Errorf("%w: %w: limit is %d bytes", ErrValidation, errTooLarge, s.drop.MaxFileSize()))
			return
		}
		writeKindError(w, fmt.Errorf("%w: malformed multipart body", ErrValidation))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeKindError(w, fmt.Errorf("%w: no file provided", ErrValidation))
		return
	}
	defer file.Close()

	rec, err := s.drop.Upload(r.Context(), origin, header.Filename, file)
	if err != nil {
		s.logFailure(err, "upload", origin, "")
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{
		FileID:      rec.ID,
		Filename:    rec.Name,
		Size:        rec.Size,
		SHA256:      rec.SHA256,
		DownloadURL: downloadPrefix + rec.ID,
	})
}

// HandleListFiles returns the caller's own files.
func (s *Server) HandleListFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	files := s.drop.ListForOwner(r.Context(), s.clientIP(r))
	writeJSON(w, http.StatusOK, filesResponse{Files: files})
}

// HandleFile routes DELETE /api/files/{id}, POST /api/files/{id}/rename and
// POST /api/files/{id}/password.
func (s *Server) HandleFile(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, filesRoutePrefix), "/"), "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	id := parts[0]
	origin := s.clientIP(r)

	if len(parts) == 1 {
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, http.MethodDelete)
			return
		}
		if err := s.drop.Delete(r.Context(), origin, id); err != nil {
			s.logFailure(err, "delete", origin, id)
			writeKindError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	switch parts[1] {
	case "rename":
		var req renameRequest
		if err := decodeJSON(r, &req); err != nil {
			writeKindError(w, fmt.Errorf("%w: invalid request body", ErrValidation))
			return
		}
		rec, err := s.drop.Rename(r.Context(), origin, id, req.Name)
		if err != nil {
			s.logFailure(err, "rename", origin, id)
			writeKindError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case "password":
		var req passwordRequest
		if err := decodeJSON(r, &req); err != nil {
			writeKindError(w, fmt.Errorf("%w: invalid request body", ErrValidation))
			return
		}
		if err := s.drop.SetPassword(r.Context(), origin, id, req.Password); err != nil {
			s.logFailure(err, "set password", origin, id)
			writeKindError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	}
}

// HandleDownload serves GET /d/{id} (direct or challenge) and POST /d/{id}
// with a password for protected files.
func (s *Server) HandleDownload(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, downloadPrefix), "/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "file ID required", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		dl, err := s.drop.ResolveDownload(r.Context(), id)
		if err != nil {
			writeKindError(w, err)
			return
		}
		if dl.Challenge {
			writeJSON(w, http.StatusUnauthorized, map[string]challengeBody{"challenge": {
				FileID:   id,
				Filename: dl.Name(),
				Unlock:   downloadPrefix + id,
			}})
			return
		}
		serveDownload(w, r, dl)
	case http.MethodPost:
		s.handleUnlock(w, r, id)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request, id string) {
	origin := s.clientIP(r)
	key := origin + "|" + id
	if failures, ok := s.attempts.Get(key); ok && failures.(int) >= unlockAttemptLimit {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	password, err := readPassword(r)
	if err != nil {
		writeKindError(w, fmt.Errorf("%w: invalid request body", ErrValidation))
		return
	}
	dl, err := s.drop.AuthorizeDownload(r.Context(), id, password)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			if s.attempts.Add(key, 1, cache.DefaultExpiration) != nil {
				_, _ = s.attempts.IncrementInt(key, 1)
			}
			s.log.WithFields(logrus.Fields{"file_id": id, "origin": origin}).Warn("wrong download password")
		}
		writeKindError(w, err)
		return
	}
	s.attempts.Delete(key)
	serveDownload(w, r, dl)
}

func readPassword(r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req passwordRequest
		if err := decodeJSON(r, &req); err != nil {
			return "", err
		}
		return req.Password, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", err
	}
	return r.PostFormValue("password"), nil
}

// serveDownload streams the file as an attachment under its stored name.
func serveDownload(w http.ResponseWriter, r *http.Request, dl Download) {
	defer dl.File.Close()
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Name()}))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, dl.Name(), dl.Record.UploadedAt, dl.File)
}

// HandleParticipants reports who is in the chat.
func (s *Server) HandleParticipants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	snap, err := s.hub.Snapshot(r.Context())
	if err != nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"version":   Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) logFailure(err error, op, origin, id string) {
	entry := s.log.WithFields(logrus.Fields{"op": op, "origin": origin, "kind": ErrorKind(err)})
	if id != "" {
		entry = entry.WithField("file_id", id)
	}
	switch ErrorKind(err) {
	case KindPersistence, KindInternal:
		entry.WithError(err).Error("file operation failed")
	default:
		entry.WithError(err).Debug("file operation rejected")
	}
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
