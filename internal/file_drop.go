package internal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dropchat/internal/storage"
)

const (
	DefaultMaxFileSize       = 12 << 20
	DefaultMaxFilesPerOrigin = 5
	maxNameBytes             = 255
	idLength                 = 12
	idAttempts               = 5
)

// DefaultAllowedExtensions is the upload allow-list.
var DefaultAllowedExtensions = []string{".dll", ".rar", ".zip", ".exe"}

var errTooLarge = errors.New("file too large")

// MetadataStore persists the file id → record mapping.
type MetadataStore interface {
	Load(ctx context.Context) storage.Records
	Snapshot(ctx context.Context) (storage.Records, error)
	Save(ctx context.Context, records storage.Records) error
	ReserveID(ctx context.Context, id string) error
}

// DropConfig tunes upload admission.
type DropConfig struct {
	UploadDir         string
	MaxFileSize       int64
	MaxFilesPerOrigin int
	AllowedExtensions []string
}

// DropService manages uploaded files. Every mutation is a full
// load-mutate-save cycle on the metadata store under one lock.
type DropService struct {
	mu        sync.Mutex
	store     MetadataStore
	uploadDir string
	maxSize   int64
	maxFiles  int
	allowed   map[string]struct{}
	metrics   *Metrics
	log       *logrus.Entry
	now       func() time.Time
}

func NewDropService(store MetadataStore, cfg DropConfig, metrics *Metrics, logger *logrus.Logger) (*DropService, error) {
	if cfg.UploadDir == "" {
		return nil, errors.New("upload directory is required")
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.MaxFilesPerOrigin <= 0 {
		cfg.MaxFilesPerOrigin = DefaultMaxFilesPerOrigin
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = DefaultAllowedExtensions
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}
	return &DropService{
		store:     store,
		uploadDir: cfg.UploadDir,
		maxSize:   cfg.MaxFileSize,
		maxFiles:  cfg.MaxFilesPerOrigin,
		allowed:   allowed,
		metrics:   metrics,
		log:       logger.WithField("component", "drop"),
		now:       time.Now,
	}, nil
}

// MaxFileSize returns the upload ceiling in bytes.
func (s *DropService) MaxFileSize() int64 {
	return s.maxSize
}

// Upload stores the bytes read from r under a fresh id owned by origin.
func (s *DropService) Upload(ctx context.Context, origin, filename string, r io.Reader) (storage.FileRecord, error) {
	rec, err := s.upload(ctx, origin, filename, r)
	if err != nil {
		s.metrics.incUploadRejection(ErrorKind(err))
		return storage.FileRecord{}, err
	}
	s.metrics.observeUpload(rec.Size)
	s.log.WithFields(logrus.Fields{"file_id": rec.ID, "origin": origin, "size": rec.Size}).Info("file uploaded")
	return rec, nil
}

func (s *DropService) upload(ctx context.Context, origin, filename string, r io.Reader) (storage.FileRecord, error) {
	original := baseName(filename)
	name := sanitizeFileName(original)
	if name == "" {
		return storage.FileRecord{}, fmt.Errorf("%w: a file name is required", ErrValidation)
	}
	if err := s.checkExtension(name); err != nil {
		return storage.FileRecord{}, err
	}
	if err := s.checkQuota(ctx, origin); err != nil {
		return storage.FileRecord{}, err
	}

	id, err := s.newFileID(ctx)
	if err != nil {
		return storage.FileRecord{}, err
	}
	dir := s.fileDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storage.FileRecord{}, fmt.Errorf("%w: create file directory: %v", ErrPersistence, err)
	}
	size, sum, err := s.writeBytes(filepath.Join(dir, name), r)
	if err != nil {
		_ = os.RemoveAll(dir)
		return storage.FileRecord{}, err
	}

	rec := storage.FileRecord{
		ID:           id,
		OriginalName: original,
		Name:         name,
		Size:         size,
		Owner:        origin,
		UploadedAt:   s.now().UTC(),
		SHA256:       sum,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.snapshot(ctx)
	if err != nil {
		_ = os.RemoveAll(dir)
		return storage.FileRecord{}, err
	}
	if countOwned(records, origin) >= s.maxFiles {
		_ = os.RemoveAll(dir)
		return storage.FileRecord{}, s.quotaError()
	}
	records[id] = rec
	if err := s.save(ctx, records); err != nil {
		_ = os.RemoveAll(dir)
		return storage.FileRecord{}, err
	}
	return rec, nil
}

// writeBytes streams r to path, enforcing the size ceiling.
func (s *DropService) writeBytes(path string, r io.Reader) (int64, string, error) {
	dest, err := os.Create(path)
	if err != nil {
		return 0, "", fmt.Errorf("%w: create file: %v", ErrPersistence, err)
	}
	defer dest.Close()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(dest, hasher), io.LimitReader(r, s.maxSize+1))
	if err != nil {
		return 0, "", fmt.Errorf("%w: write file: %v", ErrPersistence, err)
	}
	if written > s.maxSize {
		return 0, "", fmt.Errorf("%w: %w: limit is %d bytes", ErrValidation, errTooLarge, s.maxSize)
	}
	if err := dest.Sync(); err != nil {
		return 0, "", fmt.Errorf("%w: sync file: %v", ErrPersistence, err)
	}
	return written, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (s *DropService) checkExtension(name string) error {
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := s.allowed[ext]; !ok {
		return fmt.Errorf("%w: file type %q is not allowed", ErrValidation, ext)
	}
	return nil
}

func (s *DropService) checkQuota(ctx context.Context, origin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	if countOwned(records, origin) >= s.maxFiles {
		return s.quotaError()
	}
	return nil
}

func (s *DropService) quotaError() error {
	return fmt.Errorf("%w: at most %d files per origin", ErrQuotaExceeded, s.maxFiles)
}

func (s *DropService) newFileID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < idAttempts; attempt++ {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:idLength]
		err := s.store.ReserveID(ctx, id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, storage.ErrIDTaken) {
			return "", fmt.Errorf("%w: reserve id: %v", ErrPersistence, err)
		}
	}
	return "", fmt.Errorf("%w: could not allocate a file id", ErrPersistence)
}

// Delete removes the bytes and the record of a file owned by origin. The
// bytes are moved aside first so a failed save can put them back.
func (s *DropService) Delete(ctx context.Context, origin, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, rec, err := s.owned(ctx, origin, id)
	if err != nil {
		return err
	}
	dir := s.fileDir(id)
	trash := filepath.Join(s.uploadDir, ".trash-"+id)
	if err := os.Rename(dir, trash); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove file: %v", ErrPersistence, err)
	}
	delete(records, id)
	if err := s.save(ctx, records); err != nil {
		_ = os.Rename(trash, dir)
		return err
	}
	if err := os.RemoveAll(trash); err != nil {
		s.log.WithError(err).WithField("file_id", id).Warn("leftover trash directory")
	}
	s.log.WithFields(logrus.Fields{"file_id": id, "origin": origin, "name": rec.Name}).Info("file deleted")
	return nil
}

// Rename gives a file owned by origin a new sanitized name, on disk as well.
func (s *DropService) Rename(ctx context.Context, origin, id, newName string) (storage.FileRecord, error) {
	name := sanitizeFileName(baseName(newName))
	if name == "" {
		return storage.FileRecord{}, fmt.Errorf("%w: a file name is required", ErrValidation)
	}
	if err := s.checkExtension(name); err != nil {
		return storage.FileRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	records, rec, err := s.owned(ctx, origin, id)
	if err != nil {
		return storage.FileRecord{}, err
	}
	if name == rec.Name {
		return rec, nil
	}
	oldPath := s.filePath(rec)
	newPath := filepath.Join(s.fileDir(id), name)
	if err := os.Rename(oldPath, newPath); err != nil {
		return storage.FileRecord{}, fmt.Errorf("%w: rename file: %v", ErrPersistence, err)
	}
	previous := rec.Name
	rec.Name = name
	records[id] = rec
	if err := s.save(ctx, records); err != nil {
		_ = os.Rename(newPath, oldPath)
		return storage.FileRecord{}, err
	}
	s.log.WithFields(logrus.Fields{"file_id": id, "origin": origin, "from": previous, "to": name}).Info("file renamed")
	return rec, nil
}

// SetPassword protects a file owned by origin. There is no way to remove a
// password; setting it again replaces the hash.
func (s *DropService) SetPassword(ctx context.Context, origin, id, password string) error {
	if strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: password is required", ErrValidation)
	}
	digest, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("%w: hash password: %v", ErrValidation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	records, rec, err := s.owned(ctx, origin, id)
	if err != nil {
		return err
	}
	rec.PasswordHash = digest
	rec.Protected = true
	records[id] = rec
	if err := s.save(ctx, records); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"file_id": id, "origin": origin}).Info("file password set")
	return nil
}

// Download is the outcome of a download request. Exactly one of File (direct)
// or Challenge is set; the caller closes File.
type Download struct {
	Record    storage.FileRecord
	File      *os.File
	Challenge bool
}

// Name is the server-tracked file name to serve the bytes under.
func (d Download) Name() string {
	return d.Record.Name
}

// ResolveDownload returns the bytes of an unprotected file, or a challenge.
func (s *DropService) ResolveDownload(ctx context.Context, id string) (Download, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return Download{}, err
	}
	if rec.Protected {
		s.metrics.incDownload("challenge")
		return Download{Record: rec, Challenge: true}, nil
	}
	return s.open(rec)
}

// AuthorizeDownload releases the bytes when password matches. A wrong
// password leaves the record untouched.
func (s *DropService) AuthorizeDownload(ctx context.Context, id, password string) (Download, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return Download{}, err
	}
	if rec.Protected && !VerifyPassword(rec.PasswordHash, password) {
		s.metrics.incDownload("denied")
		return Download{}, fmt.Errorf("%w: incorrect password", ErrUnauthorized)
	}
	return s.open(rec)
}

func (s *DropService) open(rec storage.FileRecord) (Download, error) {
	file, err := os.Open(s.filePath(rec))
	if err != nil {
		if os.IsNotExist(err) {
			return Download{}, fmt.Errorf("%w: file %s has no stored bytes", ErrNotFound, rec.ID)
		}
		return Download{}, fmt.Errorf("%w: open file: %v", ErrPersistence, err)
	}
	s.metrics.incDownload("direct")
	return Download{Record: rec, File: file}, nil
}

// Get returns the record for id.
func (s *DropService) Get(ctx context.Context, id string) (storage.FileRecord, error) {
	rec, ok := s.store.Load(ctx)[id]
	if !ok {
		return storage.FileRecord{}, fmt.Errorf("%w: file %s", ErrNotFound, id)
	}
	return rec, nil
}

// ListForOwner returns the files owned by origin, oldest first.
func (s *DropService) ListForOwner(ctx context.Context, origin string) []storage.FileRecord {
	records := s.store.Load(ctx)
	out := make([]storage.FileRecord, 0)
	for _, rec := range records {
		if rec.Owner == origin {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UploadedAt.Before(out[j].UploadedAt)
	})
	return out
}

// owned loads the mapping and checks that id exists and belongs to origin.
// Callers hold s.mu.
func (s *DropService) owned(ctx context.Context, origin, id string) (storage.Records, storage.FileRecord, error) {
	records, err := s.snapshot(ctx)
	if err != nil {
		return nil, storage.FileRecord{}, err
	}
	rec, ok := records[id]
	if !ok {
		return nil, storage.FileRecord{}, fmt.Errorf("%w: file %s", ErrNotFound, id)
	}
	if rec.Owner != origin {
		return nil, storage.FileRecord{}, fmt.Errorf("%w: file %s belongs to another origin", ErrUnauthorized, id)
	}
	return records, rec, nil
}

func (s *DropService) snapshot(ctx context.Context) (storage.Records, error) {
	records, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load metadata: %v", ErrPersistence, err)
	}
	return records, nil
}

func (s *DropService) save(ctx context.Context, records storage.Records) error {
	if err := s.store.Save(ctx, records); err != nil {
		return fmt.Errorf("%w: save metadata: %v", ErrPersistence, err)
	}
	return nil
}

func (s *DropService) fileDir(id string) string {
	return filepath.Join(s.uploadDir, id)
}

func (s *DropService) filePath(rec storage.FileRecord) string {
	return filepath.Join(s.fileDir(rec.ID), rec.Name)
}

func countOwned(records storage.Records, origin string) int {
	n := 0
	for _, rec := range records {
		if rec.Owner == origin {
			n++
		}
	}
	return n
}

// baseName keeps the last path element of a client supplied name, whichever
// separator the client used.
func baseName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSpace(name)
}

// sanitizeFileName removes path separators and control characters and
// refuses names that would resolve to a directory.
func sanitizeFileName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	name = strings.TrimLeft(name, ".")
	if len(name) > maxNameBytes {
		ext := filepath.Ext(name)
		if len(ext) >= maxNameBytes {
			return ""
		}
		name = strings.ToValidUTF8(name[:maxNameBytes-len(ext)], "") + ext
	}
	return name
}
