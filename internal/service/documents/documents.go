package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/oklog/ulid/v2"

	"docchat/internal/models"
	"docchat/internal/service/ai"
	"docchat/internal/telemetry"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
	ErrEmptyFile       = errors.New("file is empty")
)

const tempPrefix = "upload-"

var allowedContentTypes = []string{
	"text/",
	"application/pdf",
	"application/json",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"image/png",
	"image/jpeg",
	"image/webp",
	"image/gif",
}

// plain text files whose extension names a more specific type
var textExtensions = map[string]string{
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".csv":      "text/csv",
	".html":     "text/html",
	".htm":      "text/html",
}

func isAllowedContentType(ct string) bool {
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

// Library is the ordered document list with cache invalidation attached.
type Library interface {
	Files(ctx context.Context) ([]models.UploadedFile, error)
	AddFile(ctx context.Context, file models.UploadedFile) error
	RemoveFile(ctx context.Context, index int) (models.UploadedFile, error)
}

// Upload is one incoming document.
type Upload struct {
	Body       io.Reader
	FileName   string
	Size       int64
	UploadedBy string
}

// Service validates uploads, hands them to the provider storage and records
// them in the library.
type Service struct {
	library  Library
	uploader ai.Uploader
	tempDir  string
	maxBytes int64
	timeout  time.Duration
	now      func() time.Time
}

func NewService(library Library, uploader ai.Uploader, tempDir string, maxBytes int64, timeout time.Duration) (*Service, error) {
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload temp dir: %w", err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Service{
		library:  library,
		uploader: uploader,
		tempDir:  tempDir,
		maxBytes: maxBytes,
		timeout:  timeout,
		now:      time.Now,
	}, nil
}

// MaxBytes is the largest accepted upload.
func (s *Service) MaxBytes() int64 { return s.maxBytes }

// Upload stores the document and appends it to the library. The temporary
// copy is removed on every path.
func (s *Service) Upload(ctx context.Context, up Upload) (models.UploadedFile, error) {
	if s.maxBytes > 0 && up.Size > s.maxBytes {
		return models.UploadedFile{}, ErrTooLarge
	}
	name := filepath.Base(strings.TrimSpace(up.FileName))
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "document"
	}

	tmp, err := os.CreateTemp(s.tempDir, tempPrefix+ulid.Make().String()+"-*")
	if err != nil {
		return models.UploadedFile{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	limit := s.maxBytes
	if limit <= 0 {
		limit = 1<<63 - 2
	}
	written, err := io.Copy(tmp, io.LimitReader(up.Body, limit+1))
	closeErr := tmp.Close()
	if err != nil {
		return models.UploadedFile{}, fmt.Errorf("save upload: %w", err)
	}
	if closeErr != nil {
		return models.UploadedFile{}, fmt.Errorf("save upload: %w", closeErr)
	}
	if written > limit {
		return models.UploadedFile{}, ErrTooLarge
	}
	if written == 0 {
		return models.UploadedFile{}, ErrEmptyFile
	}

	mimeType, err := detectType(ctx, tmpPath, name)
	if err != nil {
		return models.UploadedFile{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	uri, err := s.uploader.Upload(ctx, tmpPath, mimeType, name)
	if err != nil {
		return models.UploadedFile{}, fmt.Errorf("store document: %w", err)
	}

	uploadedBy := strings.TrimSpace(up.UploadedBy)
	if uploadedBy == "" {
		uploadedBy = "admin"
	}
	rec := models.UploadedFile{
		FileURI:    uri,
		FileName:   name,
		MimeType:   mimeType,
		UploadedBy: uploadedBy,
		UploadedAt: s.now().UTC(),
		Size:       written,
	}
	if err := s.library.AddFile(ctx, rec); err != nil {
		s.discard(ctx, uri)
		return models.UploadedFile{}, err
	}
	return rec, nil
}

// Delete removes the document at index from the library, then deletes the
// stored copy best effort.
func (s *Service) Delete(ctx context.Context, index int) (models.UploadedFile, error) {
	removed, err := s.library.RemoveFile(ctx, index)
	if err != nil {
		return models.UploadedFile{}, err
	}
	s.discard(ctx, removed.FileURI)
	return removed, nil
}

// List returns the library in upload order.
func (s *Service) List(ctx context.Context) ([]models.UploadedFile, error) {
	return s.library.Files(ctx)
}

func (s *Service) discard(ctx context.Context, uri string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.uploader.Delete(ctx, uri); err != nil {
		telemetry.LoggerFromContext(ctx).Warn("remove stored document", "uri", uri, "error", err)
	}
}

func detectType(ctx context.Context, path, name string) (string, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("detect content type: %w", err)
	}
	detected := baseType(mtype.String())
	if detected == "text/plain" {
		if specific, ok := textExtensions[strings.ToLower(filepath.Ext(name))]; ok {
			detected = specific
		}
	}
	if !isAllowedContentType(detected) {
		telemetry.LoggerFromContext(ctx).Debug("rejected upload", "file", name, "detected", mtype.String())
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, detected)
	}
	return detected, nil
}

func baseType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}
