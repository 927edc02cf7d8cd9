package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"google.golang.org/genai"

	"docchat/internal/config"
)

// Uploader moves an accepted upload into storage the model can reference.
type Uploader interface {
	// Upload stores the file at path and returns its reference.
	Upload(ctx context.Context, path, mimeType, displayName string) (string, error)
	// Delete removes a stored file by reference.
	Delete(ctx context.Context, uri string) error
}

// NewUploader returns the gemini Files API uploader when gemini is the
// active provider, otherwise a local document directory.
func NewUploader(ctx context.Context, cfg *config.Config) (Uploader, error) {
	if cfg.Provider != config.ProviderGemini {
		return NewLocalUploader(cfg.BasicConfig.DocumentDir)
	}
	provCfg := cfg.ActiveProvider()
	if provCfg.APIKey == "" {
		return notConfiguredUploader{}, nil
	}
	client, err := newGenaiClient(ctx, provCfg)
	if err != nil {
		return nil, err
	}
	return &geminiUploader{client: client, pollInterval: time.Second}, nil
}

type notConfiguredUploader struct{}

func (notConfiguredUploader) Upload(context.Context, string, string, string) (string, error) {
	return "", fmt.Errorf("%w: gemini", ErrNotConfigured)
}

func (notConfiguredUploader) Delete(context.Context, string) error {
	return fmt.Errorf("%w: gemini", ErrNotConfigured)
}

type geminiUploader struct {
	client       *genai.Client
	pollInterval time.Duration
}

func (u *geminiUploader) Upload(ctx context.Context, path, mimeType, displayName string) (string, error) {
	f, err := u.client.Files.UploadFromPath(ctx, path, &genai.UploadFileConfig{
		MIMEType:    mimeType,
		DisplayName: displayName,
	})
	if err != nil {
		return "", classify(fmt.Errorf("upload to gemini: %w", err))
	}
	// large files stay in PROCESSING for a while and cannot be referenced yet
	for f.State == genai.FileStateProcessing {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: waiting for file processing: %v", ErrUpstream, ctx.Err())
		case <-time.After(u.pollInterval):
		}
		f, err = u.client.Files.Get(ctx, f.Name, nil)
		if err != nil {
			return "", classify(fmt.Errorf("poll gemini file: %w", err))
		}
	}
	if f.State == genai.FileStateFailed {
		return "", fmt.Errorf("%w: gemini could not process %s", ErrUnsupportedContent, displayName)
	}
	return f.URI, nil
}

func (u *geminiUploader) Delete(ctx context.Context, uri string) error {
	name, err := geminiFileName(uri)
	if err != nil {
		return err
	}
	if _, err := u.client.Files.Delete(ctx, name, nil); err != nil {
		return classify(fmt.Errorf("delete gemini file: %w", err))
	}
	return nil
}

// geminiFileName extracts the "files/<id>" resource name from a file URI.
func geminiFileName(uri string) (string, error) {
	idx := strings.Index(uri, "files/")
	if idx < 0 {
		return "", fmt.Errorf("not a gemini file reference: %s", uri)
	}
	name := uri[idx:]
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	return name, nil
}

// LocalUploader keeps documents in a directory and references them with
// file:// URIs.
type LocalUploader struct {
	dir string
}

func NewLocalUploader(dir string) (*LocalUploader, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve document dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create document dir: %w", err)
	}
	return &LocalUploader{dir: abs}, nil
}

func (u *LocalUploader) Upload(ctx context.Context, path, mimeType, displayName string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	ext := strings.ToLower(filepath.Ext(displayName))
	target := filepath.Join(u.dir, ulid.Make().String()+ext)
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create document: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(target)
		return "", fmt.Errorf("store document: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(target)
		return "", fmt.Errorf("store document: %w", err)
	}
	return LocalURI(target), nil
}

func (u *LocalUploader) Delete(ctx context.Context, uri string) error {
	path, err := LocalPath(uri)
	if err != nil {
		return err
	}
	if !withinDir(u.dir, path) {
		return fmt.Errorf("document %s is outside %s", path, u.dir)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove document: %w", err)
	}
	return nil
}
