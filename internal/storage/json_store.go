package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"docchat/internal/models"
)

// JSONStore keeps the uploaded-file list as a JSON array in a single file.
type JSONStore struct {
	path string
	mu   sync.Mutex
}

// NewJSONStore returns a store backed by path. The file is created on first write.
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

func (s *JSONStore) List(ctx context.Context) ([]models.UploadedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *JSONStore) Append(ctx context.Context, file models.UploadedFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, err := s.read()
	if err != nil {
		return err
	}
	return s.write(append(files, file))
}

func (s *JSONStore) RemoveAt(ctx context.Context, index int) (models.UploadedFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, err := s.read()
	if err != nil {
		return models.UploadedFile{}, err
	}
	if index < 0 || index >= len(files) {
		return models.UploadedFile{}, ErrIndexOutOfRange
	}
	removed := files[index]
	files = append(files[:index], files[index+1:]...)
	if err := s.write(files); err != nil {
		return models.UploadedFile{}, err
	}
	return removed, nil
}

func (s *JSONStore) Close() error { return nil }

func (s *JSONStore) read() ([]models.UploadedFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []models.UploadedFile{}, nil
		}
		return nil, fmt.Errorf("read file list: %w", err)
	}
	if len(data) == 0 {
		return []models.UploadedFile{}, nil
	}
	var files []models.UploadedFile
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, fmt.Errorf("decode file list: %w", err)
	}
	return files, nil
}

// write replaces the document atomically so readers never see a partial list.
func (s *JSONStore) write(files []models.UploadedFile) error {
	if files == nil {
		files = []models.UploadedFile{}
	}
	data, err := json.MarshalIndent(files, "", "  ")
	if err != nil {
		return fmt.Errorf("encode file list: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".uploaded_files-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write file list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close file list: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace file list: %w", err)
	}
	return nil
}
