package cache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"docchat/internal/models"
)

// Bundle is the prepared document context sent with document-grounded chats.
// A bundle is never modified after it is built.
type Bundle struct {
	Model        string
	Fingerprint  string
	Parts        []models.ContentPart
	DisplayNames string
	FileCount    int
	BuiltAt      time.Time
}

// FileSessionCache keeps at most one bundle, keyed by model and document
// fingerprint.
type FileSessionCache struct {
	mu     sync.Mutex
	bundle *Bundle
	clock  Clock
}

// NewFileSessionCache returns an empty file session cache.
func NewFileSessionCache(clock Clock) *FileSessionCache {
	if clock == nil {
		clock = SystemClock()
	}
	return &FileSessionCache{clock: clock}
}

// GetOrBuild returns the live bundle when it was built for the same model and
// document set, otherwise it builds and stores a new one. The boolean reports
// a reuse. No bundle is produced for an empty file list.
func (c *FileSessionCache) GetOrBuild(model string, files []models.UploadedFile) (*Bundle, bool) {
	fp := Fingerprint(files)
	if fp == "" {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bundle != nil && c.bundle.Fingerprint == fp && c.bundle.Model == model {
		return c.bundle, true
	}
	c.bundle = buildBundle(model, fp, files, c.clock.Now())
	return c.bundle, false
}

// Invalidate forgets the stored bundle.
func (c *FileSessionCache) Invalidate() {
	c.mu.Lock()
	c.bundle = nil
	c.mu.Unlock()
}

// Current returns the live bundle, or nil.
func (c *FileSessionCache) Current() *Bundle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bundle
}

func buildBundle(model, fp string, files []models.UploadedFile, now time.Time) *Bundle {
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.FileName)
	}
	joined := strings.Join(names, ", ")

	parts := make([]models.ContentPart, 0, len(files)+1)
	parts = append(parts, models.ContentPart{Text: preface(len(files), joined)})
	for _, f := range files {
		parts = append(parts, models.ContentPart{
			FileURI:  f.FileURI,
			MimeType: f.MimeType,
			FileName: f.FileName,
		})
	}
	return &Bundle{
		Model:        model,
		Fingerprint:  fp,
		Parts:        parts,
		DisplayNames: joined,
		FileCount:    len(files),
		BuiltAt:      now,
	}
}

func preface(count int, names string) string {
	return fmt.Sprintf("You are a helpful assistant. %d document(s) have been shared with you: %s. "+
		"Answer the user's question using these documents first; say so when they do not contain the answer.",
		count, names)
}
