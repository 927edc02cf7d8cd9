package documents

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultTempFileTTL             = time.Hour
	DefaultTempFileCleanupInterval = time.Hour
)

// StartTempFileCleaner periodically removes upload temp files that outlived
// ttl, for instance after a crash between save and cleanup.
func (s *Service) StartTempFileCleaner(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 {
		interval = DefaultTempFileCleanupInterval
	}
	if ttl <= 0 {
		ttl = DefaultTempFileTTL
	}
	go s.cleanupLoop(ctx, interval, ttl)
}

func (s *Service) cleanupLoop(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.cleanupExpiredFiles(ttl); err != nil {
				slog.Error("cleanup temp files", "error", err)
			} else if n > 0 {
				slog.Info("removed stale upload temp files", "count", n)
			}
		}
	}
}

func (s *Service) cleanupExpiredFiles(ttl time.Duration) (int, error) {
	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-ttl)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.tempDir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("remove temp file failed", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
