package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"docchat/internal/models"
)

// Fingerprint digests the ordered (file reference, upload time) pairs of the
// given files. It returns "" when there are no files.
func Fingerprint(files []models.UploadedFile) string {
	if len(files) == 0 {
		return ""
	}
	h := sha256.New()
	for _, f := range files {
		h.Write([]byte(f.FileURI))
		h.Write([]byte{0})
		h.Write([]byte(f.UploadedAt.UTC().Format(time.RFC3339Nano)))
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}
