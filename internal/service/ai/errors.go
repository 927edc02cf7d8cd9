package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

var (
	// ErrRateLimited means the provider throttled the call; retrying later may succeed.
	ErrRateLimited = errors.New("provider rate limit exceeded")
	// ErrUnsupportedContent means the provider cannot process the supplied document.
	ErrUnsupportedContent = errors.New("content type not supported by provider")
	// ErrNotConfigured means the active provider has no credentials.
	ErrNotConfigured = errors.New("provider credentials not configured")
	// ErrUpstream covers every other failed model call, timeouts included.
	ErrUpstream = errors.New("upstream model call failed")

	errModelNotFound = errors.New("model not found")
)

// classify maps a raw provider error onto one of the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrRateLimited, ErrUnsupportedContent, ErrNotConfigured, ErrUpstream, errModelNotFound} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if code, status, msg, ok := apiError(err); ok {
		switch {
		case code == http.StatusTooManyRequests || status == "RESOURCE_EXHAUSTED":
			return fmt.Errorf("%w: %s", ErrRateLimited, msg)
		case code == http.StatusNotFound || status == "NOT_FOUND":
			return fmt.Errorf("%w: %s", errModelNotFound, msg)
		case code == http.StatusUnsupportedMediaType || (code == http.StatusBadRequest && mentionsUnsupported(msg)):
			return fmt.Errorf("%w: %s", ErrUnsupportedContent, msg)
		}
		return fmt.Errorf("%w: %s", ErrUpstream, msg)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "quota") || strings.Contains(msg, "resource_exhausted"):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case mentionsUnsupported(msg):
		return fmt.Errorf("%w: %v", ErrUnsupportedContent, err)
	case strings.Contains(msg, "404") && strings.Contains(msg, "model"):
		return fmt.Errorf("%w: %v", errModelNotFound, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}

func apiError(err error) (code int, status, msg string, ok bool) {
	var value genai.APIError
	if errors.As(err, &value) {
		return value.Code, value.Status, value.Message, true
	}
	var ptr *genai.APIError
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Code, ptr.Status, ptr.Message, true
	}
	return 0, "", "", false
}

func mentionsUnsupported(msg string) bool {
	msg = strings.ToLower(msg)
	if !strings.Contains(msg, "unsupported") && !strings.Contains(msg, "not supported") {
		return false
	}
	return strings.Contains(msg, "mime") || strings.Contains(msg, "file") || strings.Contains(msg, "content type")
}
