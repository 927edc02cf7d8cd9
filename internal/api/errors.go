package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"docchat/internal/chat"
	"docchat/internal/service/ai"
	"docchat/internal/service/documents"
	"docchat/internal/storage"
	"docchat/internal/telemetry"
)

const (
	codeInvalidRequest      = "invalid_request"
	codeUnsupportedFileType = "unsupported_file_type"
	codeFileTooLarge        = "file_too_large"
	codeRateLimited         = "rate_limited"
	codeUnsupportedContent  = "unsupported_content"
	codeNotConfigured       = "provider_not_configured"
	codeUpstream            = "upstream_unavailable"
	codeNotFound            = "not_found"
	codeInternal            = "internal_error"
)

func badRequest(c *gin.Context, details string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": codeInvalidRequest, "details": details})
}

// errorBody maps err onto a status and the JSON error body.
func errorBody(c *gin.Context, err error) (int, gin.H) {
	switch {
	case errors.Is(err, ai.ErrRateLimited):
		return http.StatusTooManyRequests, gin.H{"error": codeRateLimited, "details": err.Error(), "retryable": true}
	case errors.Is(err, ai.ErrUnsupportedContent):
		return http.StatusUnprocessableEntity, gin.H{"error": codeUnsupportedContent, "details": err.Error()}
	case errors.Is(err, ai.ErrNotConfigured):
		return http.StatusInternalServerError, gin.H{"error": codeNotConfigured, "details": err.Error()}
	case errors.Is(err, ai.ErrUpstream):
		return http.StatusBadGateway, gin.H{"error": codeUpstream, "details": err.Error()}
	case errors.Is(err, documents.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType, gin.H{"error": codeUnsupportedFileType, "details": err.Error()}
	case errors.Is(err, documents.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, gin.H{"error": codeFileTooLarge, "details": err.Error()}
	case errors.Is(err, documents.ErrEmptyFile):
		return http.StatusBadRequest, gin.H{"error": codeInvalidRequest, "details": err.Error()}
	case errors.Is(err, storage.ErrIndexOutOfRange), errors.Is(err, chat.ErrUnknownDocument):
		return http.StatusNotFound, gin.H{"error": codeNotFound, "details": err.Error()}
	}
	telemetry.LoggerFromContext(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
	return http.StatusInternalServerError, gin.H{"error": codeInternal, "details": "internal server error"}
}

func writeError(c *gin.Context, err error) {
	status, body := errorBody(c, err)
	c.JSON(status, body)
}
