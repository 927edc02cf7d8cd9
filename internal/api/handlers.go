package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"docchat/internal/auth"
	"docchat/internal/chat"
	"docchat/internal/models"
	"docchat/internal/service/documents"
	"docchat/internal/telemetry"
)

// ChatService answers chat requests and exposes cache state.
type ChatService interface {
	Chat(ctx context.Context, req chat.Request) (*chat.Result, error)
	ChatStream(ctx context.Context, req chat.Request, onChunk func(string) error) (*chat.Result, error)
	ChatWithDoc(ctx context.Context, req chat.DocRequest) (*chat.Result, error)
	Stats(ctx context.Context) (chat.Stats, error)
	ClearCaches(ctx context.Context)
	Provider() string
	DefaultModel() string
}

// DocumentService manages the uploaded document list.
type DocumentService interface {
	Upload(ctx context.Context, up documents.Upload) (models.UploadedFile, error)
	Delete(ctx context.Context, index int) (models.UploadedFile, error)
	List(ctx context.Context) ([]models.UploadedFile, error)
	MaxBytes() int64
}

// Handler wires HTTP routes to the chat coordinator and document service.
type Handler struct {
	chat ChatService
	docs DocumentService
	auth *auth.Service
}

// NewHandler constructs a Handler instance.
func NewHandler(chatService ChatService, docs DocumentService, authService *auth.Service) *Handler {
	return &Handler{
		chat: chatService,
		docs: docs,
		auth: authService,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(RequestID(), AccessLog())
	api := router.Group("/api")
	api.GET("/health", h.health)
	api.POST("/chat", h.chatOnce)
	api.POST("/chat-stream", h.chatStream)
	api.POST("/chat-with-doc", h.chatWithDoc)

	admin := api.Group("")
	admin.Use(h.auth.Middleware(), auth.RequireRole(auth.RoleAdmin))
	admin.POST("/upload", h.upload)
	admin.DELETE("/delete-file", h.deleteFile)
	admin.GET("/uploaded-files", h.uploadedFiles)
	admin.GET("/cache-stats", h.cacheStats)
	admin.POST("/clear-cache", h.clearCache)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"provider": h.chat.Provider(),
		"model":    h.chat.DefaultModel(),
	})
}

type chatRequest struct {
	Messages []models.ChatMessage `json:"messages"`
	Model    string               `json:"model"`
}

func (r *chatRequest) validate() error {
	if len(r.Messages) == 0 {
		return errors.New("messages must be a non-empty array")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case models.RoleUser, models.RoleAssistant, models.RoleSystem:
		default:
			return fmt.Errorf("messages[%d].role must be user, assistant or system", i)
		}
	}
	if strings.TrimSpace(models.LatestUserText(r.Messages)) == "" {
		return errors.New("the latest message must not be empty")
	}
	return nil
}

func (h *Handler) bindChat(c *gin.Context) (chat.Request, bool) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return chat.Request{}, false
	}
	if err := req.validate(); err != nil {
		badRequest(c, err.Error())
		return chat.Request{}, false
	}
	return chat.Request{Model: req.Model, Messages: req.Messages}, true
}

func (h *Handler) chatOnce(c *gin.Context) {
	req, ok := h.bindChat(c)
	if !ok {
		return
	}
	res, err := h.chat.Chat(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	body := gin.H{"content": res.Content}
	if res.Cached {
		body["cached"] = true
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) chatStream(c *gin.Context) {
	req, ok := h.bindChat(c)
	if !ok {
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": codeInternal, "details": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	res, err := h.chat.ChatStream(c.Request.Context(), req, func(chunk string) error {
		return sendEvent("", gin.H{"text": chunk})
	})
	if err != nil {
		_, body := errorBody(c, err)
		_ = sendEvent("error", body)
		return
	}
	_ = sendEvent("", gin.H{"done": true, "cached": res.Cached})
}

type chatWithDocRequest struct {
	Message  string `json:"message"`
	FileURI  string `json:"fileUri"`
	MimeType string `json:"mimeType"`
	Model    string `json:"model"`
}

func (h *Handler) chatWithDoc(c *gin.Context) {
	var req chatWithDocRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" || strings.TrimSpace(req.FileURI) == "" {
		badRequest(c, "message and fileUri are required")
		return
	}
	res, err := h.chat.ChatWithDoc(c.Request.Context(), chat.DocRequest{
		Message:  req.Message,
		FileURI:  req.FileURI,
		MimeType: req.MimeType,
		Model:    req.Model,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"content": res.Content})
}

// multipart framing overhead allowed on top of the file size limit
const multipartSlack = 1 << 20

func (h *Handler) upload(c *gin.Context) {
	maxBytes := h.docs.MaxBytes()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+multipartSlack)
	if err := c.Request.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, documents.ErrTooLarge)
			return
		}
		badRequest(c, "invalid multipart form")
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "file is required")
		return
	}
	if file.Size > maxBytes {
		writeError(c, documents.ErrTooLarge)
		return
	}
	f, err := file.Open()
	if err != nil {
		badRequest(c, "open file failed")
		return
	}
	defer f.Close()

	uploadedBy := strings.TrimSpace(c.PostForm("uploadedBy"))
	if uploadedBy == "" {
		uploadedBy, _ = auth.SubjectFromContext(c)
	}
	rec, err := h.docs.Upload(c.Request.Context(), documents.Upload{
		Body:       f,
		FileName:   file.Filename,
		Size:       file.Size,
		UploadedBy: uploadedBy,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"fileUri":    rec.FileURI,
		"fileName":   rec.FileName,
		"mimeType":   rec.MimeType,
		"uploadedBy": rec.UploadedBy,
		"uploadedAt": rec.UploadedAt,
		"size":       rec.Size,
	})
}

type deleteFileRequest struct {
	Index *int `json:"index"`
}

func (h *Handler) deleteFile(c *gin.Context) {
	var req deleteFileRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Index == nil {
		badRequest(c, "index is required")
		return
	}
	removed, err := h.docs.Delete(c.Request.Context(), *req.Index)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "file": removed})
}

func (h *Handler) uploadedFiles(c *gin.Context) {
	files, err := h.docs.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if files == nil {
		files = []models.UploadedFile{}
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

func (h *Handler) cacheStats(c *gin.Context) {
	st, err := h.chat.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"size":              st.Size,
		"maxSize":           st.MaxSize,
		"ttlSeconds":        int64(st.TTL.Seconds()),
		"keyPrefixChars":    st.KeyPrefixChars,
		"fileSessionActive": st.FileSessionActive,
		"fileSessionModel":  st.FileSessionModel,
		"fileCount":         st.FileCount,
	})
}

func (h *Handler) clearCache(c *gin.Context) {
	h.chat.ClearCaches(c.Request.Context())
	telemetry.LoggerFromContext(c.Request.Context()).Info("caches cleared on request")
	c.JSON(http.StatusOK, gin.H{"success": true})
}
