// Package chat orchestrates chat requests over the response cache, the file
// session cache and the model provider, and applies document mutations
// together with cache invalidation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"docchat/internal/cache"
	"docchat/internal/models"
	"docchat/internal/service/ai"
	"docchat/internal/storage"
	"docchat/internal/telemetry"
)

// ErrUnknownDocument is returned when a local document reference does not
// name an uploaded file.
var ErrUnknownDocument = errors.New("document is not in the uploaded file list")

// Request is a conversational chat request.
type Request struct {
	Model    string
	Messages []models.ChatMessage
}

// DocRequest asks a question about one explicitly referenced document.
type DocRequest struct {
	Message  string
	FileURI  string
	MimeType string
	Model    string
}

// Result is the outcome of a chat request.
type Result struct {
	Content  string
	Model    string
	Cached   bool
	Grounded bool
	// Fallback is set when the document-grounded call failed and the answer
	// came from the plain history path instead.
	Fallback bool
}

// Stats is a diagnostic snapshot of both caches.
type Stats struct {
	Size              int
	MaxSize           int
	TTL               time.Duration
	KeyPrefixChars    int
	FileSessionActive bool
	FileSessionModel  string
	FileCount         int
}

// Options wires a Coordinator.
type Options struct {
	Generator      ai.Generator
	Store          storage.FileStore
	Responses      *cache.ResponseCache
	Sessions       *cache.FileSessionCache
	ChatTimeout    time.Duration
	DocChatTimeout time.Duration
	Tracer         trace.Tracer
	Meter          metric.Meter

	// Notifier is optional.
	Notifier Notifier
}

// Coordinator serializes cache reads against document mutations. The lock is
// never held across a model call; instead every mutation bumps an epoch and
// answers generated under an older epoch are not cached.
type Coordinator struct {
	gen       ai.Generator
	store     storage.FileStore
	responses *cache.ResponseCache
	sessions  *cache.FileSessionCache

	chatTimeout    time.Duration
	docChatTimeout time.Duration

	mu    sync.Mutex
	epoch uint64

	notifier Notifier

	tracer        trace.Tracer
	hits          metric.Int64Counter
	misses        metric.Int64Counter
	invalidations metric.Int64Counter
	fallbacks     metric.Int64Counter
	upstreamErrs  metric.Int64Counter
}

// NewCoordinator validates opts and builds a Coordinator.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Generator == nil {
		return nil, errors.New("generator is required")
	}
	if opts.Store == nil {
		return nil, errors.New("file store is required")
	}
	if opts.Responses == nil {
		opts.Responses = cache.NewResponseCache(cache.Options{})
	}
	if opts.Sessions == nil {
		opts.Sessions = cache.NewFileSessionCache(nil)
	}
	if opts.ChatTimeout <= 0 {
		opts.ChatTimeout = 15 * time.Second
	}
	if opts.DocChatTimeout <= 0 {
		opts.DocChatTimeout = 60 * time.Second
	}
	if opts.Tracer == nil {
		opts.Tracer = tracenoop.NewTracerProvider().Tracer("docchat")
	}
	if opts.Meter == nil {
		opts.Meter = metricnoop.NewMeterProvider().Meter("docchat")
	}

	c := &Coordinator{
		gen:            opts.Generator,
		store:          opts.Store,
		responses:      opts.Responses,
		sessions:       opts.Sessions,
		chatTimeout:    opts.ChatTimeout,
		docChatTimeout: opts.DocChatTimeout,
		notifier:       opts.Notifier,
		tracer:         opts.Tracer,
	}
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&c.hits, "docchat.cache.hits", "Chat requests answered from the response cache"},
		{&c.misses, "docchat.cache.misses", "Chat requests that needed a model call"},
		{&c.invalidations, "docchat.cache.invalidations", "Times both caches were cleared"},
		{&c.fallbacks, "docchat.chat.fallbacks", "Grounded calls retried on the plain history path"},
		{&c.upstreamErrs, "docchat.upstream.errors", "Failed model calls"},
	}
	for _, ctr := range counters {
		if *ctr.dst, err = opts.Meter.Int64Counter(ctr.name, metric.WithDescription(ctr.desc)); err != nil {
			return nil, fmt.Errorf("create counter %s: %w", ctr.name, err)
		}
	}
	return c, nil
}

// Provider names the active model provider.
func (c *Coordinator) Provider() string { return c.gen.Provider() }

// DefaultModel is the model used when a request names none.
func (c *Coordinator) DefaultModel() string { return c.gen.DefaultModel() }

func (c *Coordinator) model(requested string) string {
	if m := strings.TrimSpace(requested); m != "" {
		return m
	}
	return c.gen.DefaultModel()
}

// plan is what a chat request decided under the lock.
type plan struct {
	key    string
	cached string
	hit    bool
	bundle *cache.Bundle
	epoch  uint64
}

func (c *Coordinator) prepare(ctx context.Context, model, last string) (*plan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := &plan{key: c.responses.Key(model, last), epoch: c.epoch}
	if text, ok := c.responses.Get(p.key); ok {
		p.cached, p.hit = text, true
		return p, nil
	}
	files, err := c.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list uploaded files: %w", err)
	}
	if bundle, reused := c.sessions.GetOrBuild(model, files); bundle != nil {
		p.bundle = bundle
		telemetry.LoggerFromContext(ctx).Debug("file session",
			"model", model, "files", bundle.FileCount, "reused", reused)
	}
	return p, nil
}

// remember caches text unless the documents changed while it was generated.
func (c *Coordinator) remember(p *plan, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != p.epoch {
		return
	}
	c.responses.Put(p.key, text)
}

func (c *Coordinator) invalidateLocked(ctx context.Context, reason string) {
	c.responses.Clear()
	c.sessions.Invalidate()
	c.epoch++
	c.invalidations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (c *Coordinator) invalidate(ctx context.Context, reason string) {
	c.mu.Lock()
	c.invalidateLocked(ctx, reason)
	c.mu.Unlock()
	telemetry.LoggerFromContext(ctx).Info("caches invalidated", "reason", reason)
}

func (c *Coordinator) request(model string, p *plan, messages []models.ChatMessage, last string) (ai.Request, time.Duration) {
	if p.bundle != nil {
		return ai.Request{Model: model, Documents: p.bundle.Parts, Prompt: last}, c.docChatTimeout
	}
	return ai.Request{Model: model, History: messages}, c.chatTimeout
}

// keepsCache reports failures that say nothing about the cached content.
func keepsCache(err error) bool {
	return errors.Is(err, ai.ErrRateLimited) ||
		errors.Is(err, ai.ErrUnsupportedContent) ||
		errors.Is(err, ai.ErrNotConfigured)
}

// Chat answers a conversational request, from the cache when possible.
func (c *Coordinator) Chat(ctx context.Context, req Request) (*Result, error) {
	return c.chat(ctx, req, nil)
}

// ChatStream is Chat with incremental delivery. A cache hit is delivered as a
// single chunk.
func (c *Coordinator) ChatStream(ctx context.Context, req Request, onChunk func(string) error) (*Result, error) {
	if onChunk == nil {
		onChunk = func(string) error { return nil }
	}
	return c.chat(ctx, req, onChunk)
}

func (c *Coordinator) chat(ctx context.Context, req Request, onChunk func(string) error) (*Result, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	model := c.model(req.Model)
	last := models.LatestUserText(req.Messages)
	logger := telemetry.LoggerFromContext(ctx).With("model", model)

	p, err := c.prepare(ctx, model, last)
	if err != nil {
		return nil, err
	}
	if p.hit {
		c.hits.Add(ctx, 1)
		logger.Debug("response cache hit")
		if onChunk != nil {
			if err := onChunk(p.cached); err != nil {
				return nil, err
			}
		}
		return &Result{Content: p.cached, Model: model, Cached: true}, nil
	}
	c.misses.Add(ctx, 1)

	areq, timeout := c.request(model, p, req.Messages, last)
	emitted := false
	var emit func(string) error
	if onChunk != nil {
		emit = func(chunk string) error {
			emitted = true
			return onChunk(chunk)
		}
	}

	text, err := c.generate(ctx, areq, timeout, emit)
	if err == nil {
		c.remember(p, text)
		return &Result{Content: text, Model: model, Grounded: areq.Grounded()}, nil
	}
	if !areq.Grounded() || keepsCache(err) || ctx.Err() != nil {
		return nil, err
	}

	logger.Warn("grounded generation failed, retrying without documents", "error", err)
	c.invalidate(ctx, "grounded_failure")
	if emitted {
		return nil, err
	}
	c.fallbacks.Add(ctx, 1)
	plainReq := ai.Request{Model: model, History: req.Messages}
	text, err = c.generate(ctx, plainReq, c.chatTimeout, emit)
	if err != nil {
		return nil, err
	}
	return &Result{Content: text, Model: model, Fallback: true}, nil
}

// ChatWithDoc answers a question about a single referenced document. These
// answers are not cached.
func (c *Coordinator) ChatWithDoc(ctx context.Context, req DocRequest) (*Result, error) {
	if strings.TrimSpace(req.Message) == "" || strings.TrimSpace(req.FileURI) == "" {
		return nil, errors.New("message and fileUri are required")
	}
	part := models.ContentPart{
		FileURI:  req.FileURI,
		MimeType: req.MimeType,
		FileName: displayName(req.FileURI),
	}
	if ai.IsLocalURI(req.FileURI) {
		file, err := c.uploadedFile(ctx, req.FileURI)
		if err != nil {
			return nil, err
		}
		part.MimeType = file.MimeType
		part.FileName = file.FileName
	}
	model := c.model(req.Model)
	areq := ai.Request{
		Model:     model,
		Documents: []models.ContentPart{part},
		Prompt:    req.Message,
	}
	text, err := c.generate(ctx, areq, c.docChatTimeout, nil)
	if err != nil {
		return nil, err
	}
	return &Result{Content: text, Model: model, Grounded: true}, nil
}

// uploadedFile looks uri up in the store. Local references are only honored
// for files that were uploaded through the service.
func (c *Coordinator) uploadedFile(ctx context.Context, uri string) (models.UploadedFile, error) {
	files, err := c.store.List(ctx)
	if err != nil {
		return models.UploadedFile{}, err
	}
	for _, f := range files {
		if f.FileURI == uri {
			return f, nil
		}
	}
	return models.UploadedFile{}, fmt.Errorf("%w: %s", ErrUnknownDocument, displayName(uri))
}

func (c *Coordinator) generate(ctx context.Context, req ai.Request, timeout time.Duration, emit func(string) error) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "chat.generate", trace.WithAttributes(
		attribute.String("provider", c.gen.Provider()),
		attribute.String("model", req.Model),
		attribute.Bool("grounded", req.Grounded()),
		attribute.Bool("stream", emit != nil),
	))
	defer span.End()

	var (
		text string
		err  error
	)
	if emit != nil {
		text, err = c.gen.Stream(ctx, req, emit)
	} else {
		text, err = c.gen.Generate(ctx, req)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.upstreamErrs.Add(ctx, 1, metric.WithAttributes(attribute.Bool("grounded", req.Grounded())))
		return "", err
	}
	span.SetAttributes(attribute.Int("response.chars", len([]rune(text))))
	return text, nil
}

// Files lists the uploaded documents in upload order.
func (c *Coordinator) Files(ctx context.Context) ([]models.UploadedFile, error) {
	return c.store.List(ctx)
}

// AddFile appends an uploaded document and invalidates both caches in the
// same critical section.
func (c *Coordinator) AddFile(ctx context.Context, file models.UploadedFile) error {
	c.mu.Lock()
	if err := c.store.Append(ctx, file); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("record uploaded file: %w", err)
	}
	c.invalidateLocked(ctx, "upload")
	c.mu.Unlock()

	telemetry.LoggerFromContext(ctx).Info("document added", "file", file.FileName, "uri", file.FileURI)
	c.broadcast(ctx, "upload")
	return nil
}

// RemoveFile deletes the document at index and invalidates both caches in
// the same critical section.
func (c *Coordinator) RemoveFile(ctx context.Context, index int) (models.UploadedFile, error) {
	c.mu.Lock()
	removed, err := c.store.RemoveAt(ctx, index)
	if err != nil {
		c.mu.Unlock()
		return models.UploadedFile{}, err
	}
	c.invalidateLocked(ctx, "delete")
	c.mu.Unlock()

	telemetry.LoggerFromContext(ctx).Info("document removed", "file", removed.FileName, "uri", removed.FileURI)
	c.broadcast(ctx, "delete")
	return removed, nil
}

// ClearCaches forces invalidation of both caches.
func (c *Coordinator) ClearCaches(ctx context.Context) {
	c.invalidate(ctx, "manual")
	c.broadcast(ctx, "manual")
}

func (c *Coordinator) broadcast(ctx context.Context, reason string) {
	if c.notifier != nil {
		c.notifier.Publish(context.WithoutCancel(ctx), reason)
	}
}

// Listen applies invalidations announced by other instances until ctx is
// done. Without a notifier it does nothing.
func (c *Coordinator) Listen(ctx context.Context) error {
	if c.notifier == nil {
		return nil
	}
	return c.notifier.Listen(ctx, func(reason string) {
		c.invalidate(ctx, "remote_"+reason)
	})
}

// Stats reports cache occupancy, limits and file session state.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	files, err := c.store.List(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list uploaded files: %w", err)
	}
	rs := c.responses.Stats()
	st := Stats{
		Size:           rs.Size,
		MaxSize:        rs.MaxEntries,
		TTL:            rs.TTL,
		KeyPrefixChars: rs.KeyPrefixChars,
		FileCount:      len(files),
	}
	if b := c.sessions.Current(); b != nil {
		st.FileSessionActive = true
		st.FileSessionModel = b.Model
	}
	return st, nil
}

func displayName(uri string) string {
	name := uri
	if i := strings.LastIndexAny(name, "/\\"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return uri
	}
	return name
}
