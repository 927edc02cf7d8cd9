package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"docchat/internal/config"
)

// geminiGenerator sends document-grounded requests through the genai client,
// so uploaded file references reach the model directly, and plain history
// through the eino gemini chat model.
type geminiGenerator struct {
	client    *genai.Client
	cfg       config.ProviderConfig
	fallbacks []string
	reader    *documentReader

	mu         sync.Mutex
	chatModels map[string]model.BaseChatModel
}

func newGeminiGenerator(ctx context.Context, cfg config.ProviderConfig, reader *documentReader) (*geminiGenerator, error) {
	g := &geminiGenerator{
		cfg:        cfg,
		fallbacks:  cfg.FallbackModels,
		reader:     reader,
		chatModels: make(map[string]model.BaseChatModel),
	}
	if len(g.fallbacks) == 0 {
		g.fallbacks = defaultGeminiFallbacks(cfg.Model)
	}
	if cfg.APIKey == "" {
		return g, nil
	}
	client, err := newGenaiClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	g.client = client
	return g, nil
}

func newGenaiClient(ctx context.Context, cfg config.ProviderConfig) (*genai.Client, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return client, nil
}

func (g *geminiGenerator) Provider() string     { return config.ProviderGemini }
func (g *geminiGenerator) DefaultModel() string { return g.cfg.Model }

func (g *geminiGenerator) candidates(req Request) []string {
	return candidateModels(modelOrDefault(req.Model, g.cfg.Model), g.fallbacks)
}

func (g *geminiGenerator) chatModel(ctx context.Context, name string) (model.BaseChatModel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.chatModels[name]; ok {
		return m, nil
	}
	m, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client: g.client,
		Model:  name,
	})
	if err != nil {
		return nil, fmt.Errorf("init gemini chat model: %w", err)
	}
	g.chatModels[name] = m
	return m, nil
}

func (g *geminiGenerator) contents(ctx context.Context, req Request) ([]*genai.Content, error) {
	parts := make([]*genai.Part, 0, len(req.Documents)+1)
	for _, p := range req.Documents {
		switch {
		case !p.IsFile():
			parts = append(parts, genai.NewPartFromText(p.Text))
		case IsLocalURI(p.FileURI):
			text, err := g.reader.Read(ctx, p)
			if err != nil {
				return nil, err
			}
			parts = append(parts, genai.NewPartFromText(fmt.Sprintf("--- Document: %s ---\n%s", p.FileName, text)))
		default:
			parts = append(parts, genai.NewPartFromURI(p.FileURI, p.MimeType))
		}
	}
	parts = append(parts, genai.NewPartFromText(req.Prompt))
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, nil
}

func generationConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0.7),
	}
}

func (g *geminiGenerator) Generate(ctx context.Context, req Request) (string, error) {
	if g.client == nil {
		return "", fmt.Errorf("%w: gemini", ErrNotConfigured)
	}
	if !req.Grounded() {
		msgs := toSchemaMessages(req.History)
		return withFallback(g.candidates(req), func(name string) (string, error) {
			m, err := g.chatModel(ctx, name)
			if err != nil {
				return "", err
			}
			resp, err := m.Generate(ctx, msgs)
			if err != nil {
				return "", fmt.Errorf("generate: %w", err)
			}
			return resp.Content, nil
		})
	}

	contents, err := g.contents(ctx, req)
	if err != nil {
		return "", err
	}
	return withFallback(g.candidates(req), func(name string) (string, error) {
		resp, err := g.client.Models.GenerateContent(ctx, name, contents, generationConfig())
		if err != nil {
			return "", fmt.Errorf("generate content: %w", err)
		}
		return resp.Text(), nil
	})
}

func (g *geminiGenerator) Stream(ctx context.Context, req Request, onChunk func(string) error) (string, error) {
	if g.client == nil {
		return "", fmt.Errorf("%w: gemini", ErrNotConfigured)
	}
	if !req.Grounded() {
		msgs := toSchemaMessages(req.History)
		return streamWithFallback(g.candidates(req), onChunk, func(name string, emit func(string) error) (string, error) {
			m, err := g.chatModel(ctx, name)
			if err != nil {
				return "", err
			}
			reader, err := m.Stream(ctx, msgs)
			if err != nil {
				return "", fmt.Errorf("generate stream: %w", err)
			}
			return drainStream(reader, emit)
		})
	}

	contents, err := g.contents(ctx, req)
	if err != nil {
		return "", err
	}
	return streamWithFallback(g.candidates(req), onChunk, func(name string, emit func(string) error) (string, error) {
		var full strings.Builder
		for resp, err := range g.client.Models.GenerateContentStream(ctx, name, contents, generationConfig()) {
			if err != nil {
				return "", fmt.Errorf("generate content stream: %w", err)
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			full.WriteString(text)
			if err := emit(text); err != nil {
				return "", err
			}
		}
		return full.String(), nil
	})
}

