package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"docchat/internal/config"
)

// einoGenerator serves providers without a file API through eino chat
// models; documents are inlined as text.
type einoGenerator struct {
	provider string
	cfg      config.ProviderConfig
	reader   *documentReader

	mu         sync.Mutex
	chatModels map[string]model.BaseChatModel
	newModel   func(ctx context.Context, name string) (model.BaseChatModel, error)
}

func newEinoGenerator(provider string, cfg config.ProviderConfig, reader *documentReader) *einoGenerator {
	g := &einoGenerator{
		provider:   provider,
		cfg:        cfg,
		reader:     reader,
		chatModels: make(map[string]model.BaseChatModel),
	}
	g.newModel = g.buildModel
	return g
}

func (g *einoGenerator) Provider() string     { return g.provider }
func (g *einoGenerator) DefaultModel() string { return g.cfg.Model }

func (g *einoGenerator) buildModel(ctx context.Context, name string) (model.BaseChatModel, error) {
	if g.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, g.provider)
	}
	switch g.provider {
	case config.ProviderOpenAI:
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: g.cfg.BaseURL,
			Model:   name,
			APIKey:  g.cfg.APIKey,
		})
	case config.ProviderClaude:
		var baseURLPtr *string
		if g.cfg.BaseURL != "" {
			baseURL := g.cfg.BaseURL
			baseURLPtr = &baseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    g.cfg.APIKey,
			Model:     name,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", g.provider)
	}
}

func (g *einoGenerator) chatModel(ctx context.Context, name string) (model.BaseChatModel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.chatModels[name]; ok {
		return m, nil
	}
	m, err := g.newModel(ctx, name)
	if err != nil {
		return nil, err
	}
	g.chatModels[name] = m
	return m, nil
}

func (g *einoGenerator) messages(ctx context.Context, req Request) ([]*schema.Message, error) {
	if !req.Grounded() {
		return toSchemaMessages(req.History), nil
	}
	docText, err := g.reader.inline(ctx, req.Documents)
	if err != nil {
		return nil, err
	}
	return []*schema.Message{
		{Role: schema.System, Content: strings.TrimSpace(docText)},
		{Role: schema.User, Content: req.Prompt},
	}, nil
}

func (g *einoGenerator) Generate(ctx context.Context, req Request) (string, error) {
	msgs, err := g.messages(ctx, req)
	if err != nil {
		return "", err
	}
	candidates := candidateModels(modelOrDefault(req.Model, g.cfg.Model), g.cfg.FallbackModels)
	return withFallback(candidates, func(name string) (string, error) {
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

func (g *einoGenerator) Stream(ctx context.Context, req Request, onChunk func(string) error) (string, error) {
	msgs, err := g.messages(ctx, req)
	if err != nil {
		return "", err
	}
	candidates := candidateModels(modelOrDefault(req.Model, g.cfg.Model), g.cfg.FallbackModels)
	return streamWithFallback(candidates, onChunk, func(name string, emit func(string) error) (string, error) {
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

// drainStream forwards every chunk of an eino stream and returns the
// concatenated text.
func drainStream(reader *schema.StreamReader[*schema.Message], emit func(string) error) (string, error) {
	defer reader.Close()
	var full strings.Builder
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			return full.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("read stream: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if err := emit(chunk.Content); err != nil {
			return "", err
		}
	}
}
