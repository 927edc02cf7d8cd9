package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"docchat/internal/config"
	"docchat/internal/models"
)

// Request is one model invocation. When Documents is set the call is
// document-grounded: the parts are sent followed by Prompt. Otherwise the
// role-tagged History is sent as is.
type Request struct {
	Model     string
	History   []models.ChatMessage
	Documents []models.ContentPart
	Prompt    string
}

// Grounded reports whether the request carries document context.
func (r Request) Grounded() bool {
	return len(r.Documents) > 0
}

// Generator is the outbound text generation capability of one provider.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
	// Stream calls onChunk for every increment and returns the full text.
	Stream(ctx context.Context, req Request, onChunk func(string) error) (string, error)
	Provider() string
	DefaultModel() string
}

// NewGenerator builds the generator of the configured provider. A provider
// without credentials still yields a generator; its calls fail with
// ErrNotConfigured.
func NewGenerator(ctx context.Context, cfg *config.Config) (Generator, error) {
	reader, err := newDocumentReader(ctx, cfg.BasicConfig.DocumentDir)
	if err != nil {
		return nil, err
	}
	provCfg := cfg.ActiveProvider()
	switch cfg.Provider {
	case config.ProviderGemini:
		return newGeminiGenerator(ctx, provCfg, reader)
	case config.ProviderOpenAI, config.ProviderClaude:
		return newEinoGenerator(cfg.Provider, provCfg, reader), nil
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Provider)
	}
}

// candidateModels lists model names to try in order, de-duplicated.
func candidateModels(model string, fallbacks []string) []string {
	out := make([]string, 0, len(fallbacks)+1)
	seen := make(map[string]struct{}, len(fallbacks)+1)
	for _, m := range append([]string{model}, fallbacks...) {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// defaultGeminiFallbacks derives the variant chain tried when a gemini model
// name is unknown to the API.
func defaultGeminiFallbacks(model string) []string {
	return []string{
		model + "-lite",
		model + "-001",
		"gemini-2.5-flash",
		"gemini-2.5-flash-lite",
		"gemini-1.5-flash",
	}
}

// withFallback runs call for each candidate until one succeeds. Only a
// model-not-found error moves on to the next candidate.
func withFallback(candidates []string, call func(model string) (string, error)) (string, error) {
	var lastErr error
	for _, m := range candidates {
		text, err := call(m)
		if err == nil {
			return text, nil
		}
		err = classify(err)
		if !errors.Is(err, errModelNotFound) {
			return "", err
		}
		lastErr = err
	}
	if lastErr == nil {
		return "", fmt.Errorf("%w: no model configured", ErrUpstream)
	}
	return "", fmt.Errorf("%w: no model variant available: %v", ErrUpstream, lastErr)
}

// streamWithFallback is withFallback for streams: once a chunk has been
// emitted the chain stops.
func streamWithFallback(candidates []string, onChunk func(string) error, call func(model string, emit func(string) error) (string, error)) (string, error) {
	emitted := false
	emit := func(chunk string) error {
		if chunk == "" {
			return nil
		}
		emitted = true
		if onChunk == nil {
			return nil
		}
		return onChunk(chunk)
	}
	return withFallback(candidates, func(model string) (string, error) {
		text, err := call(model, emit)
		if err != nil && emitted {
			// a partial answer cannot be retried on another model
			if errors.Is(classify(err), errModelNotFound) {
				return "", fmt.Errorf("%w: %v", ErrUpstream, err)
			}
		}
		return text, err
	})
}

func toSchemaMessages(history []models.ChatMessage) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: msg.Content,
		})
	}
	return messages
}

func modelOrDefault(model, fallback string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return fallback
}
