package ai

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"docchat/internal/config"
	"docchat/internal/models"
)

type fakeChatModel struct {
	name     string
	err      error
	chunks   []string
	received []*schema.Message
}

func (m *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.received = input
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage("answer from "+m.name, nil), nil
}

func (m *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.received = input
	if m.err != nil {
		return nil, m.err
	}
	msgs := make([]*schema.Message, 0, len(m.chunks))
	for _, c := range m.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func newTestGenerator(t *testing.T, docDir string, cfg config.ProviderConfig, fakes map[string]*fakeChatModel) *einoGenerator {
	t.Helper()
	reader, err := newDocumentReader(context.Background(), docDir)
	if err != nil {
		t.Fatalf("document reader: %v", err)
	}
	g := newEinoGenerator(config.ProviderOpenAI, cfg, reader)
	g.newModel = func(ctx context.Context, name string) (model.BaseChatModel, error) {
		m, ok := fakes[name]
		if !ok {
			return nil, errors.New("unexpected model " + name)
		}
		return m, nil
	}
	return g
}

func TestEinoGeneratorFallsBackOnMissingModel(t *testing.T) {
	fakes := map[string]*fakeChatModel{
		"primary": {name: "primary", err: genai.APIError{Code: 404, Message: "model not found"}},
		"backup":  {name: "backup"},
	}
	g := newTestGenerator(t, t.TempDir(), config.ProviderConfig{Model: "primary", FallbackModels: []string{"primary", "backup"}}, fakes)

	text, err := g.Generate(context.Background(), Request{
		History: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "answer from backup" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestEinoGeneratorStopsChainOnRateLimit(t *testing.T) {
	fakes := map[string]*fakeChatModel{
		"primary": {name: "primary", err: genai.APIError{Code: 429, Message: "quota"}},
		"backup":  {name: "backup"},
	}
	g := newTestGenerator(t, t.TempDir(), config.ProviderConfig{Model: "primary", FallbackModels: []string{"backup"}}, fakes)

	_, err := g.Generate(context.Background(), Request{
		History: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if fakes["backup"].received != nil {
		t.Fatalf("backup model must not be called after a rate limit")
	}
}

func TestEinoGeneratorInlinesLocalDocuments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("the launch code is 1234"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	fake := &fakeChatModel{name: "m", chunks: []string{"the code ", "is 1234"}}
	g := newTestGenerator(t, dir, config.ProviderConfig{Model: "m"}, map[string]*fakeChatModel{"m": fake})

	var chunks []string
	text, err := g.Stream(context.Background(), Request{
		Documents: []models.ContentPart{
			{Text: "You have 1 document."},
			{FileURI: LocalURI(path), MimeType: "text/plain", FileName: "notes.txt"},
		},
		Prompt: "what is the code?",
	}, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if text != "the code is 1234" || len(chunks) != 2 {
		t.Fatalf("unexpected stream result %q %v", text, chunks)
	}
	if len(fake.received) != 2 {
		t.Fatalf("expected system and user message, got %d", len(fake.received))
	}
	if !strings.Contains(fake.received[0].Content, "the launch code is 1234") {
		t.Fatalf("document text not inlined: %q", fake.received[0].Content)
	}
	if fake.received[1].Content != "what is the code?" {
		t.Fatalf("unexpected prompt %q", fake.received[1].Content)
	}
}

func TestEinoGeneratorRejectsRemoteAndBinaryDocuments(t *testing.T) {
	dir := t.TempDir()
	g := newTestGenerator(t, dir, config.ProviderConfig{Model: "m"}, map[string]*fakeChatModel{"m": {name: "m"}})

	for _, part := range []models.ContentPart{
		{FileURI: "https://generativelanguage.googleapis.com/v1beta/files/abc", MimeType: "application/pdf", FileName: "a.pdf"},
		{FileURI: LocalURI(filepath.Join(dir, "b.pdf")), MimeType: "application/pdf", FileName: "b.pdf"},
	} {
		_, err := g.Generate(context.Background(), Request{Documents: []models.ContentPart{part}, Prompt: "?"})
		if !errors.Is(err, ErrUnsupportedContent) {
			t.Fatalf("expected unsupported content for %s, got %v", part.FileName, err)
		}
	}
}

func TestEinoGeneratorRejectsDocumentsOutsideDocumentDir(t *testing.T) {
	docDir := t.TempDir()
	other := t.TempDir()
	secret := filepath.Join(other, "secret.txt")
	if err := os.WriteFile(secret, []byte("do not read"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	fake := &fakeChatModel{name: "m"}
	g := newTestGenerator(t, docDir, config.ProviderConfig{Model: "m"}, map[string]*fakeChatModel{"m": fake})

	for _, uri := range []string{
		LocalURI(secret),
		LocalScheme + filepath.ToSlash(docDir) + "/../" + filepath.Base(other) + "/secret.txt",
		LocalURI(docDir),
	} {
		_, err := g.Generate(context.Background(), Request{
			Documents: []models.ContentPart{{FileURI: uri, MimeType: "text/plain", FileName: "secret.txt"}},
			Prompt:    "?",
		})
		if !errors.Is(err, ErrUnsupportedContent) {
			t.Fatalf("expected unsupported content for %s, got %v", uri, err)
		}
	}
	if fake.received != nil {
		t.Fatalf("model must not be called for documents outside the document dir")
	}
}

func TestWithinDir(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		path string
		want bool
	}{
		{filepath.Join(dir, "a.txt"), true},
		{filepath.Join(dir, "sub", "b.txt"), true},
		{dir, false},
		{filepath.Join(dir, "..", "a.txt"), false},
		{"/etc/passwd", false},
	}
	for _, c := range cases {
		if got := withinDir(dir, c.path); got != c.want {
			t.Fatalf("withinDir(%q) = %v, want %v", c.path, got, c.want)
		}
	}
	if withinDir("", filepath.Join(dir, "a.txt")) {
		t.Fatalf("an empty document dir must reject every path")
	}
}

func TestEinoGeneratorWithoutKeyIsNotConfigured(t *testing.T) {
	reader, err := newDocumentReader(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("document reader: %v", err)
	}
	g := newEinoGenerator(config.ProviderClaude, config.ProviderConfig{Model: "claude"}, reader)
	_, err = g.Generate(context.Background(), Request{History: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestGeminiGeneratorWithoutKeyIsNotConfigured(t *testing.T) {
	cfg := &config.Config{
		Provider:  config.ProviderGemini,
		Providers: map[string]config.ProviderConfig{config.ProviderGemini: {Model: "gemini-2.5-flash"}},
	}
	g, err := NewGenerator(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	if _, err := g.Generate(context.Background(), Request{Prompt: "hi"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if g.DefaultModel() != "gemini-2.5-flash" || g.Provider() != config.ProviderGemini {
		t.Fatalf("unexpected generator identity %s/%s", g.Provider(), g.DefaultModel())
	}
}

func TestCandidateModelsDeduplicates(t *testing.T) {
	got := candidateModels("gemini-2.5-flash", defaultGeminiFallbacks("gemini-2.5-flash"))
	want := []string{"gemini-2.5-flash", "gemini-2.5-flash-lite", "gemini-2.5-flash-001", "gemini-1.5-flash"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected candidates %v", got)
	}
}
