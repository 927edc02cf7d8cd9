package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"docchat/internal/cache"
	"docchat/internal/models"
	"docchat/internal/service/ai"
	"docchat/internal/storage"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls []ai.Request
	reply func(req ai.Request) (string, error)
}

func (g *fakeGenerator) record(req ai.Request) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()
}

func (g *fakeGenerator) Generate(ctx context.Context, req ai.Request) (string, error) {
	g.record(req)
	if g.reply != nil {
		return g.reply(req)
	}
	return defaultReply(req), nil
}

func (g *fakeGenerator) Stream(ctx context.Context, req ai.Request, onChunk func(string) error) (string, error) {
	g.record(req)
	text := defaultReply(req)
	var err error
	if g.reply != nil {
		text, err = g.reply(req)
	}
	for _, word := range strings.SplitAfter(text, " ") {
		if word == "" {
			continue
		}
		if cbErr := onChunk(word); cbErr != nil {
			return "", cbErr
		}
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

func (g *fakeGenerator) Provider() string     { return "fake" }
func (g *fakeGenerator) DefaultModel() string { return "fake-model" }

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGenerator) lastCall() ai.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[len(g.calls)-1]
}

func defaultReply(req ai.Request) string {
	if req.Grounded() {
		return fmt.Sprintf("grounded answer over %d parts", len(req.Documents))
	}
	return fmt.Sprintf("plain answer over %d messages", len(req.History))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCoordinator(t *testing.T, gen *fakeGenerator) (*Coordinator, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	coord, err := NewCoordinator(Options{
		Generator: gen,
		Store:     storage.NewJSONStore(filepath.Join(t.TempDir(), "files.json")),
		Responses: cache.NewResponseCache(cache.Options{Clock: clock}),
		Sessions:  cache.NewFileSessionCache(clock),
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return coord, clock
}

func uploaded(name string, at time.Time) models.UploadedFile {
	return models.UploadedFile{
		FileURI:    "https://files.example/" + name,
		FileName:   name,
		MimeType:   "application/pdf",
		UploadedBy: "admin",
		UploadedAt: at,
		Size:       42,
	}
}

func ask(text string) Request {
	return Request{Messages: []models.ChatMessage{{Role: models.RoleUser, Content: text}}}
}

func TestChatCacheHitSkipsModel(t *testing.T) {
	gen := &fakeGenerator{}
	coord, _ := newTestCoordinator(t, gen)
	ctx := context.Background()

	first, err := coord.Chat(ctx, ask("hello"))
	if err != nil {
		t.Fatalf("first chat: %v", err)
	}
	if first.Cached {
		t.Fatalf("first call must not be cached")
	}
	second, err := coord.Chat(ctx, ask("hello"))
	if err != nil {
		t.Fatalf("second chat: %v", err)
	}
	if !second.Cached || second.Content != first.Content {
		t.Fatalf("expected identical cached answer, got %+v", second)
	}
	if gen.callCount() != 1 {
		t.Fatalf("expected a single model call, got %d", gen.callCount())
	}
}

func TestChatCacheExpiresAfterTTL(t *testing.T) {
	gen := &fakeGenerator{}
	coord, clock := newTestCoordinator(t, gen)
	ctx := context.Background()

	if _, err := coord.Chat(ctx, ask("hello")); err != nil {
		t.Fatalf("chat: %v", err)
	}
	clock.Advance(cache.DefaultTTL + time.Second)
	res, err := coord.Chat(ctx, ask("hello"))
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if res.Cached || gen.callCount() != 2 {
		t.Fatalf("expected expired entry to miss, cached=%v calls=%d", res.Cached, gen.callCount())
	}
}

func TestChatWithoutFilesUsesHistory(t *testing.T) {
	gen := &fakeGenerator{}
	coord, _ := newTestCoordinator(t, gen)

	req := Request{Messages: []models.ChatMessage{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
		{Role: models.RoleUser, Content: "how are you?"},
	}}
	res, err := coord.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	call := gen.lastCall()
	if call.Grounded() || len(call.History) != 3 || res.Grounded {
		t.Fatalf("expected plain history call, got %+v", call)
	}
	if coord.sessions.Current() != nil {
		t.Fatalf("no file session expected without files")
	}
}

func TestUploadDeleteScenario(t *testing.T) {
	gen := &fakeGenerator{}
	coord, clock := newTestCoordinator(t, gen)
	ctx := context.Background()
	question := ask("What is in A?")

	if err := coord.AddFile(ctx, uploaded("a.pdf", clock.Now())); err != nil {
		t.Fatalf("add A: %v", err)
	}

	res, err := coord.Chat(ctx, question)
	if err != nil {
		t.Fatalf("chat 1: %v", err)
	}
	if res.Cached || !res.Grounded {
		t.Fatalf("expected grounded miss, got %+v", res)
	}
	call := gen.lastCall()
	if len(call.Documents) != 2 || call.Documents[1].FileURI != "https://files.example/a.pdf" || call.Prompt != "What is in A?" {
		t.Fatalf("unexpected grounded request %+v", call)
	}
	firstBundle := coord.sessions.Current()

	res, err = coord.Chat(ctx, question)
	if err != nil || !res.Cached || gen.callCount() != 1 {
		t.Fatalf("expected cache hit, res=%+v err=%v calls=%d", res, err, gen.callCount())
	}

	clock.Advance(time.Minute)
	if err := coord.AddFile(ctx, uploaded("b.pdf", clock.Now())); err != nil {
		t.Fatalf("add B: %v", err)
	}
	if coord.sessions.Current() != nil || coord.responses.Len() != 0 {
		t.Fatalf("upload must invalidate both caches")
	}
	res, err = coord.Chat(ctx, question)
	if err != nil || res.Cached || gen.callCount() != 2 {
		t.Fatalf("expected miss after upload, res=%+v err=%v", res, err)
	}
	if n := len(gen.lastCall().Documents); n != 3 {
		t.Fatalf("expected preface plus two files, got %d parts", n)
	}
	if coord.sessions.Current() == firstBundle {
		t.Fatalf("expected a rebuilt file session")
	}

	removed, err := coord.RemoveFile(ctx, 1)
	if err != nil || removed.FileName != "b.pdf" {
		t.Fatalf("remove B: %+v %v", removed, err)
	}
	res, err = coord.Chat(ctx, question)
	if err != nil || res.Cached || gen.callCount() != 3 {
		t.Fatalf("expected miss after delete, res=%+v err=%v", res, err)
	}
	if n := len(gen.lastCall().Documents); n != 2 {
		t.Fatalf("expected preface plus one file, got %d parts", n)
	}
}

func TestRemoveFileOutOfRangeKeepsCaches(t *testing.T) {
	gen := &fakeGenerator{}
	coord, _ := newTestCoordinator(t, gen)
	ctx := context.Background()

	if _, err := coord.Chat(ctx, ask("hello")); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if _, err := coord.RemoveFile(ctx, 3); !errors.Is(err, storage.ErrIndexOutOfRange) {
		t.Fatalf("expected out of range, got %v", err)
	}
	if coord.responses.Len() != 1 {
		t.Fatalf("failed delete must not invalidate")
	}
}

func TestGroundedRateLimitSurfacesWithoutInvalidation(t *testing.T) {
	for _, sentinel := range []error{ai.ErrRateLimited, ai.ErrUnsupportedContent} {
		gen := &fakeGenerator{reply: func(req ai.Request) (string, error) {
			if req.Grounded() {
				return "", fmt.Errorf("%w: provider said no", sentinel)
			}
			return "plain", nil
		}}
		coord, clock := newTestCoordinator(t, gen)
		ctx := context.Background()
		if err := coord.AddFile(ctx, uploaded("a.pdf", clock.Now())); err != nil {
			t.Fatalf("add: %v", err)
		}

		_, err := coord.Chat(ctx, ask("question"))
		if !errors.Is(err, sentinel) {
			t.Fatalf("expected %v, got %v", sentinel, err)
		}
		if gen.callCount() != 1 {
			t.Fatalf("expected no fallback call for %v, got %d calls", sentinel, gen.callCount())
		}
		if coord.sessions.Current() == nil {
			t.Fatalf("file session must survive %v", sentinel)
		}
	}
}

func TestGroundedFailureFallsBackToHistory(t *testing.T) {
	gen := &fakeGenerator{reply: func(req ai.Request) (string, error) {
		if req.Grounded() {
			return "", fmt.Errorf("%w: boom", ai.ErrUpstream)
		}
		return "plain answer", nil
	}}
	coord, clock := newTestCoordinator(t, gen)
	ctx := context.Background()
	if err := coord.AddFile(ctx, uploaded("a.pdf", clock.Now())); err != nil {
		t.Fatalf("add: %v", err)
	}

	res, err := coord.Chat(ctx, ask("question"))
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !res.Fallback || res.Content != "plain answer" {
		t.Fatalf("expected fallback answer, got %+v", res)
	}
	if gen.callCount() != 2 || gen.lastCall().Grounded() {
		t.Fatalf("expected one grounded call then one plain call")
	}
	if coord.sessions.Current() != nil {
		t.Fatalf("file session must be invalidated after a grounded failure")
	}
	if coord.responses.Len() != 0 {
		t.Fatalf("fallback answers are not cached")
	}
}

func TestGroundedFailureAndFallbackFailure(t *testing.T) {
	gen := &fakeGenerator{reply: func(req ai.Request) (string, error) {
		return "", fmt.Errorf("%w: down", ai.ErrUpstream)
	}}
	coord, clock := newTestCoordinator(t, gen)
	ctx := context.Background()
	if err := coord.AddFile(ctx, uploaded("a.pdf", clock.Now())); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := coord.Chat(ctx, ask("question")); !errors.Is(err, ai.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if gen.callCount() != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", gen.callCount())
	}
}

func TestAnswerGeneratedDuringUploadIsNotCached(t *testing.T) {
	var coord *Coordinator
	var clock *fakeClock
	gen := &fakeGenerator{}
	gen.reply = func(req ai.Request) (string, error) {
		if err := coord.AddFile(context.Background(), uploaded("late.pdf", clock.Now())); err != nil {
			return "", err
		}
		return "stale answer", nil
	}
	coord, clock = newTestCoordinator(t, gen)

	res, err := coord.Chat(context.Background(), ask("hello"))
	if err != nil || res.Content != "stale answer" {
		t.Fatalf("chat: %+v %v", res, err)
	}
	if coord.responses.Len() != 0 {
		t.Fatalf("answer generated across an upload must not be cached")
	}
}

func TestModelSwitchRebuildsFileSession(t *testing.T) {
	gen := &fakeGenerator{}
	coord, clock := newTestCoordinator(t, gen)
	ctx := context.Background()
	if err := coord.AddFile(ctx, uploaded("a.pdf", clock.Now())); err != nil {
		t.Fatalf("add: %v", err)
	}

	req := ask("question")
	req.Model = "model-a"
	if _, err := coord.Chat(ctx, req); err != nil {
		t.Fatalf("chat a: %v", err)
	}
	req.Model = "model-b"
	res, err := coord.Chat(ctx, req)
	if err != nil || res.Cached {
		t.Fatalf("different model must miss: %+v %v", res, err)
	}
	if b := coord.sessions.Current(); b == nil || b.Model != "model-b" {
		t.Fatalf("expected session for model-b, got %+v", b)
	}
}

func TestChatStreamCacheHitIsSingleChunk(t *testing.T) {
	gen := &fakeGenerator{}
	coord, _ := newTestCoordinator(t, gen)
	ctx := context.Background()

	var first []string
	res, err := coord.ChatStream(ctx, ask("hello"), func(s string) error {
		first = append(first, s)
		return nil
	})
	if err != nil || res.Cached || len(first) < 2 {
		t.Fatalf("expected streamed miss, res=%+v chunks=%v err=%v", res, first, err)
	}

	var second []string
	res, err = coord.ChatStream(ctx, ask("hello"), func(s string) error {
		second = append(second, s)
		return nil
	})
	if err != nil || !res.Cached {
		t.Fatalf("expected cached stream, res=%+v err=%v", res, err)
	}
	if len(second) != 1 || second[0] != strings.Join(first, "") {
		t.Fatalf("cache hit must be one chunk with the full text, got %v", second)
	}
}

func TestChatStreamNoFallbackAfterEmission(t *testing.T) {
	gen := &fakeGenerator{reply: func(req ai.Request) (string, error) {
		if req.Grounded() {
			return "partial words", fmt.Errorf("%w: connection reset", ai.ErrUpstream)
		}
		return "plain", nil
	}}
	coord, clock := newTestCoordinator(t, gen)
	ctx := context.Background()
	if err := coord.AddFile(ctx, uploaded("a.pdf", clock.Now())); err != nil {
		t.Fatalf("add: %v", err)
	}

	var chunks []string
	_, err := coord.ChatStream(ctx, ask("question"), func(s string) error {
		chunks = append(chunks, s)
		return nil
	})
	if !errors.Is(err, ai.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if gen.callCount() != 1 {
		t.Fatalf("no fallback once chunks were emitted, got %d calls", gen.callCount())
	}
	if coord.sessions.Current() != nil {
		t.Fatalf("file session must still be invalidated")
	}
}

func TestChatWithDocIsNotCached(t *testing.T) {
	gen := &fakeGenerator{}
	coord, _ := newTestCoordinator(t, gen)
	ctx := context.Background()
	req := DocRequest{Message: "summarize", FileURI: "https://files.example/files/abc", MimeType: "application/pdf"}

	for i := 0; i < 2; i++ {
		res, err := coord.ChatWithDoc(ctx, req)
		if err != nil || res.Cached || !res.Grounded {
			t.Fatalf("chat with doc: %+v %v", res, err)
		}
	}
	if gen.callCount() != 2 {
		t.Fatalf("expected two model calls, got %d", gen.callCount())
	}
	call := gen.lastCall()
	if call.Documents[0].FileName != "abc" || call.Prompt != "summarize" {
		t.Fatalf("unexpected doc request %+v", call)
	}
	if _, err := coord.ChatWithDoc(ctx, DocRequest{Message: "x"}); err == nil {
		t.Fatalf("expected missing fileUri to be rejected")
	}
}

func TestStatsAndClear(t *testing.T) {
	gen := &fakeGenerator{}
	coord, clock := newTestCoordinator(t, gen)
	ctx := context.Background()
	if err := coord.AddFile(ctx, uploaded("a.pdf", clock.Now())); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := coord.Chat(ctx, ask("question")); err != nil {
		t.Fatalf("chat: %v", err)
	}

	st, err := coord.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Size != 1 || st.MaxSize != 100 || st.TTL != 30*time.Minute || !st.FileSessionActive ||
		st.FileSessionModel != "fake-model" || st.FileCount != 1 || st.KeyPrefixChars != 200 {
		t.Fatalf("unexpected stats %+v", st)
	}

	coord.ClearCaches(ctx)
	st, _ = coord.Stats(ctx)
	if st.Size != 0 || st.FileSessionActive || st.FileCount != 1 {
		t.Fatalf("unexpected stats after clear %+v", st)
	}
}

func TestChatWithDocRejectsUnknownLocalDocument(t *testing.T) {
	gen := &fakeGenerator{}
	coord, clock := newTestCoordinator(t, gen)
	ctx := context.Background()
	local := models.UploadedFile{
		FileURI:    ai.LocalURI(filepath.Join(t.TempDir(), "01J.txt")),
		FileName:   "notes.txt",
		MimeType:   "text/plain",
		UploadedBy: "admin",
		UploadedAt: clock.Now(),
	}
	if err := coord.AddFile(ctx, local); err != nil {
		t.Fatalf("add: %v", err)
	}

	for _, uri := range []string{"file:///etc/passwd", ai.LocalURI(filepath.Join(t.TempDir(), "other.txt"))} {
		_, err := coord.ChatWithDoc(ctx, DocRequest{Message: "read it", FileURI: uri, MimeType: "text/plain"})
		if !errors.Is(err, ErrUnknownDocument) {
			t.Fatalf("expected ErrUnknownDocument for %s, got %v", uri, err)
		}
	}
	if gen.callCount() != 0 {
		t.Fatalf("model must not be called for unknown documents, got %d calls", gen.callCount())
	}

	res, err := coord.ChatWithDoc(ctx, DocRequest{Message: "read it", FileURI: local.FileURI, MimeType: "application/pdf"})
	if err != nil || !res.Grounded {
		t.Fatalf("chat with uploaded doc: %+v %v", res, err)
	}
	doc := gen.lastCall().Documents[0]
	if doc.FileName != "notes.txt" || doc.MimeType != "text/plain" {
		t.Fatalf("expected stored metadata, got %+v", doc)
	}
}

// deadlineGenerator blocks grounded calls until their context expires while
// blocking is set, and records the deadline every call was given.
type deadlineGenerator struct {
	mu        sync.Mutex
	blocking  bool
	grounded  []time.Duration
	plain     []time.Duration
	callCount int
}

func (g *deadlineGenerator) observe(ctx context.Context, req ai.Request) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callCount++
	left := time.Duration(-1)
	if deadline, ok := ctx.Deadline(); ok {
		left = time.Until(deadline)
	}
	if req.Grounded() {
		g.grounded = append(g.grounded, left)
		return g.blocking
	}
	g.plain = append(g.plain, left)
	return false
}

func (g *deadlineGenerator) Generate(ctx context.Context, req ai.Request) (string, error) {
	if g.observe(ctx, req) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if req.Grounded() {
		return "grounded", nil
	}
	return "plain", nil
}

func (g *deadlineGenerator) Stream(ctx context.Context, req ai.Request, onChunk func(string) error) (string, error) {
	text, err := g.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	if err := onChunk(text); err != nil {
		return "", err
	}
	return text, nil
}

func (g *deadlineGenerator) Provider() string     { return "fake" }
func (g *deadlineGenerator) DefaultModel() string { return "fake-model" }

func newDeadlineCoordinator(t *testing.T, gen *deadlineGenerator) *Coordinator {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	coord, err := NewCoordinator(Options{
		Generator:      gen,
		Store:          storage.NewJSONStore(filepath.Join(t.TempDir(), "files.json")),
		Responses:      cache.NewResponseCache(cache.Options{Clock: clock}),
		Sessions:       cache.NewFileSessionCache(clock),
		ChatTimeout:    10 * time.Second,
		DocChatTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	if err := coord.AddFile(context.Background(), uploaded("a.pdf", clock.Now())); err != nil {
		t.Fatalf("add: %v", err)
	}
	return coord
}

func TestGroundedTimeoutFallsBackWithFreshCaches(t *testing.T) {
	for _, stream := range []bool{false, true} {
		t.Run(fmt.Sprintf("stream=%v", stream), func(t *testing.T) {
			gen := &deadlineGenerator{}
			coord := newDeadlineCoordinator(t, gen)
			ctx := context.Background()

			warm, err := coord.Chat(ctx, ask("warm up"))
			if err != nil || !warm.Grounded {
				t.Fatalf("warm up: %+v %v", warm, err)
			}
			if coord.responses.Len() != 1 || coord.sessions.Current() == nil {
				t.Fatalf("expected both caches populated before the timeout")
			}

			gen.mu.Lock()
			gen.blocking = true
			gen.mu.Unlock()

			var (
				res    *Result
				chunks []string
			)
			if stream {
				res, err = coord.ChatStream(ctx, ask("slow question"), func(chunk string) error {
					chunks = append(chunks, chunk)
					return nil
				})
			} else {
				res, err = coord.Chat(ctx, ask("slow question"))
			}
			if err != nil {
				t.Fatalf("chat: %v", err)
			}
			if !res.Fallback || res.Grounded || res.Content != "plain" {
				t.Fatalf("expected plain fallback answer, got %+v", res)
			}
			if stream && strings.Join(chunks, "|") != "plain" {
				t.Fatalf("unexpected chunks %q", chunks)
			}

			gen.mu.Lock()
			defer gen.mu.Unlock()
			if gen.callCount != 3 || len(gen.grounded) != 2 || len(gen.plain) != 1 {
				t.Fatalf("expected warm call, timed out grounded call and plain retry, got %d calls", gen.callCount)
			}
			for _, left := range gen.grounded {
				if left < 0 || left > 50*time.Millisecond {
					t.Fatalf("grounded call must carry the doc chat timeout, deadline in %v", left)
				}
			}
			if left := gen.plain[0]; left < time.Second {
				t.Fatalf("plain retry must carry the chat timeout, deadline in %v", left)
			}
			if coord.responses.Len() != 0 {
				t.Fatalf("response cache must be empty after a grounded timeout, has %d", coord.responses.Len())
			}
			if coord.sessions.Current() != nil {
				t.Fatalf("file session must be invalidated after a grounded timeout")
			}
			stats, err := coord.Stats(ctx)
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if stats.Size != 0 || stats.FileSessionActive {
				t.Fatalf("unexpected stats after timeout %+v", stats)
			}
		})
	}
}
