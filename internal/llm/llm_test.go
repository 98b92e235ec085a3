package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pavelanni/examforge/internal/cache"
	"github.com/pavelanni/examforge/internal/model"
)

func TestOpenAIGenerate(t *testing.T) {
	var got struct {
		Model          string `json:"model"`
		Messages       []struct{ Role, Content string }
		ResponseFormat *struct {
			Type string `json:"type"`
		} `json:"response_format"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1", "object": "chat.completion", "model": "test-model",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"answers\": []}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
		}`))
	}))
	t.Cleanup(srv.Close)

	c := NewOpenAI(srv.URL+"/v1", "test-key", "test-model")
	resp, err := c.Generate(context.Background(), Request{System: "sys", Prompt: "grade this", JSON: true})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != `{"answers": []}` {
		t.Errorf("Text = %q", resp.Text)
	}
	if want := (model.TokenUsage{Input: 12, Output: 4, Total: 16}); resp.Usage != want {
		t.Errorf("Usage = %+v, want %+v", resp.Usage, want)
	}
	if got.Model != "test-model" || len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("unexpected request: %+v", got)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v, want json_object", got.ResponseFormat)
	}
	if c.Name() != "openai/test-model" {
		t.Errorf("Name() = %q", c.Name())
	}
}

func TestOpenAIGenerateErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error": {"message": "boom"}}`},
		{"no choices", http.StatusOK, `{"id": "x", "choices": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)

			c := NewOpenAI(srv.URL+"/v1", "k", "m")
			if _, err := c.Generate(context.Background(), Request{Prompt: "x"}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewUnknownProvider(t *testing.T) {
	if _, err := New(context.Background(), Config{Provider: "claude-on-a-toaster"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

type mapCache struct {
	mu     sync.Mutex
	m      map[string]string
	getErr error
}

func (c *mapCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return "", c.getErr
	}
	v, ok := c.m[key]
	if !ok {
		return "", cache.ErrNotFound
	}
	return v, nil
}

func (c *mapCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	return nil
}

type countingGenerator struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (g *countingGenerator) Generate(_ context.Context, req Request) (Response, error) {
	g.calls.Add(1)
	time.Sleep(g.delay)
	if g.err != nil {
		return Response{}, g.err
	}
	return Response{Text: "echo:" + req.Prompt, Usage: model.TokenUsage{Input: 3, Output: 2, Total: 5}}, nil
}

func TestCachedServesRepeats(t *testing.T) {
	gen := &countingGenerator{}
	c := NewCached(gen, &mapCache{m: map[string]string{}}, "test", time.Hour)
	ctx := context.Background()

	first, err := c.Generate(ctx, Request{Prompt: "a"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Generate(ctx, Request{Prompt: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if gen.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", gen.calls.Load())
	}
	if first.Text != second.Text {
		t.Errorf("cached text %q != %q", second.Text, first.Text)
	}
	if first.Usage.Total != 5 || second.Usage.Total != 0 {
		t.Errorf("usage = %d then %d, want 5 then 0", first.Usage.Total, second.Usage.Total)
	}

	if _, err := c.Generate(ctx, Request{Prompt: "a", System: "other"}); err != nil {
		t.Fatal(err)
	}
	if gen.calls.Load() != 2 {
		t.Errorf("different system prompt should miss the cache, calls = %d", gen.calls.Load())
	}
}

func TestCachedCollapsesConcurrentCalls(t *testing.T) {
	gen := &countingGenerator{delay: 50 * time.Millisecond}
	c := NewCached(gen, &mapCache{m: map[string]string{}}, "test", time.Hour)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total model.TokenUsage
		start = make(chan struct{})
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			resp, err := c.Generate(context.Background(), Request{Prompt: "same"})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			total = total.Add(resp.Usage)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	if gen.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", gen.calls.Load())
	}
	if total.Total != 5 {
		t.Errorf("summed usage = %d, want 5 (one provider call)", total.Total)
	}
}

func TestCachedErrorsAreNotCached(t *testing.T) {
	gen := &countingGenerator{err: errors.New("rate limited")}
	mc := &mapCache{m: map[string]string{}}
	c := NewCached(gen, mc, "test", time.Hour)

	for range 2 {
		if _, err := c.Generate(context.Background(), Request{Prompt: "x"}); err == nil {
			t.Fatal("expected error")
		}
	}
	if gen.calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", gen.calls.Load())
	}
	if len(mc.m) != 0 {
		t.Errorf("cache has %d entries, want 0", len(mc.m))
	}
}

func TestCachedFallsThroughOnCacheError(t *testing.T) {
	gen := &countingGenerator{}
	c := NewCached(gen, &mapCache{m: map[string]string{}, getErr: errors.New("connection refused")}, "test", time.Hour)

	resp, err := c.Generate(context.Background(), Request{Prompt: "x"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "echo:x" {
		t.Errorf("Text = %q", resp.Text)
	}
}

func TestCachedFreshSkipsCache(t *testing.T) {
	gen := &countingGenerator{}
	mc := &mapCache{m: map[string]string{}}
	c := NewCached(gen, mc, "test", time.Hour)
	ctx := context.Background()

	if _, err := c.Generate(ctx, Request{Prompt: "a"}); err != nil {
		t.Fatal(err)
	}
	mc.m[c.key(Request{Prompt: "a"})] = "stale"

	resp, err := c.Generate(ctx, Request{Prompt: "a", Fresh: true})
	if err != nil {
		t.Fatal(err)
	}
	if gen.calls.Load() != 2 || resp.Text != "echo:a" || resp.Usage.Total != 5 {
		t.Errorf("fresh request: calls=%d text=%q usage=%d", gen.calls.Load(), resp.Text, resp.Usage.Total)
	}
	if got := mc.m[c.key(Request{Prompt: "a"})]; got != "echo:a" {
		t.Errorf("cached text = %q, want the fresh reply", got)
	}
}

type blockingGenerator struct {
	started chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func (g *blockingGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	close(g.started)
	<-g.release
	g.ctxErr <- ctx.Err()
	return Response{Text: "done:" + req.Prompt}, nil
}

func TestCachedSharedCallOutlivesCaller(t *testing.T) {
	gen := &blockingGenerator{started: make(chan struct{}), release: make(chan struct{}), ctxErr: make(chan error, 1)}
	mc := &mapCache{m: map[string]string{}}
	c := NewCached(gen, mc, "test", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Generate(ctx, Request{Prompt: "slow"})
		errc <- err
	}()
	<-gen.started
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("caller err = %v, want context.Canceled", err)
	}

	close(gen.release)
	if err := <-gen.ctxErr; err != nil {
		t.Errorf("provider call saw ctx error %v after its caller left", err)
	}
	// A later caller joins the shared call or reads its cached reply.
	resp, err := c.Generate(context.Background(), Request{Prompt: "slow"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "done:slow" {
		t.Errorf("text = %q", resp.Text)
	}
}
