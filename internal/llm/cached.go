package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pavelanni/examforge/internal/cache"
	"github.com/pavelanni/examforge/internal/model"
)

// ResponseCache stores completion text by key.
type ResponseCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, expiration time.Duration) error
}

// CallTimeout bounds a provider call shared by collapsed requests.
const CallTimeout = 5 * time.Minute

// Cached is a Generator that serves repeated requests from a cache and
// collapses concurrent identical requests into one call.
type Cached struct {
	next  Generator
	cache ResponseCache
	name  string
	ttl   time.Duration
	group singleflight.Group
}

// NewCached wraps next. name distinguishes providers and models in cache keys.
func NewCached(next Generator, c ResponseCache, name string, ttl time.Duration) *Cached {
	return &Cached{next: next, cache: c, name: name, ttl: ttl}
}

// Generate returns a cached response when available, unless req.Fresh is
// set. Cache hits and responses shared with a concurrent caller report zero
// usage, so token totals count each provider call once.
//
// The shared provider call does not inherit the cancellation of the caller
// that started it; each caller stops waiting when its own ctx is done.
func (c *Cached) Generate(ctx context.Context, req Request) (Response, error) {
	key := c.key(req)

	if !req.Fresh {
		text, err := c.cache.Get(ctx, key)
		switch {
		case err == nil:
			slog.Debug("LLM cache hit", "key", key)
			return Response{Text: text}, nil
		case !errors.Is(err, cache.ErrNotFound):
			slog.Warn("LLM cache read failed", "error", err)
		}
	}

	leader := false
	ch := c.group.DoChan(key, func() (any, error) {
		leader = true
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), CallTimeout)
		defer cancel()
		resp, err := c.next.Generate(callCtx, req)
		if err != nil {
			return nil, err
		}
		if err := c.cache.Set(callCtx, key, resp.Text, c.ttl); err != nil {
			slog.Warn("LLM cache write failed", "error", err)
		}
		return resp, nil
	})

	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Response{}, r.Err
		}
		resp := r.Val.(Response)
		if !leader {
			resp.Usage = model.TokenUsage{}
		}
		return resp, nil
	}
}

func (c *Cached) key(req Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%t\x00%g\x00%d", c.name, req.System, req.Prompt, req.JSON, req.Temperature, req.MaxTokens)
	return "llm:" + hex.EncodeToString(h.Sum(nil))
}
