package cache

import (
	"context"
	"testing"
)

func TestNewRedisCacheBadURL(t *testing.T) {
	tests := []string{"", "http://localhost:6379", "redis://localhost:6379/notadb"}
	for _, url := range tests {
		t.Run(url, func(t *testing.T) {
			if _, err := NewRedisCache(context.Background(), url, "t:"); err == nil {
				t.Errorf("NewRedisCache(%q): expected error", url)
			}
		})
	}
}

func TestKeyPrefix(t *testing.T) {
	r := &RedisCache{prefix: "examforge:"}
	if got := r.key("llm:abc"); got != "examforge:llm:abc" {
		t.Errorf("key() = %q", got)
	}
}
