package compat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/jordanhubbard/quorum/internal/providers"
)

func testModels() []providers.ModelInfo {
	return []providers.ModelInfo{{
		Name:          "local-13b",
		ContextTokens: 32768,
	}}
}

func chatOK(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 4, "completion_tokens": 2},
		})
	}
}

func TestSendNoAuthHeader(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("compat adapter must not send auth headers")
		}
		chatOK("hello")(w, r)
	}))
	defer ts.Close()

	a := New("local", ts.URL, testModels())
	resp, err := a.Send(context.Background(), "local-13b", []providers.Message{{Role: "user", Content: "hi"}}, providers.SendOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestRoundRobinEndpoints(t *testing.T) {
	var hitsA, hitsB atomic.Int64
	tsA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsA.Add(1)
		chatOK("a")(w, r)
	}))
	defer tsA.Close()
	tsB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsB.Add(1)
		chatOK("b")(w, r)
	}))
	defer tsB.Close()

	a := New("local", tsA.URL, testModels(), WithEndpoints(tsB.URL))
	for i := 0; i < 4; i++ {
		if _, err := a.Send(context.Background(), "local-13b", []providers.Message{{Role: "user", Content: "hi"}}, providers.SendOptions{}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if hitsA.Load() != 2 || hitsB.Load() != 2 {
		t.Errorf("round robin spread = %d/%d, want 2/2", hitsA.Load(), hitsB.Load())
	}
}

func TestSendRateLimitRetryHint(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"busy"}`))
	}))
	defer ts.Close()

	a := New("local", ts.URL, testModels())
	_, err := a.Send(context.Background(), "local-13b", []providers.Message{{Role: "user", Content: "hi"}}, providers.SendOptions{})
	if kind, _ := providers.KindOf(err); kind != providers.KindRateLimited {
		t.Errorf("kind = %s", kind)
	}
	if providers.RetryHint(err) != 3 {
		t.Errorf("retry hint = %d, want 3", providers.RetryHint(err))
	}
}
