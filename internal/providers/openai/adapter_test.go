package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jordanhubbard/quorum/internal/providers"
)

func testModels() []providers.ModelInfo {
	return []providers.ModelInfo{{
		Name:             "gpt-large",
		ContextTokens:    128000,
		MaxOutputTokens:  16384,
		InputPerMTok:     10,
		OutputPerMTok:    30,
		ProposerEligible: true,
	}}
}

func TestSendSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"content": "Hi there"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{
				"prompt_tokens":     20,
				"completion_tokens": 3,
				"prompt_tokens_details": map[string]int{
					"cached_tokens": 8,
				},
			},
		})
	}))
	defer ts.Close()

	a := New("openai", "test-key", ts.URL, testModels())
	resp, err := a.Send(context.Background(), "gpt-large", []providers.Message{{Role: "user", Content: "hi"}}, providers.SendOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hi there" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 20 || resp.Usage.OutputTokens != 3 || resp.Usage.CacheReadTokens != 8 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestSendJSONMode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		rf, ok := payload["response_format"].(map[string]any)
		if !ok || rf["type"] != "json_object" {
			t.Errorf("response_format = %v", payload["response_format"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"content": `{"class":"reasoning"}`},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 5, "completion_tokens": 5},
		})
	}))
	defer ts.Close()

	a := New("openai", "k", ts.URL, testModels())
	if _, err := a.Send(context.Background(), "gpt-large", []providers.Message{{Role: "user", Content: "classify"}}, providers.SendOptions{JSONMode: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSendEmptyChoices(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer ts.Close()

	a := New("openai", "k", ts.URL, testModels())
	_, err := a.Send(context.Background(), "gpt-large", []providers.Message{{Role: "user", Content: "hi"}}, providers.SendOptions{})
	if err == nil {
		t.Fatal("expected error on empty choices")
	}
}

func TestSendServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	}))
	defer ts.Close()

	a := New("openai", "k", ts.URL, testModels())
	_, err := a.Send(context.Background(), "gpt-large", []providers.Message{{Role: "user", Content: "hi"}}, providers.SendOptions{})
	if kind, _ := providers.KindOf(err); kind != providers.KindOverloaded {
		t.Errorf("kind = %s, want %s", kind, providers.KindOverloaded)
	}
}

func TestStreamWithUsage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["stream"] != true {
			t.Error("expected stream: true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"choices\":[{\"delta\":{\"content\":\"He\"}}]}\n\n" +
				"data: {\"choices\":[{\"delta\":{\"content\":\"y\"},\"finish_reason\":\"stop\"}]}\n\n" +
				"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":7,\"completion_tokens\":2}}\n\n" +
				"data: [DONE]\n\n"))
	}))
	defer ts.Close()

	a := New("openai", "k", ts.URL, testModels())
	ch, err := a.Stream(context.Background(), "gpt-large", []providers.Message{{Role: "user", Content: "hi"}}, providers.SendOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var text string
	var final providers.Chunk
	for chunk := range ch {
		if chunk.Done {
			final = chunk
			continue
		}
		text += chunk.Delta
	}
	if text != "Hey" {
		t.Errorf("streamed text = %q", text)
	}
	if final.FinishReason != providers.FinishStop {
		t.Errorf("finish = %q", final.FinishReason)
	}
	if final.Usage == nil || final.Usage.InputTokens != 7 || final.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", final.Usage)
	}
}
