// Package compat adapts any OpenAI-compatible serving endpoint (vLLM, Ollama,
// llama.cpp server) to the provider contract. Supports round-robin across
// multiple replica endpoints.
package compat

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jordanhubbard/quorum/internal/providers"
)

// Adapter implements providers.Adapter for self-hosted OpenAI-compatible servers.
type Adapter struct {
	name      string
	endpoints []string
	counter   atomic.Uint64
	models    []providers.ModelInfo
	client    *http.Client
}

// New creates a compat adapter with one or more endpoints.
// A zero timeout defaults to 120s.
func New(name string, endpoint string, models []providers.ModelInfo, opts ...Option) *Adapter {
	a := &Adapter{
		name:      name,
		endpoints: []string{endpoint},
		models:    models,
		client:    &http.Client{Timeout: 120 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.client.Timeout = d
		}
	}
}

// WithEndpoints adds additional endpoints for round-robin balancing.
func WithEndpoints(endpoints ...string) Option {
	return func(a *Adapter) {
		a.endpoints = append(a.endpoints, endpoints...)
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	out := make([]providers.ModelInfo, len(a.models))
	copy(out, a.models)
	return out, nil
}

func (a *Adapter) Health(ctx context.Context) bool {
	return providers.Probe(ctx, a.client, a.endpoints[0]+"/v1/models")
}

// nextEndpoint returns the next endpoint in round-robin order.
func (a *Adapter) nextEndpoint() string {
	idx := a.counter.Add(1) - 1
	return a.endpoints[idx%uint64(len(a.endpoints))]
}

func (a *Adapter) buildPayload(model string, msgs []providers.Message, opts providers.SendOptions) map[string]any {
	messages := make([]map[string]any, len(msgs))
	for i, m := range msgs {
		entry := map[string]any{"role": m.Role, "content": m.Content}
		if m.Role == "tool" {
			entry["tool_call_id"] = m.ToolCallID
		}
		messages[i] = entry
	}
	payload := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if opts.MaxTokens > 0 {
		payload["max_tokens"] = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		payload["temperature"] = opts.Temperature
	}
	return payload
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return providers.FinishStop
	case "length":
		return providers.FinishLength
	}
	return providers.FinishUnknown
}

func (a *Adapter) Send(ctx context.Context, model string, msgs []providers.Message, opts providers.SendOptions) (providers.Response, error) {
	payload := a.buildPayload(model, msgs, opts)

	start := time.Now()
	body, err := providers.DoRequest(ctx, a.client, a.nextEndpoint()+"/v1/chat/completions", payload, nil)
	if err != nil {
		return providers.Response{}, providers.Classify(err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return providers.Response{}, providers.WrapError(providers.KindOverloaded, err)
	}
	if len(parsed.Choices) == 0 {
		return providers.Response{}, providers.Errorf(providers.KindOverloaded, "empty choices in response")
	}

	return providers.Response{
		Content:      parsed.Choices[0].Message.Content,
		FinishReason: mapFinishReason(parsed.Choices[0].FinishReason),
		LatencyMs:    float64(time.Since(start).Milliseconds()),
		Usage: providers.Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
	}, nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Stream(ctx context.Context, model string, msgs []providers.Message, opts providers.SendOptions) (<-chan providers.Chunk, error) {
	payload := a.buildPayload(model, msgs, opts)
	payload["stream"] = true

	body, err := providers.DoStreamRequest(ctx, a.client, a.nextEndpoint()+"/v1/chat/completions", payload, nil)
	if err != nil {
		return nil, providers.Classify(err)
	}

	out := make(chan providers.Chunk, 16)
	go func() {
		defer close(out)
		defer func() { _ = body.Close() }()

		usage := providers.Usage{}
		finish := providers.FinishUnknown
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}
			var ev streamChunk
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			if ev.Usage != nil {
				usage.InputTokens = ev.Usage.PromptTokens
				usage.OutputTokens = ev.Usage.CompletionTokens
			}
			if len(ev.Choices) == 0 {
				continue
			}
			if fr := ev.Choices[0].FinishReason; fr != "" {
				finish = mapFinishReason(fr)
			}
			if delta := ev.Choices[0].Delta.Content; delta != "" {
				select {
				case out <- providers.Chunk{Delta: delta}:
				case <-ctx.Done():
					return
				}
			}
		}
		select {
		case out <- providers.Chunk{Done: true, FinishReason: finish, Usage: &usage}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
