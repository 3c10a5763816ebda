package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/jordanhubbard/quorum/internal/providers"
)

// Adapter implements providers.Adapter for the OpenAI Chat Completions API.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	models  []providers.ModelInfo
	client  *http.Client
}

// New creates a new OpenAI adapter. A zero timeout defaults to 120s.
func New(name, apiKey, baseURL string, models []providers.ModelInfo, opts ...Option) *Adapter {
	a := &Adapter{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		models:  models,
		client:  &http.Client{Timeout: 120 * time.Second},
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

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	out := make([]providers.ModelInfo, len(a.models))
	copy(out, a.models)
	return out, nil
}

func (a *Adapter) Health(ctx context.Context) bool {
	return providers.Probe(ctx, a.client, a.baseURL+"/v1/models")
}

func (a *Adapter) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.apiKey}
}

func (a *Adapter) buildPayload(model string, msgs []providers.Message, opts providers.SendOptions) map[string]any {
	messages := make([]map[string]any, len(msgs))
	for i, m := range msgs {
		entry := map[string]any{
			"role":    m.Role,
			"content": m.Content,
		}
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
	if opts.JSONMode {
		payload["response_format"] = map[string]string{"type": "json_object"}
	}
	if len(opts.Tools) > 0 {
		tools := make([]map[string]any, len(opts.Tools))
		for i, t := range opts.Tools {
			tools[i] = map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Schema,
				},
			}
		}
		payload["tools"] = tools
	}
	return payload
}

// chatResponse is the wire shape of a non-streaming chat completion.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

func mapFinishReason(reason string) string {
	switch reason {
	case "stop":
		return providers.FinishStop
	case "length", "context_length_exceeded":
		return providers.FinishLength
	case "tool_calls":
		return providers.FinishToolCalls
	}
	return providers.FinishUnknown
}

func (a *Adapter) Send(ctx context.Context, model string, msgs []providers.Message, opts providers.SendOptions) (providers.Response, error) {
	payload := a.buildPayload(model, msgs, opts)

	start := time.Now()
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", payload, a.headers())
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

	choice := parsed.Choices[0]
	resp := providers.Response{
		Content:      choice.Message.Content,
		FinishReason: mapFinishReason(choice.FinishReason),
		LatencyMs:    float64(time.Since(start).Milliseconds()),
		Usage: providers.Usage{
			InputTokens:     parsed.Usage.PromptTokens,
			OutputTokens:    parsed.Usage.CompletionTokens,
			CacheReadTokens: parsed.Usage.PromptTokensDetails.CachedTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, providers.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return resp, nil
}

// streamChunk is the wire shape of one SSE chunk.
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
	payload["stream_options"] = map[string]bool{"include_usage": true}

	body, err := providers.DoStreamRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", payload, a.headers())
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
