package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/jordanhubbard/quorum/internal/providers"
)

const defaultMaxTokens = 4096

// Adapter implements providers.Adapter for the Anthropic Messages API.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	models  []providers.ModelInfo
	client  *http.Client
}

// New creates a new Anthropic adapter. A zero timeout defaults to 120s.
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

// Health probes the messages endpoint. A GET returns 405 (Method Not Allowed)
// which proves reachability.
func (a *Adapter) Health(ctx context.Context) bool {
	return providers.Probe(ctx, a.client, a.baseURL+"/v1/messages")
}

func (a *Adapter) headers() map[string]string {
	return map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": "2023-06-01",
	}
}

// buildPayload converts normalized messages into Messages API form. System
// messages are lifted into the top-level system field; tool results become
// tool_result content blocks on a user turn.
func (a *Adapter) buildPayload(model string, msgs []providers.Message, opts providers.SendOptions) map[string]any {
	var system []string
	messages := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "tool":
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content,
				}},
			})
		default:
			messages = append(messages, map[string]any{
				"role":    m.Role,
				"content": m.Content,
			})
		}
	}

	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	payload := map[string]any{
		"model":      model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if len(system) > 0 {
		payload["system"] = strings.Join(system, "\n\n")
	}
	if opts.Temperature > 0 {
		payload["temperature"] = opts.Temperature
	}
	if len(opts.Tools) > 0 {
		tools := make([]map[string]any, len(opts.Tools))
		for i, t := range opts.Tools {
			tools[i] = map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Schema,
			}
		}
		payload["tools"] = tools
	}
	return payload
}

// messagesResponse is the wire shape of a non-streaming Messages API reply.
type messagesResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens          int `json:"input_tokens"`
		OutputTokens         int `json:"output_tokens"`
		CacheReadInputTokens int `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return providers.FinishStop
	case "max_tokens":
		return providers.FinishLength
	case "tool_use":
		return providers.FinishToolCalls
	}
	return providers.FinishUnknown
}

func (a *Adapter) Send(ctx context.Context, model string, msgs []providers.Message, opts providers.SendOptions) (providers.Response, error) {
	payload := a.buildPayload(model, msgs, opts)

	start := time.Now()
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/messages", payload, a.headers())
	if err != nil {
		return providers.Response{}, providers.Classify(err)
	}

	var parsed messagesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return providers.Response{}, providers.WrapError(providers.KindOverloaded, err)
	}

	resp := providers.Response{
		FinishReason: mapStopReason(parsed.StopReason),
		LatencyMs:    float64(time.Since(start).Milliseconds()),
		Usage: providers.Usage{
			InputTokens:     parsed.Usage.InputTokens,
			OutputTokens:    parsed.Usage.OutputTokens,
			CacheReadTokens: parsed.Usage.CacheReadInputTokens,
		},
	}
	var text strings.Builder
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, providers.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: block.Input,
			})
		}
	}
	resp.Content = text.String()
	return resp, nil
}

// streamEvent is the subset of Messages API SSE events the adapter consumes.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Stream(ctx context.Context, model string, msgs []providers.Message, opts providers.SendOptions) (<-chan providers.Chunk, error) {
	payload := a.buildPayload(model, msgs, opts)
	payload["stream"] = true

	body, err := providers.DoStreamRequest(ctx, a.client, a.baseURL+"/v1/messages", payload, a.headers())
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
			if data == "" {
				continue
			}
			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			switch ev.Type {
			case "message_start":
				usage.InputTokens = ev.Message.Usage.InputTokens
			case "content_block_delta":
				if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
					select {
					case out <- providers.Chunk{Delta: ev.Delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			case "message_delta":
				if ev.Delta.StopReason != "" {
					finish = mapStopReason(ev.Delta.StopReason)
				}
				if ev.Usage.OutputTokens > 0 {
					usage.OutputTokens = ev.Usage.OutputTokens
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
