// Package classify wraps the cheap structured-output model calls that label a
// question: protocol auto-selection (reasoning vs judgment) and the optional
// taxonomy attached to decisions.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jordanhubbard/quorum/internal/calibrate"
	"github.com/jordanhubbard/quorum/internal/providers"
)

// Caller is the provider-call dependency: satisfied by the registry.
type Caller interface {
	Call(ctx context.Context, ref string, msgs []providers.Message, opts providers.SendOptions) (providers.Response, float64, error)
}

// Question intents routed to protocols.
const (
	ClassReasoning = "reasoning"
	ClassJudgment  = "judgment"
)

// Taxonomy labels a question along the four axes recorded on decisions.
type Taxonomy struct {
	Intent     string `json:"intent"`
	Category   string `json:"category"`
	Genus      string `json:"genus"`
	Complexity string `json:"complexity"`
}

// Protocol asks the cheapest model whether the question needs chained
// reasoning (consensus debate) or a judgment call (parallel voting).
// Returns ClassReasoning or ClassJudgment along with the call's cost.
func Protocol(ctx context.Context, caller Caller, ref, question string) (string, float64, error) {
	msgs := []providers.Message{
		{Role: "system", Content: `Classify the user's question. Respond with a JSON object only: {"class":"reasoning"} if answering needs multi-step analysis or synthesis, {"class":"judgment"} if it is primarily a matter of judgment or preference between options.`},
		{Role: "user", Content: question},
	}
	resp, cost, err := caller.Call(ctx, ref, msgs, providers.SendOptions{JSONMode: true, MaxTokens: 64})
	if err != nil {
		return "", cost, err
	}

	var parsed struct {
		Class string `json:"class"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return "", cost, providers.Errorf(providers.KindInvalidState, "classifier returned unparseable output: %v", err)
	}
	switch strings.ToLower(strings.TrimSpace(parsed.Class)) {
	case ClassReasoning:
		return ClassReasoning, cost, nil
	case ClassJudgment:
		return ClassJudgment, cost, nil
	}
	return "", cost, providers.Errorf(providers.KindInvalidState, "classifier returned unknown class %q", parsed.Class)
}

// TaxonomyFor asks the cheapest model to label the question with intent,
// category, genus and complexity. Unknown intents are normalized to the
// default so the confidence cap is always well-defined.
func TaxonomyFor(ctx context.Context, caller Caller, ref, question string) (Taxonomy, float64, error) {
	system := fmt.Sprintf(`Label the user's question. Respond with a JSON object only: {"intent":"...","category":"...","genus":"...","complexity":"..."}. intent is one of %s. category is a short topic label. genus is "question", "task" or "decision". complexity is "low", "medium" or "high".`,
		strings.Join([]string{calibrate.IntentFactual, calibrate.IntentTechnical, calibrate.IntentCreative, calibrate.IntentJudgment, calibrate.IntentStrategic}, ", "))
	msgs := []providers.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: question},
	}
	resp, cost, err := caller.Call(ctx, ref, msgs, providers.SendOptions{JSONMode: true, MaxTokens: 128})
	if err != nil {
		return Taxonomy{}, cost, err
	}

	var t Taxonomy
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &t); err != nil {
		return Taxonomy{}, cost, providers.Errorf(providers.KindInvalidState, "taxonomy output unparseable: %v", err)
	}
	t.Intent = strings.ToLower(strings.TrimSpace(t.Intent))
	switch t.Intent {
	case calibrate.IntentFactual, calibrate.IntentTechnical, calibrate.IntentCreative,
		calibrate.IntentJudgment, calibrate.IntentStrategic:
	default:
		t.Intent = calibrate.IntentDefault
	}
	return t, cost, nil
}

// extractJSON strips code fences and surrounding prose from a model response,
// returning the outermost JSON object.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
