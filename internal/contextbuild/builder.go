// Package contextbuild assembles the memory block fed to debates: the thread
// summary, recent decisions and recorded outcomes, packed under a token
// budget.
package contextbuild

import (
	"context"
	"fmt"
	"strings"

	"github.com/jordanhubbard/quorum/internal/store"
)

// DefaultTokenBudget bounds the assembled block (4-chars-per-token estimate).
const DefaultTokenBudget = 2000

// Builder reads history from the store and renders the context block.
type Builder struct {
	store       store.Store
	tokenBudget int
	maxDecisions int
}

// New creates a builder. A non-positive budget uses the default.
func New(st store.Store, tokenBudget int) *Builder {
	if tokenBudget <= 0 {
		tokenBudget = DefaultTokenBudget
	}
	return &Builder{store: st, tokenBudget: tokenBudget, maxDecisions: 10}
}

// estimateTokens uses the 4-chars-per-token heuristic.
func estimateTokens(s string) int {
	return len(s) / 4
}

// item is one candidate block entry, in descending priority order.
type item struct {
	text string
}

// Build assembles the context block for a thread. Priority order: the thread
// summary, then the most recent decisions (newest first, dissent appended when
// present), then outcomes. Items that would blow the budget are dropped whole,
// never truncated mid-item.
func (b *Builder) Build(ctx context.Context, threadID string) (string, error) {
	var items []item

	if threadID != "" {
		summary, err := b.store.GetThreadSummary(ctx, threadID)
		if err != nil {
			return "", err
		}
		if summary != nil && summary.Content != "" {
			items = append(items, item{text: "Prior discussion summary:\n" + summary.Content})
		}
	}

	decisions, err := b.store.ListRecentDecisions(ctx, b.maxDecisions)
	if err != nil {
		return "", err
	}
	for _, d := range decisions {
		text := fmt.Sprintf("%s [confidence: %d%%]", d.Content, int(d.Confidence*100))
		if d.Dissent != "" {
			text += "\nDissent: " + d.Dissent
		}
		items = append(items, item{text: text})
	}

	if threadID != "" {
		outcomes, err := b.store.ListOutcomes(ctx, threadID)
		if err != nil {
			return "", err
		}
		for _, o := range outcomes {
			text := fmt.Sprintf("[OUTCOME: %s]", o.Result)
			if o.Notes != "" {
				text += " " + o.Notes
			}
			items = append(items, item{text: text})
		}
	}

	var parts []string
	used := 0
	for _, it := range items {
		cost := estimateTokens(it.text)
		if used+cost > b.tokenBudget {
			break // drop this and every lower-priority item, never truncate mid-item
		}
		parts = append(parts, it.text)
		used += cost
	}
	return strings.Join(parts, "\n\n"), nil
}
