package router

import (
	"sort"

	"github.com/jordanhubbard/quorum/internal/providers"
)

// candidates returns registered models filtered to the panel whitelist (when
// non-empty) and to providers not currently in cooldown, in deterministic
// ref order.
func (r *Registry) candidates(panel []string) []providers.ModelInfo {
	whitelist := map[string]bool{}
	for _, ref := range panel {
		whitelist[ref] = true
	}

	var out []providers.ModelInfo
	for _, m := range r.Models() {
		if len(whitelist) > 0 && !whitelist[m.Ref] {
			continue
		}
		if r.health != nil && !r.health.IsAvailable(m.Provider) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// SelectProposer picks the highest output-cost proposer-eligible model; output
// cost serves as a capability proxy. Ties break by lexical ref order.
func (r *Registry) SelectProposer(panel []string) (providers.ModelInfo, error) {
	var best providers.ModelInfo
	found := false
	for _, m := range r.candidates(panel) {
		if !m.ProposerEligible {
			continue
		}
		if !found || m.OutputPerMTok > best.OutputPerMTok ||
			(m.OutputPerMTok == best.OutputPerMTok && m.Ref < best.Ref) {
			best = m
			found = true
		}
	}
	if !found {
		return providers.ModelInfo{}, providers.Errorf(providers.KindInsufficientModels, "no proposer-eligible model registered")
	}
	return best, nil
}

// ProposerPool returns every proposer-eligible candidate in deterministic
// ref order. Round-robin proposer rotation indexes into this.
func (r *Registry) ProposerPool(panel []string) []providers.ModelInfo {
	var out []providers.ModelInfo
	for _, m := range r.candidates(panel) {
		if m.ProposerEligible {
			out = append(out, m)
		}
	}
	return out
}

// SelectChallengers picks up to count challenger models: one per distinct
// provider first (cross-provider diversity), then same-provider alternates,
// then the proposer itself as self-ensemble when the pool runs dry. All
// registered models are allowed, including proposer-ineligible ones.
func (r *Registry) SelectChallengers(panel []string, count int, proposer providers.ModelInfo) ([]providers.ModelInfo, error) {
	if count <= 0 {
		return nil, nil
	}
	pool := r.candidates(panel)

	// Prefer capable challengers first within each bucket.
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].OutputPerMTok != pool[j].OutputPerMTok {
			return pool[i].OutputPerMTok > pool[j].OutputPerMTok
		}
		return pool[i].Ref < pool[j].Ref
	})

	var picked []providers.ModelInfo
	usedRef := map[string]bool{}
	usedProvider := map[string]bool{}

	// Pass 1: one model per distinct provider, skipping the proposer model.
	for _, m := range pool {
		if len(picked) == count {
			break
		}
		if m.Ref == proposer.Ref || usedProvider[m.Provider] {
			continue
		}
		picked = append(picked, m)
		usedRef[m.Ref] = true
		usedProvider[m.Provider] = true
	}

	// Pass 2: fill with same-provider alternates.
	for _, m := range pool {
		if len(picked) == count {
			break
		}
		if m.Ref == proposer.Ref || usedRef[m.Ref] {
			continue
		}
		picked = append(picked, m)
		usedRef[m.Ref] = true
	}

	// Pass 3: self-ensemble with the proposer model.
	for len(picked) < count {
		picked = append(picked, proposer)
	}

	if len(picked) == 0 {
		return nil, providers.Errorf(providers.KindInsufficientModels, "no challenger models registered")
	}
	return picked, nil
}

// SelectReviser returns the model that revises a proposal: the proposer
// itself (it revises its own work).
func (r *Registry) SelectReviser(proposer providers.ModelInfo) providers.ModelInfo {
	return proposer
}

// SelectCheapest picks the cheapest model by input cost. Used for the
// summarizer, classifier, decomposer and judge roles. Ties break by lexical
// ref order.
func (r *Registry) SelectCheapest(panel []string) (providers.ModelInfo, error) {
	var best providers.ModelInfo
	found := false
	for _, m := range r.candidates(panel) {
		if !found || m.InputPerMTok < best.InputPerMTok ||
			(m.InputPerMTok == best.InputPerMTok && m.Ref < best.Ref) {
			best = m
			found = true
		}
	}
	if !found {
		return providers.ModelInfo{}, providers.Errorf(providers.KindInsufficientModels, "no models registered")
	}
	return best, nil
}
