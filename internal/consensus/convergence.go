package consensus

import "strings"

// similarity computes word-overlap between two texts: intersection size
// normalized by the smaller token set. Tokenization is case-insensitive
// whitespace splitting. Normalizing by the smaller set means a paraphrase
// that embeds an earlier objection inside extra framing still counts as the
// same objection.
func similarity(a, b string) float64 {
	wordsA := tokenSet(a)
	wordsB := tokenSet(b)
	if len(wordsA) == 0 && len(wordsB) == 0 {
		return 1.0
	}
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0.0
	}
	intersection := 0
	for w := range wordsA {
		if wordsB[w] {
			intersection++
		}
	}
	smaller := len(wordsA)
	if len(wordsB) < smaller {
		smaller = len(wordsB)
	}
	return float64(intersection) / float64(smaller)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}

// Converged decides whether the debate has stopped producing new objections.
// For each current-round challenge, the maximum overlap against every
// previous-round challenge is taken; the mean of those maxima crossing the
// threshold means the challengers are repeating themselves. Round 1 never
// converges because there is no previous round.
func Converged(current, previous []Challenge, threshold float64) bool {
	if len(previous) == 0 || len(current) == 0 {
		return false
	}
	var sum float64
	for _, cur := range current {
		best := 0.0
		for _, prev := range previous {
			if sim := similarity(cur.Content, prev.Content); sim > best {
				best = sim
			}
		}
		sum += best
	}
	return sum/float64(len(current)) >= threshold
}
