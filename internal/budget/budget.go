// Package budget provides token budget estimation for tagging prompts.
// Because tagging supports multiple LLM backends with different tokenizers,
// this package uses a conservative character-based heuristic:
// 1 token ≈ 4 characters. Chroma vectors and neighbour lists are digit-heavy
// and tokenize worse than prose, so callers should leave headroom.
package budget

import (
	"github.com/cloudwego/eino/schema"
)

const (
	// charsPerToken is the character-to-token ratio used for estimation.
	charsPerToken = 4

	// DefaultMaxContextTokens is the default input budget for one tagging
	// prompt. It fits 8k-context models (Llama 3 8B) with room for the
	// JSON answer. Override via the tagger config.
	DefaultMaxContextTokens = 6000
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for a slice of
// schema.Message values, summing role + content for each message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		// Per-message overhead is ~4 tokens in most APIs.
		total += 4
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// EstimateLines returns the estimated token count of lines joined by
// newlines.
func EstimateLines(lines []string) int {
	total := 0
	for _, l := range lines {
		total += Estimate(l) + 1
	}
	return total
}

// FitLines drops lines from the end until fixed plus the remaining lines fit
// within maxTokens. fixed is never trimmed; lines are ordered most important
// first (neighbours by ascending distance), so the tail goes first.
//
// If fixed alone exceeds the budget, the empty slice is returned and callers
// should warn separately.
func FitLines(fixed []*schema.Message, lines []string, maxTokens int) []string {
	if len(lines) == 0 {
		return lines
	}
	fixedTokens := EstimateMessages(fixed)
	for len(lines) > 0 && fixedTokens+EstimateLines(lines) > maxTokens {
		lines = lines[:len(lines)-1]
	}
	return lines
}
