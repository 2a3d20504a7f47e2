package attribution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/papercomputeco/cortex/pkg/llm"
	"github.com/papercomputeco/cortex/pkg/utils"
)

// NoAnswer is the ExtractiveGenerator response when no memory is relevant.
const NoAnswer = "No relevant memories."

var queryStopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "what": {}, "where": {}, "when": {},
	"who": {}, "how": {}, "why": {}, "which": {}, "does": {}, "do": {}, "did": {}, "of": {}, "to": {},
	"in": {}, "on": {}, "for": {}, "and": {}, "or": {}, "me": {}, "tell": {}, "about": {},
}

// ExtractiveGenerator answers a query with the memory sentences that share
// the most terms with it. It is deterministic and needs no model, which
// makes leave-one-out ablation cheap.
type ExtractiveGenerator struct {
	// MaxSentences caps the answer length. Defaults to 5.
	MaxSentences int
}

var _ Generator = (*ExtractiveGenerator)(nil)

// Generate implements Generator.
func (g *ExtractiveGenerator) Generate(ctx context.Context, query string, memories []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	limit := g.MaxSentences
	if limit <= 0 {
		limit = 5
	}

	terms := make(map[string]struct{})
	for t := range utils.TokenSet(query) {
		if _, stop := queryStopwords[t]; !stop {
			terms[t] = struct{}{}
		}
	}

	type candidate struct {
		text  string
		score int
		order int
	}
	var picked []candidate
	for _, m := range memories {
		for _, s := range utils.Sentences(m) {
			score := 0
			for t := range utils.TokenSet(s) {
				if _, ok := terms[t]; ok {
					score++
				}
			}
			if score > 0 {
				picked = append(picked, candidate{text: s, score: score, order: len(picked)})
			}
		}
	}
	if len(picked) == 0 {
		return NoAnswer, nil
	}

	sort.SliceStable(picked, func(i, j int) bool { return picked[i].score > picked[j].score })
	picked = picked[:min(limit, len(picked))]
	sort.Slice(picked, func(i, j int) bool { return picked[i].order < picked[j].order })

	parts := make([]string, len(picked))
	for i, c := range picked {
		parts[i] = c.text
	}
	return strings.Join(parts, " "), nil
}

const answerSystem = `You answer questions for an AI agent using only the numbered memories provided.
If the memories do not contain the answer, say so. Be concise.`

// LLMGenerator answers with a language model grounded on the memories.
type LLMGenerator struct {
	call llm.CallFunc
}

var _ Generator = (*LLMGenerator)(nil)

// NewLLMGenerator returns a generator backed by call.
func NewLLMGenerator(call llm.CallFunc) (*LLMGenerator, error) {
	if call == nil {
		return nil, errors.New("llm generator requires a caller")
	}
	return &LLMGenerator{call: call}, nil
}

// Generate implements Generator.
func (g *LLMGenerator) Generate(ctx context.Context, query string, memories []string) (string, error) {
	var b strings.Builder
	b.WriteString("Memories:\n")
	if len(memories) == 0 {
		b.WriteString("(none)\n")
	}
	for i, m := range memories {
		fmt.Fprintf(&b, "%d. %s\n", i+1, m)
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(query)

	out, err := g.call(ctx, llm.Request{System: answerSystem, Prompt: b.String(), MaxTokens: 512})
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	return strings.TrimSpace(out), nil
}
