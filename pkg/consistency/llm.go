package consistency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/papercomputeco/cortex/pkg/llm"
	"github.com/papercomputeco/cortex/pkg/retry"
)

const classifySystem = `You compare two facts stored in an AI agent's memory and decide how they relate.
Answer with a JSON object: {"relation": "...", "confidence": 0.0, "reason": "..."}.
relation is one of:
- "consistent": both can be true together.
- "logical": they are mutually exclusive and one must be wrong.
- "temporal_update": the newer fact replaces the older one because the world changed.
- "concurrent_conflict": they disagree and were recorded too close together to tell which is current.
confidence is your certainty between 0 and 1. reason is one short sentence.`

// LLMConfig configures an LLMClassifier.
type LLMConfig struct {
	Call   llm.CallFunc
	Retry  retry.Policy
	Logger *slog.Logger
}

// LLMClassifier asks a language model to classify each pair.
type LLMClassifier struct {
	call   llm.CallFunc
	retry  retry.Policy
	logger *slog.Logger
}

var _ Classifier = (*LLMClassifier)(nil)

// NewLLMClassifier returns a classifier backed by c.Call.
func NewLLMClassifier(c LLMConfig) (*LLMClassifier, error) {
	if c.Call == nil {
		return nil, errors.New("llm classifier requires a caller")
	}
	if c.Retry.Attempts == 0 {
		c.Retry = retry.DefaultPolicy
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return &LLMClassifier{call: c.Call, retry: c.Retry, logger: c.Logger}, nil
}

// Classify sends the pair to the model and parses its verdict.
func (l *LLMClassifier) Classify(ctx context.Context, p Pair) (Verdict, error) {
	prompt := fmt.Sprintf("Older fact (recorded %s):\n%s\n\nNewer fact (recorded %s):\n%s\n\nSeconds between them: %.0f",
		p.Older.Asserted().UTC().Format("2006-01-02T15:04:05Z"), p.Older.Text,
		p.Newer.Asserted().UTC().Format("2006-01-02T15:04:05Z"), p.Newer.Text,
		p.Gap().Seconds())

	var out string
	err := retry.Do(ctx, l.retry, func(ctx context.Context) error {
		var err error
		out, err = l.call(ctx, llm.Request{System: classifySystem, Prompt: prompt, JSON: true, MaxTokens: 256})
		var status *llm.StatusError
		if errors.As(err, &status) && !status.Temporary() {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("classify pair: %w", err)
	}

	v, err := parseVerdict(out)
	if err != nil {
		l.logger.Warn("unparseable classifier output", "error", err, "output", out)
		return Verdict{}, err
	}
	return v, nil
}

func parseVerdict(s string) (Verdict, error) {
	var raw struct {
		Relation   string  `json:"relation"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(s)), &raw); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}

	rel := Relation(strings.ToLower(strings.TrimSpace(raw.Relation)))
	switch rel {
	case RelationConsistent, RelationLogical, RelationTemporalUpdate, RelationConcurrent:
	default:
		return Verdict{}, fmt.Errorf("unknown relation %q", raw.Relation)
	}
	return Verdict{Relation: rel, Confidence: clamp01(raw.Confidence), Reason: raw.Reason}, nil
}
