package consistency

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/papercomputeco/cortex/pkg/utils"
)

// DefaultConcurrentWindow is the assertion gap within which two conflicting
// facts without a temporal marker have no clear precedence.
const DefaultConcurrentWindow = 5 * time.Minute

// Attribute is a time-varying property of an entity: its cue words mark a
// memory as asserting a value for it.
type Attribute struct {
	Name    string
	Cues    []string
	Phrases [][2]string
}

// DefaultAttributes is the attribute lexicon used when HeuristicConfig
// leaves Attributes empty.
var DefaultAttributes = []Attribute{
	{
		Name: "location",
		Cues: []string{"lives", "live", "living", "located", "location", "based", "moved", "moving", "relocated", "resides", "reside", "address", "city", "hometown"},
		Phrases: [][2]string{
			{"currently", "in"}, {"now", "in"}, {"currently", "at"}, {"now", "at"}, {"lives", "in"}, {"moved", "to"}, {"based", "in"},
		},
	},
	{
		Name: "pricing",
		Cues: []string{"price", "prices", "pricing", "priced", "cost", "costs", "fee", "fees", "charge", "charges", "subscription", "billed", "monthly", "annually"},
	},
	{
		Name: "role",
		Cues: []string{"works", "working", "job", "title", "role", "position", "employer", "employed", "promoted", "manager", "engineer", "director"},
	},
	{
		Name: "status",
		Cues: []string{"status", "state", "active", "inactive", "pending", "enabled", "disabled", "open", "closed", "deprecated", "suspended", "cancelled", "canceled"},
	},
}

var (
	temporalMarkers = set("now", "currently", "recently", "moved", "changed", "updated", "new", "anymore", "longer", "switched", "since", "today", "latest", "upgraded", "downgraded", "relocated", "promoted")

	negations = set("not", "no", "never", "none", "cannot", "can't", "doesn't", "don't", "isn't", "aren't", "wasn't", "weren't", "won't", "didn't", "without", "neither", "nor")

	stopwords = set("a", "an", "the", "is", "are", "was", "were", "be", "been", "to", "of", "and", "or", "at", "on", "in", "for", "with", "has", "have", "had", "their", "his", "her", "its", "they", "he", "she", "it", "that", "this", "does", "do", "did", "as", "by", "per", "from", "will", "would", "also", "very", "just")

	antonyms = [][2]string{
		{"vegetarian", "meat"}, {"vegan", "meat"}, {"vegan", "dairy"}, {"likes", "dislikes"}, {"loves", "hates"},
		{"true", "false"}, {"always", "never"}, {"allowed", "forbidden"}, {"allowed", "prohibited"},
		{"single", "married"}, {"alive", "dead"}, {"accepts", "rejects"}, {"supports", "opposes"},
		{"increase", "decrease"}, {"remote", "onsite"}, {"free", "paid"},
	}
)

// HeuristicConfig tunes a HeuristicClassifier.
type HeuristicConfig struct {
	// ConcurrentWindow defaults to DefaultConcurrentWindow.
	ConcurrentWindow time.Duration

	// Attributes defaults to DefaultAttributes.
	Attributes []Attribute
}

// HeuristicClassifier classifies pairs with an attribute lexicon, negation
// and antonym cues, and creation timestamps. It needs no model and is
// deterministic.
type HeuristicClassifier struct {
	window     time.Duration
	attributes []Attribute
}

var _ Classifier = (*HeuristicClassifier)(nil)

// NewHeuristicClassifier returns a classifier with c's settings.
func NewHeuristicClassifier(c HeuristicConfig) *HeuristicClassifier {
	if c.ConcurrentWindow <= 0 {
		c.ConcurrentWindow = DefaultConcurrentWindow
	}
	if len(c.Attributes) == 0 {
		c.Attributes = DefaultAttributes
	}
	return &HeuristicClassifier{window: c.ConcurrentWindow, attributes: c.Attributes}
}

type analysis struct {
	tokens  []string
	all     map[string]struct{}
	content map[string]struct{}
	numbers map[string]struct{}
	negated bool
	marked  bool
}

func (h *HeuristicClassifier) analyze(text string) analysis {
	a := analysis{
		tokens:  utils.Tokens(text),
		all:     make(map[string]struct{}),
		content: make(map[string]struct{}),
		numbers: make(map[string]struct{}),
	}
	cues := make(map[string]struct{})
	for _, attr := range h.attributes {
		for _, c := range attr.Cues {
			cues[c] = struct{}{}
		}
	}

	for _, t := range a.tokens {
		a.all[t] = struct{}{}
		switch {
		case has(negations, t):
			a.negated = true
			continue
		case has(temporalMarkers, t):
			a.marked = true
			continue
		case has(stopwords, t), has(cues, t):
			continue
		}
		if isNumber(t) {
			a.numbers[strings.TrimPrefix(t, "$")] = struct{}{}
		}
		a.content[t] = struct{}{}
	}
	return a
}

// Classify reads p as consistent or as a kind of conflict.
func (h *HeuristicClassifier) Classify(ctx context.Context, p Pair) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	older := h.analyze(p.Older.Text)
	newer := h.analyze(p.Newer.Text)
	sim := clamp01(p.Similarity)
	concurrent := absDuration(p.Gap()) <= h.window

	// Differing values for the same attribute.
	for _, attr := range h.attributes {
		if !h.mentions(older, attr) || !h.mentions(newer, attr) {
			continue
		}
		oldOnly, newOnly := difference(older.content, newer.content), difference(newer.content, older.content)
		if len(oldOnly) == 0 || len(newOnly) == 0 {
			continue
		}
		reason := fmt.Sprintf("%s changed from %q to %q", attr.Name, strings.Join(oldOnly, " "), strings.Join(newOnly, " "))
		return h.update(reason, sim, newer.marked, concurrent), nil
	}

	if older.negated != newer.negated && overlap(older.content, newer.content) >= 0.5 {
		if newer.marked && newer.negated {
			return h.update("newer memory retracts the older one", sim, true, concurrent), nil
		}
		return Verdict{
			Relation:   RelationLogical,
			Confidence: math.Min(0.95, 0.55+0.4*sim),
			Reason:     "one memory negates the other",
		}, nil
	}

	for _, pair := range antonyms {
		if (has(older.all, pair[0]) && has(newer.all, pair[1])) || (has(older.all, pair[1]) && has(newer.all, pair[0])) {
			return Verdict{
				Relation:   RelationLogical,
				Confidence: math.Min(0.95, 0.6+0.35*sim),
				Reason:     fmt.Sprintf("%q contradicts %q", pair[0], pair[1]),
			}, nil
		}
	}

	// Same statement with different figures.
	if len(older.numbers) > 0 && len(newer.numbers) > 0 && !equalSets(older.numbers, newer.numbers) {
		rest := overlap(without(older.content, older.numbers), without(newer.content, newer.numbers))
		if rest >= 0.5 {
			reason := "figures differ between otherwise matching memories"
			if !newer.marked && !concurrent {
				return Verdict{Relation: RelationTemporalUpdate, Confidence: 0.4 + 0.15*sim, Reason: reason}, nil
			}
			return h.update(reason, sim, newer.marked, concurrent), nil
		}
	}

	return Verdict{Relation: RelationConsistent, Confidence: 1 - 0.5*sim}, nil
}

// update reads a changed value. A temporal marker on the newer memory
// ("currently", "moved", "now") gives it precedence even inside the
// concurrent window.
func (h *HeuristicClassifier) update(reason string, sim float64, marked, concurrent bool) Verdict {
	if concurrent && !marked {
		return Verdict{
			Relation:   RelationConcurrent,
			Confidence: math.Min(0.95, 0.5+0.4*sim),
			Reason:     reason + " within the concurrent window",
		}
	}
	conf := 0.6 + 0.3*sim
	if marked {
		conf += 0.1
	}
	return Verdict{Relation: RelationTemporalUpdate, Confidence: math.Min(0.99, conf), Reason: reason}
}

func (h *HeuristicClassifier) mentions(a analysis, attr Attribute) bool {
	for _, c := range attr.Cues {
		if has(a.all, c) {
			return true
		}
	}
	for i := 0; i+1 < len(a.tokens); i++ {
		for _, ph := range attr.Phrases {
			if a.tokens[i] == ph[0] && a.tokens[i+1] == ph[1] {
				return true
			}
		}
	}
	return false
}

func set(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

func has(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}

// difference returns a \ b in a stable order.
func difference(a, b map[string]struct{}) []string {
	var out []string
	for k := range a {
		if !has(b, k) {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

func without(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(a))
	for k := range a {
		if !has(b, k) && !has(b, strings.TrimPrefix(k, "$")) {
			out[k] = struct{}{}
		}
	}
	return out
}

// overlap is |a ∩ b| / min(|a|, |b|).
func overlap(a, b map[string]struct{}) float64 {
	n := min(len(a), len(b))
	if n == 0 {
		return 0
	}
	shared := 0
	for k := range a {
		if has(b, k) {
			shared++
		}
	}
	return float64(shared) / float64(n)
}

func equalSets(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !has(b, k) {
			return false
		}
	}
	return true
}

func isNumber(t string) bool {
	t = strings.TrimPrefix(t, "$")
	if t == "" {
		return false
	}
	digits := 0
	for _, r := range t {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '.' || r == ',':
		default:
			return false
		}
	}
	return digits > 0
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
