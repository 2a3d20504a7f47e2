package memory

import "fmt"

// Tier is a memory's storage temperature.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// ParseTier validates s as a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q: must be one of hot, warm, cold", s)
	}
	return t, nil
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierHot, TierWarm, TierCold:
		return true
	}
	return false
}

// Next returns the tier one demotion below t. Cold has no lower tier.
func (t Tier) Next() (Tier, bool) {
	switch t {
	case TierHot:
		return TierWarm, true
	case TierWarm:
		return TierCold, true
	}
	return t, false
}

// Cause identifies what is asking for a tier transition.
type Cause string

const (
	// CauseLifecycle is an aging demotion from a lifecycle pass.
	CauseLifecycle Cause = "lifecycle"
	// CauseOperator is an explicit operator demotion.
	CauseOperator Cause = "operator"
	// CauseRetrieval is the promotion that follows every retrieval.
	CauseRetrieval Cause = "retrieval"
	// CausePin returns a guarded memory to hot.
	CausePin Cause = "pin"
)

// Transition moves m to the tier to on behalf of cause. The allowed moves are:
//
//	hot  -> warm   lifecycle, operator
//	warm -> cold   lifecycle, operator
//	any  -> hot    retrieval, pin (pin requires a guarded memory)
//
// Demotions of a guarded memory are rejected. Moving to the current tier is a
// no-op. Transition mutates m and must only be called on a private copy.
func Transition(m *Memory, to Tier, cause Cause) error {
	if !to.Valid() {
		return &InvalidTransitionError{ID: m.ID, From: string(m.Tier), To: string(to), Reason: "unknown target tier"}
	}
	if m.Tier == to {
		return nil
	}

	if to == TierHot {
		switch cause {
		case CauseRetrieval:
		case CausePin:
			if !m.Guarded() {
				return &InvalidTransitionError{ID: m.ID, From: string(m.Tier), To: string(to), Reason: "only guarded memories are pinned"}
			}
		default:
			return &InvalidTransitionError{ID: m.ID, From: string(m.Tier), To: string(to), Reason: "promotion happens only on retrieval"}
		}
		m.Tier = to
		return nil
	}

	if cause != CauseLifecycle && cause != CauseOperator {
		return &InvalidTransitionError{ID: m.ID, From: string(m.Tier), To: string(to), Reason: fmt.Sprintf("%s cannot demote", cause)}
	}
	next, ok := m.Tier.Next()
	if !ok || next != to {
		return &InvalidTransitionError{ID: m.ID, From: string(m.Tier), To: string(to), Reason: "demotion moves one tier at a time"}
	}
	if m.Guarded() {
		return &InvalidTransitionError{
			ID:     m.ID,
			From:   string(m.Tier),
			To:     string(to),
			Reason: fmt.Sprintf("criticality %.2f is at or above the guard %.2f", m.Criticality, CriticalityGuard),
		}
	}

	m.Tier = to
	return nil
}
