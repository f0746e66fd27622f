package domain

import "time"

// EvalContext carries the caller-supplied inputs for flag evaluation.
// It is never persisted.
type EvalContext struct {
	// SubjectID is a stable identity used for percentage bucketing
	// (e.g. user ID, account ID). Percentage flags deny when absent.
	SubjectID string

	// Segment is the caller's segment, matched against segment flags.
	Segment string

	// Attributes holds additional context for condition expressions.
	Attributes map[string]any

	// Now overrides the wall clock for time_window evaluation. Zero means
	// the current UTC time.
	Now time.Time
}

// EffectiveNow returns the evaluation time, defaulting to the wall clock.
func (c EvalContext) EffectiveNow() time.Time {
	if c.Now.IsZero() {
		return time.Now().UTC()
	}
	return c.Now
}

// ExprEnv builds the environment visible to condition expressions.
func (c EvalContext) ExprEnv() map[string]any {
	attrs := c.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	return map[string]any{
		"subject_id": c.SubjectID,
		"segment":    c.Segment,
		"attributes": attrs,
	}
}
