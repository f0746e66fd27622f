package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies how a flag's value is interpreted during evaluation.
type Kind string

const (
	KindBoolean    Kind = "boolean"
	KindPercentage Kind = "percentage"
	KindSegment    Kind = "segment"
	KindTimeWindow Kind = "time_window"
)

// ValidKind reports whether k is one of the supported flag kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindBoolean, KindPercentage, KindSegment, KindTimeWindow:
		return true
	}
	return false
}

// Flag is a named, typed policy value. Name is immutable after creation;
// only the field matching Kind is meaningful.
type Flag struct {
	Name string
	Kind Kind

	Boolean         bool
	Percentage      float64
	AllowedSegments []string
	WindowStart     time.Time
	WindowEnd       time.Time

	// Condition is an optional expression over the evaluation context
	// (subject_id, segment, attributes) ANDed with the kind result.
	// Validated at write time, never at evaluation time.
	Condition string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the flag invariants enforced at the store-write boundary.
func (f *Flag) Validate() error {
	if f.Name == "" {
		return NewValidationError("flag name cannot be empty")
	}

	switch f.Kind {
	case KindBoolean:
		// No shape to check beyond the kind itself.

	case KindPercentage:
		if f.Percentage < 0 || f.Percentage > 100 {
			return NewValidationError(
				fmt.Sprintf("percentage must be within [0,100], got %v", f.Percentage),
			)
		}

	case KindSegment:
		for _, s := range f.AllowedSegments {
			if s == "" {
				return NewValidationError("allowed_segments cannot contain an empty segment")
			}
		}

	case KindTimeWindow:
		if f.WindowStart.IsZero() || f.WindowEnd.IsZero() {
			return NewValidationError("time_window requires both start and end")
		}
		if !f.WindowEnd.After(f.WindowStart) {
			return NewValidationError("time_window end must be strictly after start")
		}

	default:
		return NewValidationError(fmt.Sprintf("unknown flag kind: %q", f.Kind))
	}

	return nil
}

// Value payload wire shapes, per kind.
type percentageValue struct {
	Percentage float64 `json:"percentage"`
}

type segmentValue struct {
	AllowedSegments []string `json:"allowed_segments"`
}

type timeWindowValue struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// MarshalValue serializes the kind-specific value payload.
func (f *Flag) MarshalValue() (json.RawMessage, error) {
	switch f.Kind {
	case KindBoolean:
		return json.Marshal(f.Boolean)
	case KindPercentage:
		return json.Marshal(percentageValue{Percentage: f.Percentage})
	case KindSegment:
		segs := f.AllowedSegments
		if segs == nil {
			segs = []string{}
		}
		return json.Marshal(segmentValue{AllowedSegments: segs})
	case KindTimeWindow:
		return json.Marshal(timeWindowValue{
			Start: f.WindowStart.UTC(),
			End:   f.WindowEnd.UTC(),
		})
	default:
		return nil, NewValidationError(fmt.Sprintf("unknown flag kind: %q", f.Kind))
	}
}

// UnmarshalValue parses a kind-specific value payload into the flag.
// The flag's Kind must already be set.
func (f *Flag) UnmarshalValue(raw json.RawMessage) error {
	switch f.Kind {
	case KindBoolean:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return NewValidationErrorWithCause("boolean flag value must be true or false", err)
		}
		f.Boolean = b

	case KindPercentage:
		var v percentageValue
		if err := json.Unmarshal(raw, &v); err != nil {
			return NewValidationErrorWithCause("percentage flag value must be {percentage: 0..100}", err)
		}
		f.Percentage = v.Percentage

	case KindSegment:
		var v segmentValue
		if err := json.Unmarshal(raw, &v); err != nil {
			return NewValidationErrorWithCause("segment flag value must be {allowed_segments: [...]}", err)
		}
		f.AllowedSegments = v.AllowedSegments

	case KindTimeWindow:
		var v timeWindowValue
		if err := json.Unmarshal(raw, &v); err != nil {
			return NewValidationErrorWithCause("time_window flag value must be {start, end}", err)
		}
		f.WindowStart = v.Start.UTC()
		f.WindowEnd = v.End.UTC()

	default:
		return NewValidationError(fmt.Sprintf("unknown flag kind: %q", f.Kind))
	}

	return nil
}

// InSegment reports whether segment is a member of the flag's allowed set.
func (f *Flag) InSegment(segment string) bool {
	if segment == "" {
		return false
	}
	for _, s := range f.AllowedSegments {
		if s == segment {
			return true
		}
	}
	return false
}
