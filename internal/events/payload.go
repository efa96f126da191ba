package events

import (
	"encoding/json"
	"time"
)

// EgressPayload is the downstream frame body sent to each device:
// `{"object":string,"value":scalar,"timestamp":ISO-8601-UTC,"trace_id"?:string}`.
type EgressPayload struct {
	Object    string       `json:"object"`
	Value     CoercedValue `json:"value"`
	Timestamp time.Time    `json:"timestamp"`
	TraceID   string       `json:"trace_id,omitempty"`
}

// MarshalJSON renders Timestamp with millisecond-precision UTC ISO-8601.
// Value marshals through CoercedValue's own
// MarshalJSON, so the wire gets the type-correct scalar rather than a
// quoted string.
func (p EgressPayload) MarshalJSON() ([]byte, error) {
	type alias struct {
		Object    string       `json:"object"`
		Value     CoercedValue `json:"value"`
		Timestamp string       `json:"timestamp"`
		TraceID   string       `json:"trace_id,omitempty"`
	}
	return json.Marshal(alias{
		Object:    p.Object,
		Value:     p.Value,
		Timestamp: p.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
		TraceID:   p.TraceID,
	})
}

// NewEgressPayload builds the per-device payload for one member of a
// ResolvedEvent's device fan-out.
func NewEgressPayload(r *ResolvedEvent, now time.Time) EgressPayload {
	return EgressPayload{
		Object:    r.Object,
		Value:     r.Value,
		Timestamp: now,
		TraceID:   r.TraceID,
	}
}
