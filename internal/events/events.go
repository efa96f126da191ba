package events

import "time"

// ValueType is the declared type of a mapping rule's coerced value.
type ValueType string

const (
	TypeInteger ValueType = "integer"
	TypeFloat   ValueType = "float"
	TypeText    ValueType = "text"
	TypeBoolean ValueType = "boolean"
)

// Source identifies which dialect an IngressEvent arrived on.
type Source string

const (
	SourceMQTT    Source = "mqtt"
	SourceSignalR Source = "signalr"
)

// Meta carries the receive-side bookkeeping for an IngressEvent: the
// source dialect, the subscription address, and a receive timestamp.
type Meta struct {
	Source    Source
	Address   string // topic (MQTT) or group (SignalR)
	ReceivedAt time.Time
}

// IngressEvent is produced by the Ingest Client and consumed by the Mapper.
type IngressEvent struct {
	TraceID string
	Raw     Value
	Meta    Meta
}

// MappedEvent is produced by the Mapper and consumed by the Resolver.
type MappedEvent struct {
	TraceID   string
	Object    string
	Value     CoercedValue
	ValueType ValueType
}

// ResolvedEvent is produced by the Resolver and consumed by the Egress Client.
type ResolvedEvent struct {
	TraceID string
	Object  string
	Value   CoercedValue
	Devices []string // non-empty, catalog order preserved, duplicates preserved
}

// DeliveryRecord is emitted by the Egress Client after each successful
// per-device send and handed to the Delivery Log.
type DeliveryRecord struct {
	TraceID   string
	DeviceID  string
	Object    string
	Value     CoercedValue
	Timestamp time.Time
}

// DropReason enumerates the non-fatal drop paths in the pipeline.
type DropReason string

const (
	ReasonInvalidPayload DropReason = "invalid_payload"
	ReasonUnmapped       DropReason = "unmapped"
	ReasonCoercionFailed DropReason = "coercion_failed"
	ReasonNoTargets      DropReason = "no_targets"
)
