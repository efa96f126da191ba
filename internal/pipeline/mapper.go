// Package pipeline implements the Mapper and Resolver stages that sit
// between the Ingest Client and the Egress Client.
package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fieldbridge/databridge/internal/catalog"
	"github.com/fieldbridge/databridge/internal/events"
	"github.com/fieldbridge/databridge/pkg/fn"
	"github.com/fieldbridge/databridge/pkg/metrics"
)

// Mapper turns raw IngressEvents into MappedEvents by looking up a catalog
// rule keyed on (equip_tag, message_id) and coercing the payload value to
// the rule's declared type.
type Mapper struct {
	catalog *catalog.MappingCatalog
	metrics *metrics.Registry
	log     *slog.Logger

	mu        sync.Mutex
	warnedKey map[string]bool // dedup coercion-failure logging per (equip_tag, message_id)
}

// NewMapper builds a Mapper bound to cat. metrics and log may not be nil.
func NewMapper(cat *catalog.MappingCatalog, reg *metrics.Registry, log *slog.Logger) *Mapper {
	return &Mapper{
		catalog:   cat,
		metrics:   reg,
		log:       log,
		warnedKey: make(map[string]bool),
	}
}

// Stage adapts Map to the pkg/fn pipeline convention. A nil *MappedEvent
// with a nil error means the event was dropped (counted, not failed).
func (m *Mapper) Stage() fn.Stage[events.IngressEvent, *events.MappedEvent] {
	return func(ctx context.Context, in events.IngressEvent) fn.Result[*events.MappedEvent] {
		return fn.Ok(m.Map(ctx, in))
	}
}

// Map extracts Equip.Tag/Message.ID/VALUE from the raw payload (a flat
// object keyed by those literal dotted names), looks up the mapping rule,
// and coerces the value to the rule's declared type. Returns nil when the
// event should be dropped;
// the drop reason is already recorded in metrics and logs.
func (m *Mapper) Map(ctx context.Context, in events.IngressEvent) *events.MappedEvent {
	equipTag, ok1 := in.Raw.Field("Equip.Tag").AsString()
	messageID, ok2 := in.Raw.Field("Message.ID").AsString()
	raw := in.Raw.Field("VALUE")
	if !ok1 || !ok2 || equipTag == "" || messageID == "" || raw.IsNull() {
		m.drop(in, events.ReasonInvalidPayload, "missing Equip.Tag, Message.ID, or VALUE")
		return nil
	}

	rule, ok := m.catalog.Lookup(equipTag, messageID)
	if !ok {
		m.drop(in, events.ReasonUnmapped, "no mapping rule for "+equipTag+"/"+messageID)
		return nil
	}

	coerced, ok := coerce(raw, rule.ValueType)
	if !ok {
		m.warnCoercionFailure(equipTag, messageID, rule.ValueType)
		m.drop(in, events.ReasonCoercionFailed, "value does not coerce to "+string(rule.ValueType))
		return nil
	}

	m.metrics.EventsProcessed.WithLabelValues("mapper").Inc()
	return &events.MappedEvent{
		TraceID:   in.TraceID,
		Object:    rule.Object,
		Value:     coerced,
		ValueType: rule.ValueType,
	}
}

// coerce applies per-type coercion rules, returning the value's
// typed wire representation.
func coerce(v events.Value, t events.ValueType) (events.CoercedValue, bool) {
	switch t {
	case events.TypeText:
		s, ok := v.AsString()
		if !ok {
			return events.CoercedValue{}, false
		}
		return events.NewTextValue(s), true
	case events.TypeBoolean:
		b, ok := v.AsBool()
		if !ok {
			return events.CoercedValue{}, false
		}
		return events.NewBooleanValue(b), true
	case events.TypeFloat:
		f, ok := v.AsFloat()
		if !ok {
			return events.CoercedValue{}, false
		}
		return events.NewFloatValue(f), true
	case events.TypeInteger:
		f, ok := v.AsFloat()
		if !ok || f != float64(int64(f)) {
			return events.CoercedValue{}, false
		}
		return events.NewIntegerValue(int64(f)), true
	default:
		return events.CoercedValue{}, false
	}
}

func (m *Mapper) drop(in events.IngressEvent, reason events.DropReason, detail string) {
	m.metrics.EventsDropped.WithLabelValues("mapper", string(reason)).Inc()
	m.log.Debug("mapper dropped event", "trace_id", in.TraceID, "reason", reason, "detail", detail)
}

// warnCoercionFailure logs a coercion failure once per (equip_tag,
// message_id, type) combination, so a persistently misbehaving gateway
// doesn't flood the log.
func (m *Mapper) warnCoercionFailure(equipTag, messageID string, t events.ValueType) {
	key := equipTag + "|" + messageID + "|" + string(t)
	m.mu.Lock()
	already := m.warnedKey[key]
	m.warnedKey[key] = true
	m.mu.Unlock()
	if already {
		return
	}
	m.log.Warn("value failed to coerce to declared type",
		"equip_tag", equipTag, "message_id", messageID, "value_type", t)
}
