package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ParseFrame decodes one upstream ingest frame (`{"header":{"UUID"?:...},
// "payload":{...}}`) into an IngressEvent. The trace id comes from
// header.UUID when present and non-empty; otherwise one is generated.
func ParseFrame(raw []byte, source Source, address string, receivedAt time.Time) (IngressEvent, error) {
	var decoded struct {
		Header  map[string]any `json:"header"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return IngressEvent{}, err
	}

	traceID := ""
	if decoded.Header != nil {
		if v, ok := decoded.Header["UUID"].(string); ok {
			traceID = v
		}
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}

	return IngressEvent{
		TraceID: traceID,
		Raw:     FromAny(decoded.Payload),
		Meta: Meta{
			Source:     source,
			Address:    address,
			ReceivedAt: receivedAt,
		},
	}, nil
}
