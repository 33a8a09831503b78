package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/ashureev/prescreen-voip/internal/domain"
	"github.com/ashureev/prescreen-voip/internal/provider"
)

// envelopeSchema describes the webhook body accepted from every provider.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event_type", "event_id"],
  "properties": {
    "event_type": {"type": "string", "minLength": 1, "maxLength": 64},
    "event_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "provider": {"type": "string", "maxLength": 32},
    "provider_call_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "call_id": {"type": "string", "minLength": 1, "maxLength": 64},
    "direction": {"enum": ["inbound", "outbound"]},
    "timestamp": {"type": ["string", "number"]},
    "payload": {
      "type": "object",
      "properties": {
        "digit": {"type": "string", "pattern": "^[0-9*#]{1,32}$"},
        "reason": {"type": "string", "maxLength": 128},
        "sequence": {"type": "integer", "minimum": 0}
      }
    }
  },
  "anyOf": [
    {"required": ["provider_call_id"]},
    {"required": ["call_id"]}
  ]
}`

// Envelope is the decoded webhook body.
type Envelope struct {
	EventType      string          `json:"event_type"`
	EventID        string          `json:"event_id"`
	Provider       string          `json:"provider,omitempty"`
	ProviderCallID string          `json:"provider_call_id,omitempty"`
	CallID         string          `json:"call_id,omitempty"`
	Direction      string          `json:"direction,omitempty"`
	Timestamp      json.RawMessage `json:"timestamp,omitempty"`
	Payload        EnvelopePayload `json:"payload"`
}

// EnvelopePayload holds the kind-specific fields.
type EnvelopePayload struct {
	Digit    string `json:"digit,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Sequence *int64 `json:"sequence,omitempty"`
}

// eventTime parses the timestamp as RFC 3339 text or unix seconds.
func (e Envelope) eventTime() (time.Time, bool) {
	if len(e.Timestamp) == 0 {
		return time.Time{}, false
	}
	var text string
	if err := json.Unmarshal(e.Timestamp, &text); err == nil {
		t, err := time.Parse(time.RFC3339Nano, text)
		return t, err == nil
	}
	var secs float64
	if err := json.Unmarshal(e.Timestamp, &secs); err != nil || secs <= 0 {
		return time.Time{}, false
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), true
}

// sequence returns the ordering key and its source: the provider sequence
// when present, otherwise the event timestamp in milliseconds.
func (e Envelope) sequence() (int64, domain.SeqSource, bool) {
	if e.Payload.Sequence != nil {
		return *e.Payload.Sequence, domain.SeqProvider, true
	}
	if t, ok := e.eventTime(); ok {
		return t.UnixMilli(), domain.SeqTimestamp, true
	}
	return 0, "", false
}

var commonKinds = map[string]domain.EventKind{
	"call.started":  domain.EventCallStarted,
	"call.answered": domain.EventCallStarted,
	"dtmf":          domain.EventDTMF,
	"dtmf.received": domain.EventDTMF,
	"finished":      domain.EventFinished,
	"call.finished": domain.EventFinished,
	"error":         domain.EventError,
	"call.failed":   domain.EventError,
}

// providerKinds maps provider-native event names, lower-cased.
var providerKinds = map[string]map[string]domain.EventKind{
	provider.Voximplant: {
		"callconnected": domain.EventCallStarted,
		"connected":     domain.EventCallStarted,
		"tonereceived":  domain.EventDTMF,
		"disconnected":  domain.EventFinished,
		"callfailed":    domain.EventError,
		"failed":        domain.EventError,
	},
	provider.Zadarma: {
		"notify_start":     domain.EventCallStarted,
		"notify_out_start": domain.EventCallStarted,
		"notify_answer":    domain.EventCallStarted,
		"notify_ivr":       domain.EventDTMF,
		"notify_dtmf":      domain.EventDTMF,
		"notify_end":       domain.EventFinished,
		"notify_out_end":   domain.EventFinished,
		"notify_error":     domain.EventError,
	},
}

// normalizeKind maps a provider event name to the internal vocabulary.
func normalizeKind(providerName, eventType string) (domain.EventKind, bool) {
	name := strings.ToLower(strings.TrimSpace(eventType))
	if k, ok := commonKinds[name]; ok {
		return k, true
	}
	if k, ok := providerKinds[providerName][name]; ok {
		return k, true
	}
	return "", false
}

// digest is the sha256 of the RFC 8785 canonical form of raw.
func digest(raw []byte) (string, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ShardKey extracts the key used to route raw onto a queue shard. Events of
// one call always share a key.
func ShardKey(raw []byte) string {
	var probe struct {
		CallID         string `json:"call_id"`
		ProviderCallID string `json:"provider_call_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	if probe.CallID != "" {
		return probe.CallID
	}
	return probe.ProviderCallID
}
