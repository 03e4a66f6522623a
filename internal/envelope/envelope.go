// Package envelope implements the canonical GGP event envelope codec.
//
// Decode is a pure function: it validates the wire form and produces a typed
// Envelope without touching the payload body, which stays an opaque
// schema-versioned blob for the handler layer to interpret.
package envelope

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ggp-io/eventpipe/internal/jsoncodec"
)

// Actor identifies who or what caused an event.
type Actor struct {
	Type    string `json:"type"` // "user" or "service"
	ID      string `json:"id"`
	Display string `json:"display,omitempty"`
}

// Envelope is the canonical event wire contract, immutable once decoded.
type Envelope struct {
	EventID       uuid.UUID
	EventType     string // equals the topic the event was published on
	OccurredAt    time.Time
	Producer      string
	CorrelationID uuid.UUID
	CausationID   *uuid.UUID
	Actor         Actor
	TenantID      string
	SchemaVersion int
	Payload       json.RawMessage
}

// ErrorKind categorises a decode failure.
type ErrorKind string

const (
	KindInvalidJSON       ErrorKind = "invalid_json"
	KindMissingFields     ErrorKind = "missing_fields"
	KindInvalidField      ErrorKind = "invalid_field"
	KindInvalidActor      ErrorKind = "invalid_actor"
	KindInvalidTimestamp  ErrorKind = "invalid_timestamp"
	KindInvalidIdentifier ErrorKind = "invalid_identifier"
)

// DecodeError reports why a raw message could not be decoded into an
// Envelope. Fields is only populated for KindMissingFields.
type DecodeError struct {
	Kind   ErrorKind
	Fields []string
	Err    error
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case KindMissingFields:
		return fmt.Sprintf("envelope: missing fields: %s", strings.Join(e.Fields, ", "))
	default:
		return fmt.Sprintf("envelope: %s: %v", e.Kind, e.Err)
	}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// requiredFields are the top-level keys every envelope must carry.
var requiredFields = []string{
	"actor",
	"correlation_id",
	"event_id",
	"event_type",
	"occurred_at",
	"payload",
	"producer",
	"schema_version",
}

// Decode parses and validates a raw JSON envelope. It never mutates or
// normalises the payload; callers keep the original raw bytes for
// dead-letter preservation.
func Decode(raw []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := jsoncodec.Unmarshal(raw, &fields); err != nil {
		return nil, &DecodeError{Kind: KindInvalidJSON, Err: err}
	}

	var missing []string
	for _, name := range requiredFields {
		if _, ok := fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &DecodeError{Kind: KindMissingFields, Fields: missing}
	}

	eventID, err := parseID(fields, "event_id")
	if err != nil {
		return nil, err
	}
	correlationID, err := parseID(fields, "correlation_id")
	if err != nil {
		return nil, err
	}

	var causationID *uuid.UUID
	if raw, ok := fields["causation_id"]; ok && !isNull(raw) {
		id, err := parseID(fields, "causation_id")
		if err != nil {
			return nil, err
		}
		causationID = &id
	}

	eventType, err := parseString(fields, "event_type")
	if err != nil {
		return nil, err
	}
	producer, err := parseString(fields, "producer")
	if err != nil {
		return nil, err
	}

	var tenantID string
	if raw, ok := fields["tenant_id"]; ok && !isNull(raw) {
		if err := jsoncodec.Unmarshal(raw, &tenantID); err != nil {
			return nil, &DecodeError{Kind: KindInvalidField, Err: fmt.Errorf("tenant_id: %w", err)}
		}
	}

	var schemaVersion int
	if err := jsoncodec.Unmarshal(fields["schema_version"], &schemaVersion); err != nil {
		return nil, &DecodeError{Kind: KindInvalidField, Err: fmt.Errorf("schema_version: %w", err)}
	}

	occurredAt, err := parseTimestamp(fields["occurred_at"])
	if err != nil {
		return nil, err
	}

	actor, err := parseActor(fields["actor"])
	if err != nil {
		return nil, err
	}

	return &Envelope{
		EventID:       eventID,
		EventType:     eventType,
		OccurredAt:    occurredAt,
		Producer:      producer,
		CorrelationID: correlationID,
		CausationID:   causationID,
		Actor:         actor,
		TenantID:      tenantID,
		SchemaVersion: schemaVersion,
		Payload:       fields["payload"],
	}, nil
}

// wireEnvelope is the JSON shape of an envelope on the wire.
type wireEnvelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	OccurredAt    string          `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   *string         `json:"causation_id,omitempty"`
	Actor         Actor           `json:"actor"`
	TenantID      string          `json:"tenant_id,omitempty"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// Encode renders env in the wire form Decode accepts. Timestamps are emitted
// as RFC 3339 UTC.
func Encode(env *Envelope) ([]byte, error) {
	w := wireEnvelope{
		EventID:       env.EventID.String(),
		EventType:     env.EventType,
		OccurredAt:    env.OccurredAt.UTC().Format(time.RFC3339Nano),
		Producer:      env.Producer,
		CorrelationID: env.CorrelationID.String(),
		Actor:         env.Actor,
		TenantID:      env.TenantID,
		SchemaVersion: env.SchemaVersion,
		Payload:       env.Payload,
	}
	if env.CausationID != nil {
		s := env.CausationID.String()
		w.CausationID = &s
	}
	return jsoncodec.Marshal(w)
}

func parseString(fields map[string]json.RawMessage, name string) (string, error) {
	var s string
	if err := jsoncodec.Unmarshal(fields[name], &s); err != nil {
		return "", &DecodeError{Kind: KindInvalidField, Err: fmt.Errorf("%s: %w", name, err)}
	}
	return s, nil
}

func parseID(fields map[string]json.RawMessage, name string) (uuid.UUID, error) {
	var s string
	if err := jsoncodec.Unmarshal(fields[name], &s); err != nil {
		return uuid.Nil, &DecodeError{Kind: KindInvalidIdentifier, Err: fmt.Errorf("%s: %w", name, err)}
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, &DecodeError{Kind: KindInvalidIdentifier, Err: fmt.Errorf("%s: %w", name, err)}
	}
	return id, nil
}

// parseTimestamp accepts RFC 3339 (a trailing literal Z means UTC) and, as a
// producer-compat fallback, a naive ISO-8601 timestamp interpreted as UTC.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := jsoncodec.Unmarshal(raw, &s); err != nil {
		return time.Time{}, &DecodeError{Kind: KindInvalidTimestamp, Err: err}
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	ts, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC)
	if err != nil {
		return time.Time{}, &DecodeError{Kind: KindInvalidTimestamp, Err: fmt.Errorf("occurred_at: %w", err)}
	}
	return ts, nil
}

func parseActor(raw json.RawMessage) (Actor, error) {
	var obj map[string]json.RawMessage
	if err := jsoncodec.Unmarshal(raw, &obj); err != nil {
		return Actor{}, &DecodeError{Kind: KindInvalidActor, Err: err}
	}
	if _, ok := obj["type"]; !ok {
		return Actor{}, &DecodeError{Kind: KindInvalidActor, Err: fmt.Errorf("actor.type is required")}
	}
	if _, ok := obj["id"]; !ok {
		return Actor{}, &DecodeError{Kind: KindInvalidActor, Err: fmt.Errorf("actor.id is required")}
	}

	var actor Actor
	if err := jsoncodec.Unmarshal(raw, &actor); err != nil {
		return Actor{}, &DecodeError{Kind: KindInvalidActor, Err: err}
	}
	return actor, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 4 && string(raw) == "null"
}
