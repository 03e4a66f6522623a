// Package events is the producer-side counterpart of the pipeline: it wraps
// a publisher so every outgoing event carries a complete canonical envelope
// and a stable partition key.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"

	"github.com/ggp-io/eventpipe/internal/envelope"
	"github.com/ggp-io/eventpipe/internal/ids"
	"github.com/ggp-io/eventpipe/internal/jsoncodec"
	"github.com/ggp-io/eventpipe/internal/logging"
	"github.com/ggp-io/eventpipe/internal/pipeline"
)

// SchemaVersion is stamped on every emitted envelope.
const SchemaVersion = 1

var errPublisherRequired = errors.New("events: publisher is required")

// Event describes one domain occurrence to emit. EntityID keys partitioning
// so all events for one entity land on one partition, in order.
type Event struct {
	Type     string
	EntityID string
	Actor    envelope.Actor
	TenantID string
	Payload  any

	// CorrelationID and CausationID tie the event into an existing flow.
	// A zero CorrelationID gets a fresh one.
	CorrelationID uuid.UUID
	CausationID   *uuid.UUID
}

// Emitter publishes canonical envelopes. The topic is the event type, so
// consumers subscribe by type name.
type Emitter struct {
	publisher message.Publisher
	producer  string
	logger    logging.Logger
	now       func() time.Time
}

// NewEmitter builds an emitter. Producer identifies this service in the
// envelope's producer field.
func NewEmitter(publisher message.Publisher, producer string, logger logging.Logger) (*Emitter, error) {
	if publisher == nil {
		return nil, errPublisherRequired
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Emitter{
		publisher: publisher,
		producer:  producer,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Emit builds the envelope for ev and publishes it to the topic named by
// ev.Type. It returns the assigned event id.
func (e *Emitter) Emit(ctx context.Context, ev Event) (uuid.UUID, error) {
	payload, err := jsoncodec.Marshal(ev.Payload)
	if err != nil {
		return uuid.Nil, err
	}

	correlation := ev.CorrelationID
	if correlation == uuid.Nil {
		correlation = uuid.New()
	}

	env := envelope.Envelope{
		EventID:       uuid.New(),
		EventType:     ev.Type,
		OccurredAt:    e.now().UTC(),
		Producer:      e.producer,
		CorrelationID: correlation,
		CausationID:   ev.CausationID,
		Actor:         ev.Actor,
		TenantID:      ev.TenantID,
		SchemaVersion: SchemaVersion,
		Payload:       json.RawMessage(payload),
	}
	body, err := envelope.Encode(&env)
	if err != nil {
		return uuid.Nil, err
	}

	msg := message.NewMessage(ids.NewDeliveryID(), body)
	msg.SetContext(ctx)
	if ev.EntityID != "" {
		msg.Metadata.Set(pipeline.PartitionKeyMetadata, ev.EntityID)
	} else {
		msg.Metadata.Set(pipeline.PartitionKeyMetadata, correlation.String())
	}

	if err := e.publisher.Publish(ev.Type, msg); err != nil {
		return uuid.Nil, err
	}
	e.logger.Debug("event emitted", logging.Fields{
		"event_id":   env.EventID.String(),
		"event_type": ev.Type,
	})
	return env.EventID, nil
}
