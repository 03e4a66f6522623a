package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ggp-io/eventpipe/internal/envelope"
	"github.com/ggp-io/eventpipe/internal/ids"
	"github.com/ggp-io/eventpipe/internal/jsoncodec"
	"github.com/ggp-io/eventpipe/internal/logging"
)

// PartitionKeyMetadata is the message metadata key the Kafka marshaler reads
// to choose a partition key. Dead-letter records are keyed by source topic so
// operators can group them during inspection.
const PartitionKeyMetadata = "partition_key"

// maxErrorMessageLen bounds error_message in a dead-letter record.
const maxErrorMessageLen = 2000

// DeadLetterRecord is the standardized failure record published to a
// dead-letter topic. Event preserves the original input verbatim for
// operator replay, even when it was never decodable.
type DeadLetterRecord struct {
	FailedAt      time.Time       `json:"failed_at"`
	ConsumerGroup string          `json:"consumer_group"`
	SourceTopic   string          `json:"source_topic"`
	Partition     int32           `json:"partition"`
	Offset        int64           `json:"offset"`
	RetryCount    int             `json:"retry_count"`
	ErrorType     string          `json:"error_type"`
	ErrorMessage  string          `json:"error_message"`
	Event         json.RawMessage `json:"event"`
}

// Failure describes a terminally failed message on its way to the
// dead-letter channel.
type Failure struct {
	Source     SourceMeta
	RetryCount int
	Err        error
	Raw        []byte
}

// DeadLetterPublisher emits failure records to one dead-letter topic. Publish
// is synchronous: it returns only once the transport durably accepted the
// record, so callers can safely acknowledge the original message afterwards.
type DeadLetterPublisher struct {
	publisher message.Publisher
	topic     string
	group     string
	logger    logging.Logger
	now       func() time.Time
}

// NewDeadLetterPublisher builds a publisher for the given dead-letter topic
// on behalf of one consumer group.
func NewDeadLetterPublisher(publisher message.Publisher, topic, group string, logger logging.Logger) *DeadLetterPublisher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &DeadLetterPublisher{
		publisher: publisher,
		topic:     topic,
		group:     group,
		logger:    logger,
		now:       time.Now,
	}
}

// Publish emits one dead-letter record and blocks until the transport
// acknowledges it.
func (d *DeadLetterPublisher) Publish(ctx context.Context, failure Failure) error {
	record := DeadLetterRecord{
		FailedAt:      d.now().UTC(),
		ConsumerGroup: d.group,
		SourceTopic:   failure.Source.Topic,
		Partition:     failure.Source.Partition,
		Offset:        failure.Source.Offset,
		RetryCount:    failure.RetryCount,
		ErrorType:     errorTypeOf(failure.Err),
		ErrorMessage:  truncate(failure.Err.Error(), maxErrorMessageLen),
		Event:         rawEvent(failure.Raw),
	}

	body, err := jsoncodec.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal dead-letter record: %w", err)
	}

	msg := message.NewMessage(ids.NewDeliveryID(), body)
	msg.Metadata.Set(PartitionKeyMetadata, failure.Source.Topic)
	msg.SetContext(ctx)

	if err := d.publisher.Publish(d.topic, msg); err != nil {
		return fmt.Errorf("publish dead-letter record to %s: %w", d.topic, err)
	}

	d.logger.Info("dead-lettered message", logging.Fields{
		"dlq_topic":    d.topic,
		"source_topic": failure.Source.Topic,
		"partition":    failure.Source.Partition,
		"offset":       failure.Source.Offset,
		"retry_count":  failure.RetryCount,
		"error_type":   record.ErrorType,
	})
	return nil
}

// rawEvent embeds the original input in the record. Valid JSON passes
// through byte-for-byte; anything else is preserved as a JSON string so the
// record itself stays well-formed.
func rawEvent(raw []byte) json.RawMessage {
	if jsoncodec.Valid(raw) {
		return json.RawMessage(raw)
	}
	quoted, err := jsoncodec.Marshal(string(raw))
	if err != nil {
		return json.RawMessage(`null`)
	}
	return json.RawMessage(quoted)
}

func errorTypeOf(err error) string {
	var decodeErr *envelope.DecodeError
	if errors.As(err, &decodeErr) {
		return "decode_error:" + string(decodeErr.Kind)
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return "permanent"
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return "transient"
	}
	return fmt.Sprintf("%T", err)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
