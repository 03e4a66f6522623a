// Package pipeline implements the effectively-once consumption pipeline
// shared by the audit and projection services.
//
// Per message the pipeline walks an explicit state machine:
//
//	Received -> Decoded -> Ledgered -> Applied | DeadLettered -> Acknowledged
//
// The consumption position advances exactly once per message, only after the
// terminal durable effect (ledger-gated skip, handler success, or an
// acknowledged dead-letter publish). A failed dead-letter publish leaves the
// message unacknowledged so redelivery restarts the pipeline from the top.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ggp-io/eventpipe/internal/envelope"
	"github.com/ggp-io/eventpipe/internal/ids"
	"github.com/ggp-io/eventpipe/internal/logging"
)

var (
	ErrSubscriberRequired  = errors.New("pipeline: subscriber is required")
	ErrHandlerRequired     = errors.New("pipeline: handler is required")
	ErrLedgerRequired      = errors.New("pipeline: ledger is required")
	ErrDeadLettersRequired = errors.New("pipeline: dead-letter publisher is required")
	ErrGroupRequired       = errors.New("pipeline: consumer group is required")
	ErrTopicsRequired      = errors.New("pipeline: at least one topic is required")
)

// SourceMeta is the log position a message was received from.
type SourceMeta struct {
	Topic     string
	Partition int32
	Offset    int64
}

// SourceFunc extracts the source position from a transport message. The
// pipeline fills in the topic when the extractor cannot.
type SourceFunc func(*message.Message) SourceMeta

// Handler applies the domain effect for one decoded envelope. Handlers must
// be idempotent per event id: the pipeline retries a handler after a
// transient failure without re-checking the ledger.
type Handler interface {
	Name() string
	Apply(ctx context.Context, env *envelope.Envelope, src SourceMeta) error
}

// Ledger is the sole authority for "has this consumer group already applied
// this event". TryMarkProcessed atomically inserts the (group, event id) key
// and reports whether the insertion was new.
type Ledger interface {
	TryMarkProcessed(ctx context.Context, group string, eventID uuid.UUID, eventType string, src SourceMeta) (bool, error)
}

// Config wires one Pipeline instance.
type Config struct {
	ConsumerGroup string
	Topics        []string
	Subscriber    message.Subscriber
	DeadLetters   *DeadLetterPublisher
	Ledger        Ledger
	Handler       Handler
	Retry         RetryPolicy
	Source        SourceFunc
	Logger        logging.Logger
	Metrics       *Metrics

	// Sleep replaces the backoff sleep; tests use it to count sleeps
	// without waiting. Defaults to a context-aware time.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Pipeline consumes one or more topics for a single consumer group and
// drives every message to a terminal state.
type Pipeline struct {
	group       string
	topics      []string
	subscriber  message.Subscriber
	deadLetters *DeadLetterPublisher
	ledger      Ledger
	handler     Handler
	policy      RetryPolicy
	source      SourceFunc
	sleep       func(ctx context.Context, d time.Duration) error
	logger      logging.Logger
	metrics     *Metrics
	tracer      trace.Tracer
}

// New validates cfg and builds a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Subscriber == nil:
		return nil, ErrSubscriberRequired
	case cfg.Handler == nil:
		return nil, ErrHandlerRequired
	case cfg.Ledger == nil:
		return nil, ErrLedgerRequired
	case cfg.DeadLetters == nil:
		return nil, ErrDeadLettersRequired
	case cfg.ConsumerGroup == "":
		return nil, ErrGroupRequired
	case len(cfg.Topics) == 0:
		return nil, ErrTopicsRequired
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	source := cfg.Source
	if source == nil {
		source = func(*message.Message) SourceMeta { return SourceMeta{} }
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	return &Pipeline{
		group:       cfg.ConsumerGroup,
		topics:      cfg.Topics,
		subscriber:  cfg.Subscriber,
		deadLetters: cfg.DeadLetters,
		ledger:      cfg.Ledger,
		handler:     cfg.Handler,
		policy:      cfg.Retry,
		source:      source,
		sleep:       sleep,
		logger:      logger.With(logging.Fields{"consumer_group": cfg.ConsumerGroup, "handler": cfg.Handler.Name()}),
		metrics:     cfg.Metrics,
		tracer:      otel.Tracer("eventpipe/pipeline"),
	}, nil
}

// Run subscribes to every configured topic and processes messages until ctx
// is cancelled and the subscriber closes its channels. Messages from one
// topic are processed strictly sequentially, preserving per-partition order;
// distinct topics proceed independently.
func (p *Pipeline) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, topic := range p.topics {
		msgs, err := p.subscriber.Subscribe(ctx, topic)
		if err != nil {
			return err
		}

		wg.Add(1)
		go func(topic string, msgs <-chan *message.Message) {
			defer wg.Done()
			for msg := range msgs {
				p.process(ctx, topic, msg)
			}
		}(topic, msgs)
	}

	p.logger.Info("pipeline running", logging.Fields{"topics": p.topics})
	wg.Wait()
	return nil
}

// process drives one message to a terminal state. It acknowledges at most
// once and never before the terminal side effect is durable.
func (p *Pipeline) process(ctx context.Context, topic string, msg *message.Message) {
	started := time.Now()
	src := p.source(msg)
	if src.Topic == "" {
		src.Topic = topic
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("messaging.source_topic", src.Topic),
		attribute.Int("messaging.partition", int(src.Partition)),
		attribute.Int64("messaging.offset", src.Offset),
	))
	defer span.End()

	log := p.logger.With(logging.Fields{
		"delivery_id": ids.NewDeliveryID(),
		"topic":       src.Topic,
		"partition":   src.Partition,
		"offset":      src.Offset,
	})

	// Received -> Decoded. A malformed envelope has no reliable event id to
	// ledger against, so it dead-letters immediately with zero retries.
	env, err := envelope.Decode(msg.Payload)
	if err != nil {
		log.Info("malformed envelope", logging.Fields{"reason": err.Error()})
		p.deadLetter(ctx, log, msg, Failure{Source: src, RetryCount: 0, Err: err, Raw: msg.Payload})
		p.metrics.observeDuration(src.Topic, time.Since(started))
		return
	}

	span.SetAttributes(
		attribute.String("event.id", env.EventID.String()),
		attribute.String("event.type", env.EventType),
	)
	log = log.With(logging.Fields{"event_id": env.EventID, "event_type": env.EventType})

	// Decoded -> Ledgered. The ledger insert is the sole duplicate gate; a
	// lost race means another delivery already owns this event.
	fresh, err := p.markProcessed(ctx, log, env, src)
	if err != nil {
		// The event itself is healthy; the ledger store is not. Leave the
		// message unacknowledged and let redelivery retry from the top.
		log.Error("ledger unavailable, leaving message for redelivery", err, nil)
		msg.Nack()
		return
	}
	if !fresh {
		log.Debug("duplicate delivery suppressed", nil)
		p.metrics.observeResult(src.Topic, ResultDuplicate)
		msg.Ack()
		return
	}

	// Ledgered -> Applied, with bounded retries for transient failures.
	attempts, err := p.applyWithRetry(ctx, log, env, src)
	if err == nil {
		p.metrics.observeResult(src.Topic, ResultApplied)
		p.metrics.observeDuration(src.Topic, time.Since(started))
		msg.Ack()
		return
	}
	if ctx.Err() != nil {
		log.Info("shutdown during processing, leaving message unacknowledged", nil)
		msg.Nack()
		return
	}

	// Ledgered -> DeadLettered, with the observed retry count recorded.
	log.Error("handler failed terminally", err, logging.Fields{"retry_count": attempts})
	p.deadLetter(ctx, log, msg, Failure{Source: src, RetryCount: attempts, Err: err, Raw: msg.Payload})
	p.metrics.observeDuration(src.Topic, time.Since(started))
}

// deadLetter publishes the failure record and acknowledges the original
// message only once the publish succeeded. A failed publish Nacks instead:
// nothing durable happened, so full redelivery is safe.
func (p *Pipeline) deadLetter(ctx context.Context, log logging.Logger, msg *message.Message, failure Failure) {
	if err := p.deadLetters.Publish(ctx, failure); err != nil {
		log.Error("dead-letter publish failed, leaving message for redelivery", err, nil)
		msg.Nack()
		return
	}
	p.metrics.observeResult(failure.Source.Topic, ResultDeadLettered)
	msg.Ack()
}

// markProcessed calls the ledger under the same transient-retry policy as
// the handler. It never dead-letters: a ledger outage is an infrastructure
// failure, not a poison event.
func (p *Pipeline) markProcessed(ctx context.Context, log logging.Logger, env *envelope.Envelope, src SourceMeta) (bool, error) {
	for attempt := 0; ; attempt++ {
		fresh, err := p.ledger.TryMarkProcessed(ctx, p.group, env.EventID, env.EventType, src)
		if err == nil {
			return fresh, nil
		}
		if p.policy.Classify(err) == ClassPermanent || attempt >= p.policy.MaxRetries {
			return false, err
		}

		delay := p.policy.Delay(attempt)
		log.Info("transient ledger failure, backing off", logging.Fields{"attempt": attempt, "delay": delay.String()})
		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			return false, sleepErr
		}
	}
}

// applyWithRetry invokes the handler inside an explicit bounded loop and
// returns the number of retries consumed, so terminal failures report an
// exact retry count.
func (p *Pipeline) applyWithRetry(ctx context.Context, log logging.Logger, env *envelope.Envelope, src SourceMeta) (int, error) {
	for attempt := 0; ; attempt++ {
		err := p.handler.Apply(ctx, env, src)
		if err == nil {
			return attempt, nil
		}
		if p.policy.Classify(err) == ClassPermanent || attempt >= p.policy.MaxRetries {
			return attempt, err
		}

		delay := p.policy.Delay(attempt)
		p.metrics.observeRetry(src.Topic)
		log.Info("transient handler failure, backing off", logging.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
			"reason":  err.Error(),
		})
		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			return attempt, sleepErr
		}
	}
}

// sleepContext sleeps for d unless ctx is cancelled first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
