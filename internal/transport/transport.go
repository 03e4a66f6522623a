// Package transport builds the Kafka publisher and subscriber the pipeline
// runs on. Messages are keyed through the partition-key metadata field, so
// every event for one entity stays on one partition.
package transport

import (
	"fmt"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ggp-io/eventpipe/internal/pipeline"
)

// PublisherFactory allows overriding publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

// marshaler keys outgoing messages by the partition-key metadata set by the
// producing side. Messages without one fall back to their delivery id, which
// spreads them across partitions.
var marshaler = kafka.NewWithPartitioningMarshaler(func(_ string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(pipeline.PartitionKeyMetadata); key != "" {
		return key, nil
	}
	return msg.UUID, nil
})

// NewPublisher builds a Kafka publisher for the given brokers.
func NewPublisher(brokers []string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	pub, err := PublisherFactory(kafka.PublisherConfig{
		Brokers:   brokers,
		Marshaler: marshaler,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	return pub, nil
}

// NewSubscriber builds a consumer-group subscriber. New groups start at the
// earliest offset so a fresh deployment replays the full retained log.
func NewSubscriber(brokers []string, consumerGroup string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	saramaCfg := kafka.DefaultSaramaSubscriberConfig()
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	sub, err := SubscriberFactory(kafka.SubscriberConfig{
		Brokers:               brokers,
		Unmarshaler:           marshaler,
		ConsumerGroup:         consumerGroup,
		OverwriteSaramaConfig: saramaCfg,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("kafka subscriber: %w", err)
	}
	return sub, nil
}

// Source is a pipeline.SourceFunc reading the Kafka coordinates the
// subscriber stored on the message context, for dead-letter records and log
// fields. The pipeline fills in the topic itself when the context carries
// none.
func Source(msg *message.Message) pipeline.SourceMeta {
	ctx := msg.Context()
	meta := pipeline.SourceMeta{}
	if partition, ok := kafka.MessagePartitionFromCtx(ctx); ok {
		meta.Partition = partition
	}
	if offset, ok := kafka.MessagePartitionOffsetFromCtx(ctx); ok {
		meta.Offset = offset
	}
	return meta
}
