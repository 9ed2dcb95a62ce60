// Package events publishes epoch lifecycle events to a Kafka topic so
// downstream consumers learn activation and seal points without polling
// the coordinators.
package events

import (
	"context"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Event types carried on the topic.
const (
	TypeActivated = "epoch_activated"
	TypeSealed    = "epoch_sealed"
)

// EpochEvent is the msgpack payload of one record. Records are keyed by
// partition id, so one log partition sees a partition's events in order.
type EpochEvent struct {
	Type            string  `msgpack:"type"`
	Partition       string  `msgpack:"partition"`
	Epoch           uint64  `msgpack:"epoch"`
	StartOffset     uint32  `msgpack:"start_offset"`
	LastKnownOffset *uint32 `msgpack:"last_known_offset"`
	NodeID          string  `msgpack:"node_id"`
	TimestampMs     int64   `msgpack:"timestamp_ms"`
}

// Publisher implements epoch.Notifier over a Kafka producer. Publishing is
// asynchronous and best effort: the epoch state machine never waits on the
// broker.
type Publisher struct {
	client *kgo.Client
	topic  string
	nodeID string
	logger *zap.Logger
}

// NewPublisher connects a producer. Returns (nil, nil) when no brokers are
// configured; a nil *Publisher is safe to pass wherever a notifier is
// optional.
func NewPublisher(brokers []string, topic, nodeID string, logger *zap.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	if err != nil {
		return nil, err
	}

	logger.Info("Epoch event publisher connected",
		zap.Strings("brokers", brokers),
		zap.String("topic", topic),
	)
	return &Publisher{client: client, topic: topic, nodeID: nodeID, logger: logger}, nil
}

// EpochActivated implements epoch.Notifier. A nil receiver is a no-op; a
// typed-nil *Publisher stored in the interface survives the caller's
// nil-interface check.
func (p *Publisher) EpochActivated(ctx context.Context, partition string, epoch uint64, startOffset uint32) {
	if p == nil {
		return
	}
	p.publish(ctx, EpochEvent{
		Type:        TypeActivated,
		Partition:   partition,
		Epoch:       epoch,
		StartOffset: startOffset,
	})
}

// EpochSealed implements epoch.Notifier. A nil receiver is a no-op.
func (p *Publisher) EpochSealed(ctx context.Context, partition string, epoch uint64, lastKnown *uint32) {
	if p == nil {
		return
	}
	p.publish(ctx, EpochEvent{
		Type:            TypeSealed,
		Partition:       partition,
		Epoch:           epoch,
		LastKnownOffset: lastKnown,
	})
}

// Close flushes pending records and releases the producer.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("Failed to flush epoch events", zap.Error(err))
	}
	p.client.Close()
}

func (p *Publisher) publish(ctx context.Context, event EpochEvent) {
	event.NodeID = p.nodeID
	event.TimestampMs = time.Now().UnixMilli()

	data, err := msgpack.Marshal(&event)
	if err != nil {
		p.logger.Error("Failed to encode epoch event", zap.Error(err))
		return
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.Partition),
		Value: data,
	}
	p.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		if err != nil {
			p.logger.Error("Failed to publish epoch event",
				zap.String("type", event.Type),
				zap.String("partition", event.Partition),
				zap.Error(err),
			)
		}
	})
}
