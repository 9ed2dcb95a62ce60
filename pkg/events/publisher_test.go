package events

import (
	"context"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/lumadb/scarab/pkg/epoch"
)

func TestNewPublisherDisabledWithoutBrokers(t *testing.T) {
	p, err := NewPublisher(nil, "scarab.epoch-events", "node-1", zap.NewNop())
	if err != nil {
		t.Fatalf("NewPublisher with no brokers failed: %v", err)
	}
	if p != nil {
		t.Fatal("Expected nil publisher when no brokers are configured")
	}
	// Nil publisher must be safe to close.
	p.Close()
}

func TestNilPublisherAsNotifier(t *testing.T) {
	// A typed-nil *Publisher stored in the interface is not a nil interface,
	// so it passes the caller's nil check and its methods get invoked. Every
	// notifier method must tolerate the nil receiver.
	var p *Publisher
	var n epoch.Notifier = p
	if n == nil {
		t.Fatal("Typed-nil publisher should produce a non-nil interface")
	}

	ctx := context.Background()
	n.EpochActivated(ctx, "orders", 1, 0)
	last := uint32(3)
	n.EpochSealed(ctx, "orders", 1, &last)
	n.EpochSealed(ctx, "orders", 1, nil)
}

func TestEpochEventEncoding(t *testing.T) {
	last := uint32(99)
	in := EpochEvent{
		Type:            TypeSealed,
		Partition:       "orders",
		Epoch:           7,
		LastKnownOffset: &last,
		NodeID:          "node-1",
		TimestampMs:     1724572800000,
	}

	data, err := msgpack.Marshal(&in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var out EpochEvent
	if err := msgpack.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out.Type != TypeSealed || out.Partition != "orders" || out.Epoch != 7 {
		t.Errorf("Round trip mismatch: %+v", out)
	}
	if out.LastKnownOffset == nil || *out.LastKnownOffset != 99 {
		t.Errorf("LastKnownOffset = %v, want 99", out.LastKnownOffset)
	}
}
