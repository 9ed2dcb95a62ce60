package cluster

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/lumadb/scarab/pkg/epoch"
)

func TestSingleNodeCommitRule(t *testing.T) {
	s := NewSingleNode(zap.NewNop())
	ctx := context.Background()

	committed, err := s.ProposeEpochActivation(ctx, "orders", 1)
	if err != nil {
		t.Fatalf("ProposeEpochActivation failed: %v", err)
	}
	if committed != 1 {
		t.Errorf("Committed epoch = %d, want 1", committed)
	}

	// Equal candidates lose, and the rejection carries the committed epoch.
	_, err = s.ProposeEpochActivation(ctx, "orders", 1)
	var stale *epoch.StaleEpochError
	if !errors.As(err, &stale) {
		t.Fatalf("Expected *epoch.StaleEpochError, got %v", err)
	}
	if stale.Committed != 1 {
		t.Errorf("Rejection carries committed epoch %d, want 1", stale.Committed)
	}

	if _, err := s.ProposeEpochActivation(ctx, "orders", 5); err != nil {
		t.Fatalf("Higher candidate failed: %v", err)
	}
	last, err := s.LastCommittedEpoch(ctx, "orders")
	if err != nil || last != 5 {
		t.Errorf("LastCommittedEpoch = (%d, %v), want (5, nil)", last, err)
	}

	// Other partitions are untouched.
	if last, _ := s.LastCommittedEpoch(ctx, "payments"); last != 0 {
		t.Errorf("Unrelated partition committed epoch = %d, want 0", last)
	}
}

func TestSingleNodeDrivesEpochManager(t *testing.T) {
	s := NewSingleNode(zap.NewNop())
	ctx := context.Background()

	m, err := epoch.NewManager(t.TempDir(), "node-solo", s, s, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()

	if _, err := m.Activate(ctx, "orders", 1, 0); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	a, err := m.AssignOffset("orders")
	if err != nil {
		t.Fatalf("AssignOffset failed: %v", err)
	}
	if a.Epoch != 1 || a.Offset != 0 {
		t.Errorf("Assigned (%d, %d), want (1, 0)", a.Epoch, a.Offset)
	}

	if _, err := m.Seal(ctx, "orders"); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	sp, ok := s.SealPoint("orders")
	if !ok {
		t.Fatal("Seal point not recorded")
	}
	if sp.Epoch != 1 || sp.LastKnown == nil || *sp.LastKnown != 0 {
		t.Errorf("Seal point = %+v, want epoch 1 last offset 0", sp)
	}

	// Stale local candidates bounce off the recorded commit.
	_, err = m.Activate(ctx, "orders", 1, 0)
	var stale *epoch.StaleEpochError
	if !errors.As(err, &stale) {
		t.Errorf("Expected *epoch.StaleEpochError, got %v", err)
	}
}
