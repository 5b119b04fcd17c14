// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lynxify-labs/lynxify/lib/testutil"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: ":memory:", Logger: testutil.Logger(t)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegistrationRoundTrip(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	if _, found, err := s.LoadRegistration(ctx, "0.0.5001"); err != nil || found {
		t.Fatalf("LoadRegistration on empty store = found %v, err %v", found, err)
	}

	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	want := Registration{
		AccountID:       "0.0.5001",
		InboundTopicID:  "0.0.1001",
		OutboundTopicID: "0.0.1002",
		RegistryTopicID: "0.0.1000",
		CreatedAt:       created,
	}
	if err := s.SaveRegistration(ctx, want); err != nil {
		t.Fatalf("SaveRegistration: %v", err)
	}
	got, found, err := s.LoadRegistration(ctx, "0.0.5001")
	if err != nil || !found {
		t.Fatalf("LoadRegistration = found %v, err %v", found, err)
	}
	if got != want {
		t.Errorf("LoadRegistration = %+v, want %+v", got, want)
	}

	want.InboundTopicID = "0.0.2001"
	if err := s.SaveRegistration(ctx, want); err != nil {
		t.Fatalf("SaveRegistration (update): %v", err)
	}
	got, _, _ = s.LoadRegistration(ctx, "0.0.5001")
	if got.InboundTopicID != "0.0.2001" {
		t.Errorf("InboundTopicID after update = %q", got.InboundTopicID)
	}
}

func TestSaveRegistrationRequiresTopic(t *testing.T) {
	s := openMemory(t)
	if err := s.SaveRegistration(context.Background(), Registration{AccountID: "0.0.1"}); err == nil {
		t.Fatal("SaveRegistration without inbound topic succeeded")
	}
}

func TestConnections(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.SaveConnection(ctx, "0.0.7", "0.0.1007", now); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveConnection(ctx, "0.0.8", "0.0.1008", now); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveConnection(ctx, "0.0.7", "0.0.2007", now); err != nil {
		t.Fatal(err)
	}

	connections, err := s.Connections(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(connections) != 2 || connections["0.0.7"] != "0.0.2007" || connections["0.0.8"] != "0.0.1008" {
		t.Errorf("Connections = %v", connections)
	}
}

func TestCheckpointNeverMovesBackwards(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	if seq, err := s.Checkpoint(ctx, "0.0.1001"); err != nil || seq != 0 {
		t.Fatalf("Checkpoint on empty store = %d, %v", seq, err)
	}
	for _, seq := range []uint64{3, 9, 4} {
		if err := s.SaveCheckpoint(ctx, "0.0.1001", seq); err != nil {
			t.Fatal(err)
		}
	}
	if seq, _ := s.Checkpoint(ctx, "0.0.1001"); seq != 9 {
		t.Errorf("Checkpoint = %d, want 9", seq)
	}
	if seq, _ := s.Checkpoint(ctx, "0.0.1002"); seq != 0 {
		t.Errorf("Checkpoint of other topic = %d, want 0", seq)
	}
}

func TestMemoryStoresAreSeparate(t *testing.T) {
	first, second := openMemory(t), openMemory(t)
	ctx := context.Background()

	if err := first.SaveCheckpoint(ctx, "0.0.1001", 7); err != nil {
		t.Fatal(err)
	}
	if seq, err := first.Checkpoint(ctx, "0.0.1001"); err != nil || seq != 7 {
		t.Errorf("first Checkpoint = %d, %v", seq, err)
	}
	if seq, err := second.Checkpoint(ctx, "0.0.1001"); err != nil || seq != 0 {
		t.Errorf("second Checkpoint = %d, %v; want 0", seq, err)
	}
}

type snapshotFixture struct {
	Weights  map[string]float64
	Pending  []string
	Sequence uint64
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	var empty snapshotFixture
	if found, err := s.LoadSnapshot(ctx, "index", &empty); err != nil || found {
		t.Fatalf("LoadSnapshot on empty store = found %v, err %v", found, err)
	}

	want := snapshotFixture{
		Weights:  map[string]float64{"BTC": 0.6, "ETH": 0.4},
		Pending:  []string{"p-1", "p-2"},
		Sequence: 42,
	}
	if err := s.SaveSnapshot(ctx, "index", want, time.Now()); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	var got snapshotFixture
	found, err := s.LoadSnapshot(ctx, "index", &got)
	if err != nil || !found {
		t.Fatalf("LoadSnapshot = found %v, err %v", found, err)
	}
	if got.Sequence != 42 || got.Weights["BTC"] != 0.6 || got.Weights["ETH"] != 0.4 || len(got.Pending) != 2 {
		t.Errorf("LoadSnapshot = %+v", got)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s, err := Open(Config{Path: path, PoolSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCheckpoint(ctx, "0.0.1001", 17); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if seq, err := reopened.Checkpoint(ctx, "0.0.1001"); err != nil || seq != 17 {
		t.Errorf("Checkpoint after reopen = %d, %v", seq, err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("Open with empty path succeeded")
	}
}
