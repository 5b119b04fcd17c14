// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"
)

type snapshot struct {
	Weights   map[string]float64 `cbor:"weights"`
	Proposals []string           `cbor:"proposals"`
	SavedAt   time.Time          `cbor:"saved_at"`
}

func TestBlobRoundTripSmallStaysRaw(t *testing.T) {
	value := snapshot{Weights: map[string]float64{"BTC": 0.5}, SavedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	blob, err := MarshalBlob(value)
	if err != nil {
		t.Fatal(err)
	}
	if blob[0] != blobRaw {
		t.Errorf("small blob header = 0x%02x, want raw", blob[0])
	}

	var decoded snapshot
	if err := UnmarshalBlob(blob, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Weights["BTC"] != 0.5 || !decoded.SavedAt.Equal(value.SavedAt) {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestBlobCompressesRepetitiveData(t *testing.T) {
	value := snapshot{Weights: map[string]float64{}}
	for i := 0; i < 200; i++ {
		value.Proposals = append(value.Proposals, fmt.Sprintf("proposal-%04d-%s", i, strings.Repeat("x", 20)))
	}
	raw, _ := Marshal(value)
	blob, err := MarshalBlob(value)
	if err != nil {
		t.Fatal(err)
	}
	if blob[0] != blobZstd {
		t.Fatalf("header = 0x%02x, want zstd", blob[0])
	}
	if len(blob) >= len(raw) {
		t.Errorf("compressed %d bytes, raw %d", len(blob), len(raw))
	}

	var decoded snapshot
	if err := UnmarshalBlob(blob, &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded.Proposals) != 200 || decoded.Proposals[199] != value.Proposals[199] {
		t.Errorf("proposals not preserved")
	}
}

func TestUnmarshalBlobRejectsGarbage(t *testing.T) {
	var decoded snapshot
	for _, blob := range [][]byte{nil, {0x09, 0x01}, {blobZstd, 0xde, 0xad}} {
		if err := UnmarshalBlob(blob, &decoded); err == nil {
			t.Errorf("UnmarshalBlob(%x) succeeded", blob)
		}
	}
}

func TestMarshalIsDeterministic(t *testing.T) {
	value := map[string]float64{"ETH": 0.3, "BTC": 0.5, "HBAR": 0.2}
	first, _ := Marshal(value)
	for i := 0; i < 20; i++ {
		again, _ := Marshal(map[string]float64{"HBAR": 0.2, "BTC": 0.5, "ETH": 0.3})
		if !bytes.Equal(first, again) {
			t.Fatal("encoding depends on map iteration order")
		}
	}
}
