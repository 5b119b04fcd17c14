// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns "prefix-N" with N increasing across the test binary.
//
//	requestID := testutil.UniqueID("req") // "req-1", "req-2", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}

// UniqueAccountID returns a ledger-style account id "0.0.N" that no
// other call in the test binary returns. Agent ids in tests use it so
// several agents can share one in-memory ledger.
func UniqueAccountID() string {
	return fmt.Sprintf("0.0.%d", 500000+uniqueCounter.Add(1))
}
