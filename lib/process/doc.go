// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers for the Lynxify binaries:
// the structured logger built from command-line flags, and fatal error
// reporting for failures that happen before that logger exists.
package process
