// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build version of the Lynxify binaries.
//
// Values are injected at build time via -ldflags, for example:
//
//	go build -ldflags "-X github.com/lynxify-labs/lynxify/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version
