// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the YAML configuration of the Lynxify agent.
//
// Configuration comes from a single file named by the LYNXIFY_CONFIG
// environment variable (via [Load]) or a --config flag (via
// [LoadFile]). There is no search path and no per-field environment
// override; the file is the single source of truth.
//
// The file may contain development, staging and production sections
// whose non-empty fields override the base values when
// [Config].Environment matches.
//
// Path fields and the ledger broker list support ${VAR} and
// ${VAR:-default} expansion, with ${LYNXIFY_ROOT} referring to
// paths.root.
//
// The index token policy (symbols, static weights, initial weights)
// can live inline under index.tokens or in a JSONC file named by
// index.policy_file; see [LoadPolicy].
package config
