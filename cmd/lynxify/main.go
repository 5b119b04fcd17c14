// Copyright 2026 The Lynxify Authors
// SPDX-License-Identifier: Apache-2.0

// Command lynxify inspects a running lynxify-agent through its status
// socket.
package main

import (
	"os"

	"github.com/lynxify-labs/lynxify/lib/process"
)

func main() {
	if err := root(newOutput(os.Stdout)).Execute(os.Args[1:], os.Stderr); err != nil {
		process.Fatal(err)
	}
}
