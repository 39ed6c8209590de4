// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command dropsync runs the sync server and inspects the local replica of a client.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
