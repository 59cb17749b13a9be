// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Optobridge - VS2 Optolink bump-in-the-wire bridge
//
// Forwards traffic between a heating controller and its gateway unchanged,
// publishes the values it sees and optionally polls additional addresses.

package main

import (
	"os"

	"github.com/Thermoquad/optobridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
