// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/optobridge/internal/config"
	"github.com/Thermoquad/optobridge/internal/datapoint"
	"github.com/Thermoquad/optobridge/internal/trace"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <trace-file> [addr...]",
	Short: "Summarize a packet trace",
	Long: `Read a packet trace and summarize the traffic per address.

The trace is either a log written with --log-level trace, or a file with one
packet per line ("Vitoconnect → Optolink 4105..." or bare hex). Use "-" to
read from standard input.

Addresses are grouped by how their values behaved. Known addresses are
decoded with the data points of the configuration, if one is found.

With addresses given, only the value changes of those addresses are printed.

Example:
  optobridge analyze bridge.log
  optobridge analyze bridge.log 0x0800 0x2003`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	filter, err := parseAddrs(args[1:])
	if err != nil {
		return err
	}
	table, err := analysisTable()
	if err != nil {
		return err
	}

	var in io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer f.Close()
		in = f
	}

	a := trace.NewAnalyzer(table, filter...)
	if _, err := a.ReadFrom(in); err != nil {
		return fmt.Errorf("read trace: %w", err)
	}
	a.WriteReport(cmd.OutOrStdout())
	return nil
}

// analysisTable loads the data points of the configuration. A missing
// configuration leaves every address unknown.
func analysisTable() (*datapoint.Table, error) {
	path, err := config.Resolve(configPath)
	if errors.Is(err, config.ErrNotFound) {
		return datapoint.NewTable(nil)
	}
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg.Table()
}

// parseAddrs parses addresses in decimal or 0x hex notation
func parseAddrs(args []string) ([]uint16, error) {
	addrs := make([]uint16, 0, len(args))
	for _, arg := range args {
		v, err := strconv.ParseUint(arg, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", arg, err)
		}
		addrs = append(addrs, uint16(v))
	}
	return addrs, nil
}
