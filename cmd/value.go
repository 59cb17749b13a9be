// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/optobridge/internal/datapoint"
	"github.com/Thermoquad/optobridge/pkg/vs2"
)

// kindDebug lists every plausible interpretation instead of decoding one kind
const kindDebug = "debug"

var valueCmd = &cobra.Command{
	Use:   "value <kind> <hex>",
	Short: "Decode a payload as a data point value",
	Long: `Decode payload bytes the way a configured data point would.

The kind is any data point kind (uint16, int32be, float32, bit4, string, ...).
The kind "debug" prints every kind that could have produced the bytes, which
helps identifying unknown addresses.

Example:
  optobridge value --scale 0.1 uint16 "0a 00"
  optobridge value debug 0a00`,
	Args: cobra.ExactArgs(2),
	RunE: runValue,
}

var valueScale float64

func init() {
	rootCmd.AddCommand(valueCmd)
	valueCmd.Flags().Float64VarP(&valueScale, "scale", "s", 0, "Scale factor (0 for none)")
}

func runValue(cmd *cobra.Command, args []string) error {
	data, err := parseHex(args[1])
	if err != nil {
		return err
	}
	return printValue(cmd.OutOrStdout(), args[0], data, valueScale)
}

func printValue(w io.Writer, kindName string, data []byte, scale float64) error {
	if strings.EqualFold(strings.TrimSpace(kindName), kindDebug) {
		for _, c := range vs2.DecodeCandidates(data) {
			fmt.Fprintf(w, "%-10s %s\n", c.Kind, vs2.FormatValue(c.Value))
		}
		return nil
	}

	kind, err := vs2.ParseKind(kindName)
	if err != nil {
		return err
	}
	dp := datapoint.DataPoint{Name: "value", Kind: kind}
	if scale != 0 {
		dp.Scale = &scale
	}
	v, err := dp.Decode(data)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, vs2.FormatValue(v))
	return nil
}
