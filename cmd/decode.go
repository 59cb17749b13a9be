// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/optobridge/pkg/vs2"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <hex>...",
	Short: "Decode captured VS2 frames",
	Long: `Decode one frame per argument and print it in human-readable form.

Frames sent to the controller are decoded as requests. Use --response for
bytes sent by the controller, which start with ACK, NACK or ENQ.

Example:
  optobridge decode "41 05 00 21 20 03 01 4a"
  optobridge decode --response 06410701012003020a0038`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDecode,
}

var decodeResponse bool

func init() {
	rootCmd.AddCommand(decodeCmd)
	decodeCmd.Flags().BoolVarP(&decodeResponse, "response", "r", false, "Decode as controller response")
}

func runDecode(cmd *cobra.Command, args []string) error {
	dir := vs2.GatewayToController
	if decodeResponse {
		dir = vs2.ControllerToGateway
	}
	if failed := decodeFrames(cmd.OutOrStdout(), args, dir); failed > 0 {
		return fmt.Errorf("%d of %d frames could not be decoded", failed, len(args))
	}
	return nil
}

// decodeFrames prints one line per frame and returns the number of failures
func decodeFrames(w io.Writer, frames []string, dir vs2.Direction) int {
	failed := 0
	for _, arg := range frames {
		data, err := parseHex(arg)
		if err != nil {
			fmt.Fprintf(w, "%s: [ERROR] %v\n", arg, err)
			failed++
			continue
		}

		msg, err := vs2.DecodeDirection(data, dir)
		if err != nil {
			fmt.Fprintf(w, "%x: [ERROR] %v\n", data, err)
			failed++
			continue
		}
		fmt.Fprintf(w, "%x: %s\n", data, vs2.FormatMessage(msg))
	}
	return failed
}

// parseHex accepts hex with optional spaces, colons and a 0x prefix
func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.NewReplacer(" ", "", ":", "").Replace(s)
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return data, nil
}
