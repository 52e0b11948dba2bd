// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset bms|events|stats",
	Short: "Restart the BMS or clear its event log or statistics",
	Long: `Send the reset command (0x02) with one of its options:

  bms     restart the BMS (option 0x05)
  events  clear the event log (option 0x01)
  stats   clear the BMS statistics (option 0x02)

Resets are acknowledged but not read back.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"bms", "events", "stats"},
	RunE:      runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	switch args[0] {
	case "bms":
		err = s.client.Restart(ctx)
	case "events":
		err = s.client.ClearEvents(ctx)
	case "stats":
		err = s.client.ClearStatistics(ctx)
	default:
		return fmt.Errorf("unknown reset target %q (bms, events or stats)", args[0])
	}
	if err != nil {
		return err
	}
	fmt.Printf("Reset %s: OK\n", args[0])
	return nil
}
