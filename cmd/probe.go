// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/bmslink/pkg/client"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check that the BMS answers",
	Long: `Open the connection, start the client and read the probe register
(fully charged voltage, 0x012C). Prints the connection state and the
transaction statistics.

Exit codes:
  0 - BMS answered
  1 - BMS did not answer or the connection failed`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Printf("bmslink - Probe\n")
	fmt.Printf("Connection: %s\n", s.connInfo)
	fmt.Printf("State: %s\n\n", s.client.State())
	fmt.Print(s.client.Stats().String())

	if s.client.State() != client.StateConnected {
		return fmt.Errorf("BMS did not answer the probe")
	}
	return nil
}
