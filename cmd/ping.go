// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/bmslink/pkg/client"
)

var (
	pingCount int
	pingPause time.Duration
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Repeatedly read the probe register and report round-trip times",
	Long: `Read the probe register (fully charged voltage, 0x012C) several times
through the client and report the round-trip time of each read, including
any retries, followed by a loss summary.

Exit codes:
  0 - All reads answered
  1 - One or more reads failed, or connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingCount, "count", 5, "Number of reads to send")
	pingCmd.Flags().DurationVar(&pingPause, "pause", 200*time.Millisecond, "Delay between reads")
}

func runPing(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	probe := s.client.Config().ProbeRegister
	fmt.Printf("bmslink - Ping\n")
	fmt.Printf("Connection: %s\n", s.connInfo)
	fmt.Printf("Count: %d reads of 0x%04X\n\n", pingCount, probe)

	successCount := 0
	var total time.Duration
	sent := 0
	for i := 1; i <= pingCount && ctx.Err() == nil; i++ {
		fmt.Printf("Read %d/%d: ", i, pingCount)
		sent++

		before := s.client.Stats().Retries
		startTime := time.Now()
		v, err := s.client.ReadRegister(ctx, probe)
		rtt := time.Since(startTime)
		retries := s.client.Stats().Retries - before

		if err != nil {
			fmt.Printf("%s (%v)\n", client.CodeOf(err), err)
		} else {
			fmt.Printf("value=%d rtt=%v retries=%d\n", v, rtt.Round(time.Millisecond), retries)
			successCount++
			total += rtt
		}

		if i < pingCount {
			select {
			case <-ctx.Done():
			case <-time.After(pingPause):
			}
		}
	}

	fmt.Printf("\n--- Ping statistics ---\n")
	if sent == 0 {
		return nil
	}
	fmt.Printf("%d reads sent, %d answered, %.0f%% loss\n",
		sent, successCount, float64(sent-successCount)/float64(sent)*100)
	if successCount > 0 {
		fmt.Printf("average rtt %v\n", (total / time.Duration(successCount)).Round(time.Millisecond))
	}

	if successCount < sent {
		return fmt.Errorf("%d of %d reads failed", sent-successCount, sent)
	}
	return nil
}
