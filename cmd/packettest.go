// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/bmslink/pkg/tinybms"
)

var packetTestTimeout time.Duration

var packetTestCmd = &cobra.Command{
	Use:   "packet_test",
	Short: "Send one raw read request and wait for a valid frame",
	Long: `Send a single read individual request for the probe register straight to
the connection, bypassing the client queue and retries, and wait for any
CRC-valid frame in reply. Line noise before the frame is counted and skipped.

Exit codes:
  0 - Valid frame received before timeout
  1 - Timeout, read error or connection error

Useful for checking the wiring or a WebSocket bridge before using the client.`,
	RunE: runPacketTest,
}

func init() {
	rootCmd.AddCommand(packetTestCmd)
	packetTestCmd.Flags().DurationVar(&packetTestTimeout, "wait", 2*time.Second, "How long to wait for a frame")
}

// waitForFrame reads conn until a valid frame arrives or the deadline passes.
// It returns the frame and the number of bytes skipped before it.
func waitForFrame(conn Connection, deadline time.Time) (tinybms.Frame, int, error) {
	if err := conn.SetReadTimeout(100 * time.Millisecond); err != nil {
		return nil, 0, err
	}

	decoder := tinybms.NewDecoder()
	buf := make([]byte, 256)
	skipped := 0
	for time.Now().Before(deadline) {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, skipped, err
		}
		for _, r := range decoder.Feed(buf[:n]) {
			skipped += r.Skipped
			if r.Err != nil {
				continue
			}
			return r.Frame, skipped, nil
		}
	}
	return nil, skipped, tinybms.ErrTimeout
}

func runPacketTest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	conn, connInfo, err := OpenConnection(cfg)
	if err != nil {
		return fmt.Errorf("connection error: %w", err)
	}
	defer conn.Close()

	fmt.Printf("bmslink - Packet Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %v\n\n", packetTestTimeout)

	if err := conn.ResetInputBuffer(); err != nil {
		return err
	}
	request := tinybms.BuildReadIndividual(tinybms.RegFullyChargedVoltage)
	fmt.Printf("Sent: % X\n", request)
	if _, err := conn.Write(request); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	frame, skipped, err := waitForFrame(conn, time.Now().Add(packetTestTimeout))
	if skipped > 0 {
		fmt.Printf("(skipped %d invalid bytes before sync)\n", skipped)
	}
	if errors.Is(err, tinybms.ErrTimeout) {
		return fmt.Errorf("TIMEOUT: no valid frame received within %v", packetTestTimeout)
	}
	if err != nil {
		return fmt.Errorf("read error: %w", err)
	}

	fmt.Printf("SUCCESS: Received valid frame\n")
	fmt.Print("  " + tinybms.FormatFrame(frame))
	if v, err := tinybms.ParseReadResponse(frame); err == nil {
		fmt.Printf("  Value: %d\n", v)
	}
	return nil
}
