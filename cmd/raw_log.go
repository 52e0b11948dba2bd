// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/bmslink/pkg/client"
	"github.com/Thermoquad/bmslink/pkg/tinybms"
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw frame log in human-readable format",
	Long: `Continuously decode and display TinyBMS frames as they arrive.

This command only listens; it never transmits. Each frame is shown with a
timestamp, command name, decoded request fields and the raw bytes. Line noise
and CRC failures are reported as they are discarded.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
}

func runRawLog(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	conn, connInfo, err := OpenConnection(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Short reads so Ctrl+C is noticed between frames
	if err := conn.SetReadTimeout(200 * time.Millisecond); err != nil {
		return err
	}

	fmt.Printf("bmslink - Raw Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	ctx := cmd.Context()
	decoder := tinybms.NewDecoder()
	buf := make([]byte, 256)

	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		switch {
		case errors.Is(err, ErrConnectionClosed):
			log.Printf("Connection closed")
			return nil
		case errors.Is(err, client.ErrOverflow):
			fmt.Printf("[%s] ERROR: receive overflow, buffer discarded\n", time.Now().Format("15:04:05.000"))
			decoder.Reset()
			continue
		case err != nil:
			log.Printf("Read error: %v", err)
			continue
		}

		for _, r := range decoder.Feed(buf[:n]) {
			fmt.Print(tinybms.FormatResult(r))
		}
	}
	return nil
}
