// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/bmslink/pkg/sim"
)

var (
	simListen   string
	simUsername string
	simDelay    time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Serve a simulated TinyBMS over a WebSocket bridge",
	Long: `Run a simulated TinyBMS behind a WebSocket serial bridge. Point any other
command at it with --url ws://HOST:PORT/ to exercise the protocol without
hardware. The simulated pack discharges slowly while the server runs.

With --auth-user set, clients must present HTTP Basic credentials; the
password is read from BMSLINK_PASSWORD or prompted for.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringVar(&simListen, "listen", "127.0.0.1:8765", "Listen address")
	simulateCmd.Flags().StringVar(&simUsername, "auth-user", "", "Require HTTP Basic auth with this username")
	simulateCmd.Flags().DurationVar(&simDelay, "delay", 0, "Response delay per request")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	dev := sim.NewDevice()
	dev.SetDelay(simDelay)

	server := sim.NewServer(dev)
	if simUsername != "" {
		password, err := GetPassword()
		if err != nil {
			return err
		}
		server.Username, server.Password = simUsername, password
	}

	fmt.Printf("bmslink - TinyBMS Simulator\n")
	fmt.Printf("Bridge: ws://%s/\n", simListen)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	if err := server.Run(cmd.Context(), simListen); err != nil {
		return err
	}
	fmt.Printf("Served %d requests, %d restarts\n", dev.RequestCount(), dev.Restarts())
	return nil
}
