// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var (
	monitorInterval time.Duration
	monitorNoPoll   bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Interactive TUI showing live statistics and the UART log",
	Long: `Monitor the BMS link in a terminal UI.

The UI shows the connection state, the client transaction statistics, the
latest values of the registers configured under poll.registers, and a
scrolling log of every transaction. Commands typed at the prompt (read,
write, query, reset, ...) are issued through the same client.

Supports both serial and WebSocket connections.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 0, "Poll interval (overrides poll.interval)")
	monitorCmd.Flags().BoolVar(&monitorNoPoll, "no-poll", false, "Do not poll registers; only show commands typed at the prompt")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	// Subscribe before anything else is published
	events, unsubscribe := s.events.Subscribe("tinybms/#", 256)
	defer unsubscribe()

	run := func(line string) (string, error) {
		return execLine(ctx, s.client, line)
	}
	m := newMonitorModel(s.connInfo, s.client.State(), run)
	p := tea.NewProgram(m, tea.WithAltScreen())

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-events:
				if !ok {
					return
				}
				if tm := decodeBusMessage(msg); tm != nil {
					p.Send(tm)
				}
			}
		}
	}()

	if !monitorNoPoll && len(s.cfg.Poll.Registers) > 0 {
		interval := s.cfg.Poll.Interval
		if monitorInterval > 0 {
			interval = monitorInterval
		}
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				publishReadings(s.pub, pollOnce(ctx, s.client, s.cfg.Poll.Registers))
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}

	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
