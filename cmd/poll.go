// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/bmslink/pkg/bus"
	"github.com/Thermoquad/bmslink/pkg/client"
	"github.com/Thermoquad/bmslink/pkg/config"
)

// TopicPollPrefix prefixes the per-register poll topics
const TopicPollPrefix = "tinybms/poll/"

var (
	pollInterval time.Duration
	pollCount    int
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Periodically read the configured registers",
	Long: `Read the registers listed under poll.registers in the config file every
poll.interval. Registers with a count above 1 are read with a block read.

Each reading is printed and published on tinybms/poll/<name>. With --mqtt the
readings, UART log and statistics events are also sent to the broker.`,
	RunE: runPoll,
}

func init() {
	rootCmd.AddCommand(pollCmd)
	pollCmd.Flags().DurationVar(&pollInterval, "interval", 0, "Poll interval (overrides poll.interval)")
	pollCmd.Flags().IntVar(&pollCount, "count", 0, "Number of poll rounds (0 = until interrupted)")
}

// PollReading is the payload published for each polled register
type PollReading struct {
	Name        string   `cbor:"name"`
	Address     uint16   `cbor:"address"`
	Values      []uint16 `cbor:"values,omitempty"`
	Error       string   `cbor:"error,omitempty"`
	TimestampMs int64    `cbor:"timestamp_ms"`
}

// pollOnce reads every register once, in order
func pollOnce(ctx context.Context, c *client.Client, regs []config.Register) []PollReading {
	out := make([]PollReading, 0, len(regs))
	for _, r := range regs {
		reading := PollReading{Name: r.Name, Address: r.Address}
		var err error
		if r.Count > 1 {
			reading.Values, err = c.ReadBlock(ctx, r.Address, r.Count)
		} else {
			var v uint16
			v, err = c.ReadRegister(ctx, r.Address)
			if err == nil {
				reading.Values = []uint16{v}
			}
		}
		if err != nil {
			reading.Error = err.Error()
		}
		reading.TimestampMs = time.Now().UnixMilli()
		out = append(out, reading)
		if ctx.Err() != nil {
			break
		}
	}
	return out
}

func publishReadings(pub bus.Publisher, readings []PollReading) {
	for _, r := range readings {
		payload, err := cbor.Marshal(r)
		if err != nil {
			log.Printf("Encode reading %s: %v", r.Name, err)
			continue
		}
		if err := pub.Publish(TopicPollPrefix+r.Name, payload); err != nil {
			log.Printf("Publish reading %s: %v", r.Name, err)
		}
	}
}

func formatReading(r PollReading) string {
	if r.Error != "" {
		return fmt.Sprintf("%s (0x%04X): ERROR %s", r.Name, r.Address, r.Error)
	}
	if len(r.Values) == 1 {
		return fmt.Sprintf("%s (0x%04X) = %d (0x%04X)", r.Name, r.Address, r.Values[0], r.Values[0])
	}
	parts := make([]string, len(r.Values))
	for i, v := range r.Values {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return fmt.Sprintf("%s (0x%04X) = [%s]", r.Name, r.Address, strings.Join(parts, " "))
}

func runPoll(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	interval := s.cfg.Poll.Interval
	if pollInterval > 0 {
		interval = pollInterval
	}
	if len(s.cfg.Poll.Registers) == 0 {
		return fmt.Errorf("no registers configured under poll.registers")
	}

	fmt.Printf("bmslink - Poll\n")
	fmt.Printf("Connection: %s\n", s.connInfo)
	fmt.Printf("Registers: %d every %v\n", len(s.cfg.Poll.Registers), interval)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for round := 1; ; round++ {
		readings := pollOnce(ctx, s.client, s.cfg.Poll.Registers)
		stamp := time.Now().Format("15:04:05.000")
		for _, r := range readings {
			fmt.Printf("[%s] %s\n", stamp, formatReading(r))
		}
		publishReadings(s.pub, readings)

		if pollCount > 0 && round >= pollCount {
			break
		}
		select {
		case <-ctx.Done():
			fmt.Printf("\n")
			fmt.Print(s.client.Stats().String())
			return nil
		case <-ticker.C:
		}
	}

	fmt.Printf("\n")
	fmt.Print(s.client.Stats().String())
	return nil
}
