// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/bmslink/pkg/bus"
	"github.com/Thermoquad/bmslink/pkg/client"
	"github.com/Thermoquad/bmslink/pkg/config"
)

// session is an open connection with a running client
type session struct {
	cfg      *config.Config
	conn     Connection
	connInfo string
	events   *bus.Memory
	mqtt     *bus.MQTT
	pub      bus.Publisher
	client   *client.Client
}

// openSession connects, wires the event bus and starts the client worker.
// A failed connection probe is reported but does not close the session; the
// BMS may still be waking up.
func openSession(ctx context.Context, cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	conn, connInfo, err := OpenConnection(cfg)
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, conn: conn, connInfo: connInfo, events: bus.NewMemory()}

	var pub bus.Publisher = s.events
	if cfg.MQTT.URL != "" {
		clientID := cfg.MQTT.ClientID
		if clientID == "" {
			clientID = bus.DefaultClientID()
		}
		s.mqtt, err = bus.DialMQTT(cfg.MQTT.URL, clientID, bus.DefaultPublishTimeout)
		if err != nil {
			conn.Close()
			return nil, err
		}
		pub = bus.Multi{s.events, s.mqtt}
	}

	s.pub = pub
	s.client = client.New(conn, pub, cfg.ClientConfig())
	if err := s.client.Init(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.client.Start(ctx); err != nil {
		log.Printf("Connection probe failed: %v", err)
	}
	return s, nil
}

func (s *session) Close() {
	if s.client != nil {
		s.client.Close()
	}
	if s.mqtt != nil {
		s.mqtt.Close()
	}
	s.conn.Close()
}

// parseRegister parses a register address or value in decimal or 0x hex
func parseRegister(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid register value %q: %w", s, err)
	}
	return uint16(v), nil
}

func parseRegisters(args []string) ([]uint16, error) {
	values := make([]uint16, len(args))
	for i, a := range args {
		v, err := parseRegister(a)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

func parseCount(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid count %q: %w", s, err)
	}
	return n, nil
}

// formatValues prints registers as an address table
func formatValues(start uint16, values []uint16) string {
	out := ""
	for i, v := range values {
		out += fmt.Sprintf("0x%04X: 0x%04X (%d)\n", start+uint16(i), v, v)
	}
	return out
}
