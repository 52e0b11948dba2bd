// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package client

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/glog"
)

// Event bus topics published by the client
const (
	TopicConnected = "tinybms/connected"
	TopicUartLog   = "tinybms/uart_log"
	TopicStats     = "tinybms/stats"
)

// UartLogEntry describes one completed transaction. It is published, not stored.
type UartLogEntry struct {
	Action     string     `cbor:"action" json:"action"`
	Address    uint16     `cbor:"address" json:"address"`
	ResultCode ResultCode `cbor:"result_code" json:"result_code"`
	Success    bool       `cbor:"success" json:"success"`
	Message    string     `cbor:"message" json:"message"`
}

// StatsEvent is a stats snapshot published after every transaction
type StatsEvent struct {
	Stats       Stats `cbor:"stats" json:"stats"`
	TimestampMs int64 `cbor:"timestamp_ms" json:"timestamp_ms"`
}

// ConnectedEvent is published when the connection probe succeeds
type ConnectedEvent struct {
	ProbeRegister uint16 `cbor:"probe_register" json:"probe_register"`
	ProbeValue    uint16 `cbor:"probe_value" json:"probe_value"`
	TimestampMs   int64  `cbor:"timestamp_ms" json:"timestamp_ms"`
}

// NewUartLogEntry builds a log entry. The message reads
// "<action> 0x<addr>: <RESULT>" with " - <detail>" appended when detail is set.
func NewUartLogEntry(action string, address uint16, err error, detail string) UartLogEntry {
	code := CodeOf(err)
	msg := fmt.Sprintf("%s 0x%04X: %s", action, address, code)
	if detail != "" {
		msg += " - " + detail
	}
	return UartLogEntry{
		Action:     action,
		Address:    address,
		ResultCode: code,
		Success:    err == nil,
		Message:    msg,
	}
}

// EncodeEvent serializes an event payload for the bus
func EncodeEvent(v interface{}) ([]byte, error) {
	return cbor.Marshal(v)
}

// DecodeUartLog parses a TopicUartLog payload
func DecodeUartLog(payload []byte) (UartLogEntry, error) {
	var entry UartLogEntry
	err := cbor.Unmarshal(payload, &entry)
	return entry, err
}

// DecodeStats parses a TopicStats payload
func DecodeStats(payload []byte) (StatsEvent, error) {
	var evt StatsEvent
	err := cbor.Unmarshal(payload, &evt)
	return evt, err
}

// DecodeConnected parses a TopicConnected payload
func DecodeConnected(payload []byte) (ConnectedEvent, error) {
	var evt ConnectedEvent
	err := cbor.Unmarshal(payload, &evt)
	return evt, err
}

func (c *Client) publish(topic string, v interface{}) {
	if c.bus == nil {
		return
	}
	payload, err := EncodeEvent(v)
	if err != nil {
		glog.Errorf("encode %s event: %v", topic, err)
		return
	}
	if err := c.bus.Publish(topic, payload); err != nil {
		glog.Warningf("publish %s: %v", topic, err)
	}
}

func (c *Client) publishUartLog(action string, address uint16, err error, detail string) {
	entry := NewUartLogEntry(action, address, err, detail)
	glog.V(1).Info(entry.Message)
	c.publish(TopicUartLog, entry)
}

func (c *Client) publishStats() {
	c.publish(TopicStats, StatsEvent{
		Stats:       c.stats.snapshot(),
		TimestampMs: time.Now().UnixMilli(),
	})
}

func (c *Client) publishConnected(value uint16) {
	c.publish(TopicConnected, ConnectedEvent{
		ProbeRegister: c.cfg.ProbeRegister,
		ProbeValue:    value,
		TimestampMs:   time.Now().UnixMilli(),
	})
}
