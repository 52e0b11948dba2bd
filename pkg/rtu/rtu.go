// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package rtu talks to the TinyBMS over standard Modbus RTU.
//
// The BMS answers Modbus function codes 0x03 and 0x10 addressed to slave
// 0xAA on the same UART as the proprietary protocol. This is an alternate
// path for tools that want plain Modbus semantics; it does not go through
// the client queue and must not share a port with a running client.
package rtu

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/Thermoquad/bmslink/pkg/tinybms"
)

// DefaultSlaveID is the fixed Modbus address of the TinyBMS
const DefaultSlaveID byte = 0xAA

// Config selects the serial port for an RTU session
type Config struct {
	Port     string
	BaudRate int
	Timeout  time.Duration
	SlaveID  byte
}

// Client is a Modbus RTU session
type Client struct {
	mu      sync.Mutex
	handler *modbus.RTUClientHandler
	mb      modbus.Client
}

// Dial opens the serial port in 8N1
func Dial(cfg Config) (*Client, error) {
	h := modbus.NewRTUClientHandler(cfg.Port)
	h.BaudRate = cfg.BaudRate
	if h.BaudRate == 0 {
		h.BaudRate = 115200
	}
	h.DataBits = 8
	h.Parity = "N"
	h.StopBits = 1
	h.SlaveId = cfg.SlaveID
	if h.SlaveId == 0 {
		h.SlaveId = DefaultSlaveID
	}
	h.Timeout = cfg.Timeout
	if h.Timeout == 0 {
		h.Timeout = time.Second
	}

	if err := h.Connect(); err != nil {
		return nil, fmt.Errorf("modbus connect %s: %w", cfg.Port, err)
	}
	return &Client{handler: h, mb: modbus.NewClient(h)}, nil
}

// NewClient wraps an existing modbus.Client
func NewClient(mb modbus.Client) *Client {
	return &Client{mb: mb}
}

// ReadRegisters reads quantity holding registers starting at start
func (c *Client) ReadRegisters(start uint16, quantity int) ([]uint16, error) {
	if quantity < 1 || quantity > tinybms.MaxModbusReadCount {
		return nil, fmt.Errorf("%w: quantity %d out of range 1..%d",
			tinybms.ErrInvalidArgument, quantity, tinybms.MaxModbusReadCount)
	}

	c.mu.Lock()
	data, err := c.mb.ReadHoldingRegisters(start, uint16(quantity))
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("modbus read 0x%04X: %w", start, err)
	}
	if len(data) != quantity*2 {
		return nil, fmt.Errorf("modbus read 0x%04X: %w: got %d bytes for %d registers",
			start, tinybms.ErrInvalidArgument, len(data), quantity)
	}
	return unpackRegisters(data), nil
}

// ReadRegister reads a single holding register
func (c *Client) ReadRegister(addr uint16) (uint16, error) {
	values, err := c.ReadRegisters(addr, 1)
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

// WriteRegisters writes values with function 0x10
func (c *Client) WriteRegisters(start uint16, values []uint16) error {
	if len(values) < 1 || len(values) > tinybms.MaxModbusWriteCount {
		return fmt.Errorf("%w: %d registers out of range 1..%d",
			tinybms.ErrInvalidArgument, len(values), tinybms.MaxModbusWriteCount)
	}

	c.mu.Lock()
	_, err := c.mb.WriteMultipleRegisters(start, uint16(len(values)), packRegisters(values))
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("modbus write 0x%04X: %w", start, err)
	}
	return nil
}

// Close releases the serial port
func (c *Client) Close() error {
	if c.handler == nil {
		return nil
	}
	return c.handler.Close()
}

func packRegisters(values []uint16) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(out[i*2:], v)
	}
	return out
}

func unpackRegisters(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return out
}
