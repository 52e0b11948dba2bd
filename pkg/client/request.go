// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package client

import (
	"fmt"
	"time"

	"github.com/Thermoquad/bmslink/pkg/tinybms"
)

// RequestKind identifies the operation a queued request performs
type RequestKind int

const (
	KindReadRegister RequestKind = iota
	KindWriteRegister
	KindReset
	KindReadBlock
	KindWriteBlock
	KindModbusRead
	KindModbusWrite
	KindSimpleCommand
)

// IsWrite reports whether the request changes device state
func (k RequestKind) IsWrite() bool {
	switch k {
	case KindWriteRegister, KindReset, KindWriteBlock, KindModbusWrite:
		return true
	default:
		return false
	}
}

// verified reports whether a successful write is followed by a read-back
func (k RequestKind) verified() bool {
	return k.IsWrite() && k != KindReset
}

// String returns the kind name
func (k RequestKind) String() string {
	switch k {
	case KindReadRegister:
		return "read"
	case KindWriteRegister:
		return "write"
	case KindReset:
		return "reset"
	case KindReadBlock:
		return "read_block"
	case KindWriteBlock:
		return "write_block"
	case KindModbusRead:
		return "modbus_read"
	case KindModbusWrite:
		return "modbus_write"
	case KindSimpleCommand:
		return "query"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the outcome of one queued request.
// Value is set for register reads and writes (the verified value), Values for
// block and Modbus transfers, Frame for single-purpose commands.
type Result struct {
	Value  uint16
	Values []uint16
	Frame  tinybms.Frame
	Err    error
}

// request is consumed exactly once by the worker
type request struct {
	kind    RequestKind
	address uint16
	value   uint16
	values  []uint16
	count   int
	option  byte
	code    byte

	enqueued time.Time
	done     chan Result // capacity 1; the worker never blocks on it
}

// action is the verb used in UART log entries
func (r *request) action() string {
	if r.kind == KindReset {
		switch r.option {
		case tinybms.ResetOptionBMS:
			return "restart"
		case tinybms.ResetOptionClearEvents:
			return "clear_events"
		case tinybms.ResetOptionClearStatistics:
			return "clear_stats"
		}
	}
	return r.kind.String()
}

// logAddress is the address reported in UART log entries
func (r *request) logAddress() uint16 {
	switch r.kind {
	case KindReset:
		return uint16(r.option)
	case KindSimpleCommand:
		return uint16(r.code)
	default:
		return r.address
	}
}

// detail describes a successful result for the UART log message
func (r *request) detail(res Result) string {
	if res.Err != nil {
		return ""
	}
	switch r.kind {
	case KindReadRegister:
		return fmt.Sprintf("value=0x%04X", res.Value)
	case KindWriteRegister:
		return fmt.Sprintf("written=0x%04X", r.value)
	case KindReadBlock, KindModbusRead, KindWriteBlock, KindModbusWrite:
		return fmt.Sprintf("count=%d", len(res.Values))
	case KindSimpleCommand:
		return fmt.Sprintf("%s len=%d", tinybms.CommandName(r.code), res.Frame.PayloadLength())
	default:
		return ""
	}
}

// complete hands the result to the caller if it is still listening
func (r *request) complete(res Result) {
	select {
	case r.done <- res:
	default:
	}
}

// validate rejects malformed requests before they reach the queue
func (r *request) validate() error {
	var err error
	switch r.kind {
	case KindReset:
		_, err = tinybms.BuildReset(r.option)
	case KindReadBlock:
		_, err = tinybms.BuildReadBlock(r.address, r.count)
	case KindWriteBlock:
		_, err = tinybms.BuildWriteBlock(r.address, r.values)
	case KindModbusRead:
		_, err = tinybms.BuildModbusRead(r.address, r.count)
	case KindModbusWrite:
		_, err = tinybms.BuildModbusWrite(r.address, r.values)
	case KindSimpleCommand:
		_, err = tinybms.BuildSimple(r.code)
	}
	return err
}
