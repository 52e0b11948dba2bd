// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/Thermoquad/bmslink/pkg/tinybms"
)

// responseHandler inspects a CRC-valid frame received during a transaction.
// It returns handled=false for frames that do not answer the request, which
// are dropped while the executor keeps waiting.
type responseHandler func(f tinybms.Frame) (handled bool, err error)

// executor performs single send/receive cycles. It is owned by the worker
// goroutine and is not safe for concurrent use.
type executor struct {
	ch      Channel
	timeout time.Duration
	rx      []byte
	chunk   []byte
}

func newExecutor(ch Channel, timeout time.Duration) *executor {
	return &executor{
		ch:      ch,
		timeout: timeout,
		rx:      make([]byte, 0, tinybms.MaxFrameSize*2),
		chunk:   make([]byte, tinybms.MaxFrameSize),
	}
}

// flush discards everything received so far, in the driver and locally
func (e *executor) flush() {
	if err := e.ch.ResetInputBuffer(); err != nil {
		glog.Warningf("flush input: %v", err)
	}
	e.rx = e.rx[:0]
}

// transact writes frame and waits for one response accepted by handle.
// Input is flushed first so no stale bytes leak in from an earlier transaction.
func (e *executor) transact(frame []byte, handle responseHandler) error {
	e.flush()

	glog.V(2).Infof("TX % X", frame)
	n, err := e.ch.Write(frame)
	if err != nil {
		return fmt.Errorf("%w: write: %v", ErrChannelFailure, err)
	}
	if n != len(frame) {
		return fmt.Errorf("%w: short write (%d of %d bytes)", ErrChannelFailure, n, len(frame))
	}

	deadline := time.Now().Add(e.timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: no response to %s within %v",
				tinybms.ErrTimeout, tinybms.CommandName(frame[1]), e.timeout)
		}
		if err := e.ch.SetReadTimeout(remaining); err != nil {
			return fmt.Errorf("%w: set read timeout: %v", ErrChannelFailure, err)
		}

		n, err := e.ch.Read(e.chunk)
		if errors.Is(err, ErrOverflow) {
			glog.Warning("UART overflow detected, flushing input")
			e.flush()
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: read: %v", ErrChannelFailure, err)
		}
		if n == 0 {
			continue
		}
		e.rx = append(e.rx, e.chunk[:n]...)

		for len(e.rx) >= tinybms.MinFrameSize {
			off, size, err := tinybms.ExtractFrame(e.rx)
			if errors.Is(err, tinybms.ErrIncomplete) {
				if off > 0 {
					e.rx = e.rx[:copy(e.rx, e.rx[off:])]
				}
				break
			}
			if err != nil {
				glog.Warningf("%s response: %v", tinybms.CommandName(frame[1]), err)
				e.flush()
				return err
			}

			response := tinybms.Frame(e.rx[off : off+size])
			glog.V(2).Infof("RX % X", []byte(response))
			handled, herr := handle(response)
			if handled {
				e.rx = e.rx[:0]
				return herr
			}
			e.rx = e.rx[:copy(e.rx, e.rx[off+size:])]
		}
	}
}

// nackFor returns the NACK carried by f if it rejects cmd
func nackFor(f tinybms.Frame, cmd byte) (bool, error) {
	err := tinybms.CheckNack(f)
	var nack *tinybms.NackError
	if errors.As(err, &nack) && nack.Command == cmd {
		return true, nack
	}
	return false, nil
}

// expectAck accepts an ACK/NACK for cmd. A Modbus write may instead be answered
// Modbus-style, echoing start address and quantity.
func expectAck(cmd byte) responseHandler {
	return func(f tinybms.Frame) (bool, error) {
		if handled, err := nackFor(f, cmd); handled {
			return true, err
		}
		if f.IsAck() {
			ack, _, err := tinybms.ParseAck(f)
			if err != nil || !ack || f[2] != cmd {
				return false, nil
			}
			return true, nil
		}
		return cmd == tinybms.CmdModbusWrite && f.Command() == cmd && f.PayloadLength() == 4, nil
	}
}

func (e *executor) readIndividual(address uint16) (uint16, error) {
	var value uint16
	err := e.transact(tinybms.BuildReadIndividual(address), func(f tinybms.Frame) (bool, error) {
		if handled, err := nackFor(f, tinybms.CmdReadIndividual); handled {
			return true, err
		}
		v, err := tinybms.ParseReadResponse(f)
		if err != nil {
			glog.V(2).Infof("ignoring frame: %v", err)
			return false, nil
		}
		value = v
		return true, nil
	})
	return value, err
}

func (e *executor) writeIndividual(address, value uint16) error {
	return e.transact(tinybms.BuildWriteIndividual(address, value), expectAck(tinybms.CmdWriteIndividual))
}

func (e *executor) reset(option byte) error {
	frame, err := tinybms.BuildReset(option)
	if err != nil {
		return err
	}
	return e.transact(frame, expectAck(tinybms.CmdReset))
}

// readValues runs a multi-register read whose response is decoded by parse
func (e *executor) readValues(frame []byte, cmd byte, count int,
	parse func(frame []byte, dst []uint16) (int, error)) ([]uint16, error) {
	values := make([]uint16, count)
	var got int
	err := e.transact(frame, func(f tinybms.Frame) (bool, error) {
		if handled, err := nackFor(f, cmd); handled {
			return true, err
		}
		n, err := parse(f, values)
		if err != nil {
			glog.V(2).Infof("ignoring frame: %v", err)
			return false, nil
		}
		got = n
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return values[:got], nil
}

func (e *executor) readBlock(start uint16, count int) ([]uint16, error) {
	frame, err := tinybms.BuildReadBlock(start, count)
	if err != nil {
		return nil, err
	}
	return e.readValues(frame, tinybms.CmdReadBlock, count, tinybms.ParseReadBlockResponse)
}

func (e *executor) writeBlock(start uint16, values []uint16) error {
	frame, err := tinybms.BuildWriteBlock(start, values)
	if err != nil {
		return err
	}
	return e.transact(frame, expectAck(tinybms.CmdWriteBlock))
}

func (e *executor) modbusRead(start uint16, count int) ([]uint16, error) {
	frame, err := tinybms.BuildModbusRead(start, count)
	if err != nil {
		return nil, err
	}
	return e.readValues(frame, tinybms.CmdModbusRead, count, tinybms.ParseModbusReadResponse)
}

func (e *executor) modbusWrite(start uint16, values []uint16) error {
	frame, err := tinybms.BuildModbusWrite(start, values)
	if err != nil {
		return err
	}
	return e.transact(frame, expectAck(tinybms.CmdModbusWrite))
}

func (e *executor) simple(code byte) (tinybms.Frame, error) {
	frame, err := tinybms.BuildSimple(code)
	if err != nil {
		return nil, err
	}
	var response tinybms.Frame
	err = e.transact(frame, func(f tinybms.Frame) (bool, error) {
		if handled, err := nackFor(f, code); handled {
			return true, err
		}
		if f.IsAck() || f.Command() != code {
			return false, nil
		}
		response = append(tinybms.Frame(nil), f...)
		return true, nil
	})
	return response, err
}
