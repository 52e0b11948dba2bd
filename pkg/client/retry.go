// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package client

import (
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/Thermoquad/bmslink/pkg/tinybms"
)

// withRetry runs op up to RetryCount times, sleeping Backoff between attempts.
// Every attempt after the first counts as one retry. Misuse errors end the loop
// immediately; the last failure is returned as-is.
func (c *Client) withRetry(what string, op func() error) error {
	var err error
	for attempt := 0; attempt < c.cfg.RetryCount; attempt++ {
		if err = op(); err == nil || !retryable(err) {
			return err
		}
		if attempt < c.cfg.RetryCount-1 {
			glog.V(1).Infof("%s attempt %d/%d failed: %v", what, attempt+1, c.cfg.RetryCount, err)
			c.stats.retry()
			time.Sleep(c.cfg.Backoff)
		}
	}
	glog.Warningf("%s failed after %d attempts: %v", what, c.cfg.RetryCount, err)
	return err
}

func (c *Client) readRegisterWithRetry(address uint16) (uint16, error) {
	var value uint16
	err := c.withRetry(fmt.Sprintf("read 0x%04X", address), func() error {
		v, err := c.exec.readIndividual(address)
		if err == nil {
			value = v
		}
		return err
	})
	return value, err
}

// writeRegisterVerified writes a register, then confirms it by reading it back.
// The read-back carries its own full retry budget, so one call may issue up to
// 2*RetryCount physical transactions.
func (c *Client) writeRegisterVerified(address, value uint16) (uint16, error) {
	err := c.withRetry(fmt.Sprintf("write 0x%04X", address), func() error {
		return c.exec.writeIndividual(address, value)
	})
	if err != nil {
		return 0, err
	}

	time.Sleep(c.cfg.Settle)
	readback, err := c.readRegisterWithRetry(address)
	if err != nil {
		return 0, fmt.Errorf("verify 0x%04X: %w", address, err)
	}
	if readback != value {
		glog.Warningf("write verification mismatch at 0x%04X: wrote 0x%04X read 0x%04X", address, value, readback)
		return readback, fmt.Errorf("%w: wrote 0x%04X read 0x%04X at 0x%04X", ErrVerifyMismatch, value, readback, address)
	}
	return readback, nil
}

func (c *Client) readBlockWithRetry(start uint16, count int) ([]uint16, error) {
	var values []uint16
	err := c.withRetry(fmt.Sprintf("read block 0x%04X+%d", start, count), func() error {
		v, err := c.exec.readBlock(start, count)
		if err == nil {
			values = v
		}
		return err
	})
	return values, err
}

func (c *Client) modbusReadWithRetry(start uint16, count int) ([]uint16, error) {
	var values []uint16
	err := c.withRetry(fmt.Sprintf("modbus read 0x%04X+%d", start, count), func() error {
		v, err := c.exec.modbusRead(start, count)
		if err == nil {
			values = v
		}
		return err
	})
	return values, err
}

// writeValuesVerified is the block/Modbus counterpart of writeRegisterVerified
func (c *Client) writeValuesVerified(kind RequestKind, start uint16, values []uint16) ([]uint16, error) {
	write, read := c.exec.writeBlock, c.readBlockWithRetry
	if kind == KindModbusWrite {
		write, read = c.exec.modbusWrite, c.modbusReadWithRetry
	}

	err := c.withRetry(fmt.Sprintf("%s 0x%04X+%d", kind, start, len(values)), func() error {
		return write(start, values)
	})
	if err != nil {
		return nil, err
	}

	time.Sleep(c.cfg.Settle)
	readback, err := read(start, len(values))
	if err != nil {
		return nil, fmt.Errorf("verify 0x%04X+%d: %w", start, len(values), err)
	}
	if len(readback) != len(values) {
		return readback, fmt.Errorf("%w: wrote %d registers, read back %d", ErrVerifyMismatch, len(values), len(readback))
	}
	for i := range values {
		if readback[i] != values[i] {
			return readback, fmt.Errorf("%w: wrote 0x%04X read 0x%04X at 0x%04X",
				ErrVerifyMismatch, values[i], readback[i], start+uint16(i))
		}
	}
	return readback, nil
}

func (c *Client) resetWithRetry(option byte) error {
	return c.withRetry(fmt.Sprintf("reset option 0x%02X", option), func() error {
		return c.exec.reset(option)
	})
}

func (c *Client) simpleWithRetry(code byte) (tinybms.Frame, error) {
	var frame tinybms.Frame
	err := c.withRetry(tinybms.CommandName(code), func() error {
		f, err := c.exec.simple(code)
		if err == nil {
			frame = f
		}
		return err
	})
	return frame, err
}
