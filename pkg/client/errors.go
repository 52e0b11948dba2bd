// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package client

import (
	"errors"

	"github.com/Thermoquad/bmslink/pkg/tinybms"
)

var (
	// ErrChannelFailure means the physical write (or read) on the channel failed.
	ErrChannelFailure = errors.New("channel failure")

	// ErrBusy means the request queue stayed full for the whole enqueue timeout.
	ErrBusy = errors.New("channel busy")

	// ErrVerifyMismatch means a write was acknowledged but the read-back value differs.
	ErrVerifyMismatch = errors.New("write verification mismatch")

	// ErrNotInitialized is returned by operations issued before Init.
	ErrNotInitialized = errors.New("client not initialized")

	// ErrClosed is returned once the client has been closed.
	ErrClosed = errors.New("client closed")

	// ErrOverflow is returned by a Channel's Read when its receive buffer overflowed
	// and bytes were lost. The executor flushes and starts accumulating again.
	ErrOverflow = errors.New("receive buffer overflow")
)

// ResultCode classifies the outcome of a transaction. It is carried by UART log
// events so that consumers need not understand Go error values.
type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultInvalidArgument
	ResultCRCError
	ResultTimeout
	ResultNack
	ResultChannelFailure
	ResultBusy
	ResultVerifyMismatch
	ResultNotInitialized
	ResultClosed
	ResultFail
)

// String returns the name used in UART log messages
func (c ResultCode) String() string {
	switch c {
	case ResultOK:
		return "OK"
	case ResultInvalidArgument:
		return "INVALID_ARGUMENT"
	case ResultCRCError:
		return "CRC_ERROR"
	case ResultTimeout:
		return "TIMEOUT"
	case ResultNack:
		return "NACK"
	case ResultChannelFailure:
		return "CHANNEL_FAILURE"
	case ResultBusy:
		return "BUSY"
	case ResultVerifyMismatch:
		return "VERIFY_MISMATCH"
	case ResultNotInitialized:
		return "NOT_INITIALIZED"
	case ResultClosed:
		return "CLOSED"
	default:
		return "FAIL"
	}
}

// CodeOf maps an error returned by this package to its ResultCode
func CodeOf(err error) ResultCode {
	var nack *tinybms.NackError
	switch {
	case err == nil:
		return ResultOK
	case errors.As(err, &nack):
		return ResultNack
	case errors.Is(err, tinybms.ErrInvalidArgument):
		return ResultInvalidArgument
	case errors.Is(err, tinybms.ErrCRC):
		return ResultCRCError
	case errors.Is(err, tinybms.ErrTimeout):
		return ResultTimeout
	case errors.Is(err, ErrChannelFailure):
		return ResultChannelFailure
	case errors.Is(err, ErrBusy):
		return ResultBusy
	case errors.Is(err, ErrVerifyMismatch):
		return ResultVerifyMismatch
	case errors.Is(err, ErrNotInitialized):
		return ResultNotInitialized
	case errors.Is(err, ErrClosed):
		return ResultClosed
	default:
		return ResultFail
	}
}

// retryable reports whether a failed attempt may be repeated
func retryable(err error) bool {
	switch CodeOf(err) {
	case ResultInvalidArgument, ResultClosed, ResultNotInitialized:
		return false
	default:
		return true
	}
}
