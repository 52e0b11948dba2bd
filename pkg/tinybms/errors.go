// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybms

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument reports caller misuse or a malformed frame. It is never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrIncomplete means no complete frame is available yet; keep accumulating.
	ErrIncomplete = errors.New("frame incomplete")

	// ErrCRC means a frame failed its checksum. The receive buffer can no longer
	// be trusted and must be discarded.
	ErrCRC = errors.New("CRC mismatch")

	// ErrTimeout means no valid frame arrived within the transaction window.
	ErrTimeout = errors.New("timeout")
)

// NackError is returned when the BMS explicitly rejects a command.
type NackError struct {
	Command byte
	Code    byte
}

// Error implements the error interface
func (e *NackError) Error() string {
	return fmt.Sprintf("NACK for command 0x%02X: %s (0x%02X)", e.Command, NackCodeName(e.Code), e.Code)
}

// NackCodeName returns the human-readable name for a NACK error code
func NackCodeName(code byte) string {
	switch code {
	case NackCmdError:
		return "CMD_ERROR"
	case NackCRCError:
		return "CRC_ERROR"
	case NackUnknownError:
		return "UNKNOWN"
	default:
		return "DEVICE_ERROR"
	}
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidArgument}, args...)...)
}
