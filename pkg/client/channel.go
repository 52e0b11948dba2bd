// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package client

import (
	"io"
	"time"
)

// Channel is the byte-level serial link to the BMS.
//
// Read blocks for at most the duration set by SetReadTimeout and returns 0, nil
// when it expires without data. It returns ErrOverflow when the receive side lost
// bytes. A go.bug.st/serial Port satisfies this interface as-is.
type Channel interface {
	io.Reader
	io.Writer
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}
