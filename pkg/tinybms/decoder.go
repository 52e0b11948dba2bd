// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybms

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

// ExtractFrame locates the first complete, CRC-valid frame in buf.
//
// On success it returns the frame's offset and length; buf is not modified and
// nothing is copied. ErrIncomplete means more bytes are needed; offset then
// points at the candidate preamble (or len(buf) when there is none), so bytes
// before it may be dropped. ErrCRC means the candidate frame is corrupt and the
// whole buffer should be discarded.
func ExtractFrame(buf []byte) (offset, length int, err error) {
	offset = bytes.IndexByte(buf, Preamble)
	if offset < 0 {
		return len(buf), 0, ErrIncomplete
	}

	remaining := len(buf) - offset
	if remaining < MinFrameSize {
		return offset, 0, ErrIncomplete
	}

	switch buf[offset+1] {
	case RespAck:
		length = AckFrameSize
	case RespNack:
		length = NackFrameSize
	default:
		length = HeaderSize + int(buf[offset+2]) + CRCSize
	}

	if remaining < length {
		return offset, 0, ErrIncomplete
	}

	frame := Frame(buf[offset : offset+length])
	if !frame.Valid() {
		return offset, length, fmt.Errorf("%w: expected 0x%04X, got 0x%04X",
			ErrCRC, CRC16(frame[:length-CRCSize]), frame.CRC())
	}

	return offset, length, nil
}

// DecodeResult is one outcome of feeding bytes into a Decoder.
type DecodeResult struct {
	Frame     Frame // copy of the frame bytes, nil on error
	Err       error
	Skipped   int // bytes discarded before this result
	Timestamp time.Time
}

// Decoder accumulates a byte stream and splits it into frames.
// It applies the same recovery policy as a transaction: garbage before a
// preamble is dropped and a CRC failure discards everything buffered.
type Decoder struct {
	buf     []byte
	skipped int
}

// NewDecoder creates a new stream decoder
func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, MaxFrameSize*2)}
}

// Reset discards all buffered bytes
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.skipped = 0
}

// Buffered returns the number of bytes waiting for a complete frame
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Feed appends data to the stream and returns every frame or error it completes.
func (d *Decoder) Feed(data []byte) []DecodeResult {
	d.buf = append(d.buf, data...)

	var results []DecodeResult
	for len(d.buf) > 0 {
		off, n, err := ExtractFrame(d.buf)
		switch {
		case err == nil:
			frame := make(Frame, n)
			copy(frame, d.buf[off:off+n])
			results = append(results, DecodeResult{
				Frame:     frame,
				Skipped:   d.skipped + off,
				Timestamp: time.Now(),
			})
			d.skipped = 0
			d.buf = d.buf[:copy(d.buf, d.buf[off+n:])]

		case errors.Is(err, ErrIncomplete):
			if off > 0 {
				d.skipped += off
				d.buf = d.buf[:copy(d.buf, d.buf[off:])]
			}
			return results

		default:
			results = append(results, DecodeResult{
				Err:       err,
				Skipped:   d.skipped + len(d.buf),
				Timestamp: time.Now(),
			})
			d.Reset()
		}
	}
	return results
}
