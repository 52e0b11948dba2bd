// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybms

import "encoding/binary"

// Frame is a view over one complete frame, preamble through CRC.
// It never copies the underlying bytes.
type Frame []byte

// Command returns the command byte, or the response type for ACK/NACK frames.
func (f Frame) Command() byte {
	if len(f) < 2 {
		return 0
	}
	return f[1]
}

// IsAck reports whether f is an ACK or NACK frame.
func (f Frame) IsAck() bool {
	return len(f) >= AckFrameSize && (f[1] == RespAck || f[1] == RespNack) && len(f) <= NackFrameSize
}

// PayloadLength returns the declared payload length byte.
func (f Frame) PayloadLength() int {
	if len(f) < HeaderSize {
		return 0
	}
	return int(f[2])
}

// Payload returns the payload bytes, clipped to what the frame actually holds.
func (f Frame) Payload() []byte {
	if len(f) < HeaderSize+CRCSize {
		return nil
	}
	end := HeaderSize + f.PayloadLength()
	if end > len(f)-CRCSize {
		end = len(f) - CRCSize
	}
	return f[HeaderSize:end]
}

// CRC returns the transmitted checksum.
func (f Frame) CRC() uint16 {
	if len(f) < CRCSize {
		return 0
	}
	return binary.LittleEndian.Uint16(f[len(f)-CRCSize:])
}

// Valid reports whether the trailing checksum matches the frame contents.
func (f Frame) Valid() bool {
	if len(f) < MinFrameSize {
		return false
	}
	return CRC16(f[:len(f)-CRCSize]) == f.CRC()
}

// cursor is a bounds-checked little helper for walking frame bytes.
// A read past the end sets err and returns zero values from then on.
type cursor struct {
	buf []byte
	pos int
	err error
}

func newCursor(buf []byte, start int) *cursor {
	return &cursor{buf: buf, pos: start}
}

func (c *cursor) need(n int) bool {
	if c.err != nil {
		return false
	}
	if c.pos+n > len(c.buf) {
		c.err = invalidf("short frame: need %d bytes at offset %d, have %d", n, c.pos, len(c.buf))
		return false
	}
	return true
}

func (c *cursor) u8() byte {
	if !c.need(1) {
		return 0
	}
	b := c.buf[c.pos]
	c.pos++
	return b
}

func (c *cursor) u16le() uint16 {
	if !c.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v
}

func (c *cursor) u16be() uint16 {
	if !c.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v
}

func (c *cursor) u32le() uint32 {
	if !c.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v
}

func (c *cursor) remaining() int {
	if c.pos >= len(c.buf) {
		return 0
	}
	return len(c.buf) - c.pos
}
