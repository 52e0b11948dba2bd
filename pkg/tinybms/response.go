// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybms

import (
	"math"
)

// checkHeader validates preamble, command and minimum length of a response frame
func checkHeader(frame []byte, cmd byte, minLen int) error {
	if len(frame) < minLen {
		return invalidf("response to 0x%02X too short: %d bytes (expected >= %d)", cmd, len(frame), minLen)
	}
	if frame[0] != Preamble {
		return invalidf("invalid preamble 0x%02X", frame[0])
	}
	if frame[1] != cmd {
		return invalidf("unexpected command 0x%02X (expected 0x%02X)", frame[1], cmd)
	}
	return nil
}

// ParseAck parses an ACK or NACK response.
// For a NACK the error code is taken from byte 3 when present, else NackUnknownError.
func ParseAck(frame []byte) (ack bool, code byte, err error) {
	if len(frame) < AckFrameSize {
		return false, 0, invalidf("ACK/NACK frame too short: %d bytes", len(frame))
	}
	if frame[0] != Preamble {
		return false, 0, invalidf("invalid preamble in ACK/NACK: 0x%02X", frame[0])
	}
	switch frame[1] {
	case RespAck:
		return true, 0, nil
	case RespNack:
		if len(frame) >= NackFrameSize {
			return false, frame[3], nil
		}
		return false, NackUnknownError, nil
	default:
		return false, 0, invalidf("unknown response type 0x%02X", frame[1])
	}
}

// CheckNack returns a *NackError when frame is a NACK, and nil for anything else.
func CheckNack(frame []byte) error {
	if len(frame) < AckFrameSize || frame[0] != Preamble || frame[1] != RespNack {
		return nil
	}
	_, code, err := ParseAck(frame)
	if err != nil {
		return err
	}
	return &NackError{Command: frame[2], Code: code}
}

// ParseReadResponse extracts the register value from a read individual (0x09) response:
// [AA][09][PL>=4][addr lo][addr hi][value lo][value hi][crc lo][crc hi]
func ParseReadResponse(frame []byte) (uint16, error) {
	if err := checkHeader(frame, CmdReadIndividual, 9); err != nil {
		return 0, err
	}
	if pl := frame[2]; pl < 4 {
		return 0, invalidf("invalid payload length %d for read response", pl)
	}
	c := newCursor(frame, 5)
	value := c.u16le()
	return value, c.err
}

// ParseReadResponseAddress returns the register address echoed in a read individual response.
func ParseReadResponseAddress(frame []byte) (uint16, error) {
	if err := checkHeader(frame, CmdReadIndividual, 9); err != nil {
		return 0, err
	}
	c := newCursor(frame, HeaderSize)
	address := c.u16le()
	return address, c.err
}

// ParseReadBlockResponse decodes a proprietary block read (0x07) response:
// [AA][07][PL][start lo][start hi][values LE...][crc lo][crc hi]
//
// Values are written to dst; a response holding more registers than dst can
// take is truncated. The number of values written is returned.
func ParseReadBlockResponse(frame []byte, dst []uint16) (int, error) {
	if dst == nil {
		return 0, invalidf("nil destination")
	}
	if err := checkHeader(frame, CmdReadBlock, 8); err != nil {
		return 0, err
	}
	pl := int(frame[2])
	if pl < 2 {
		return 0, invalidf("invalid payload length %d for block read response", pl)
	}
	count := (pl - 2) / 2
	if count > len(dst) {
		count = len(dst)
	}

	c := newCursor(Frame(frame).Payload(), 2)
	for i := 0; i < count; i++ {
		dst[i] = c.u16le()
	}
	if c.err != nil {
		return 0, c.err
	}
	return count, nil
}

// ParseModbusReadResponse decodes a Modbus-style read (0x03) response:
// [AA][03][PL][byte count][values BE...][crc lo][crc hi]
//
// Values are big-endian on the wire. Truncation rules match ParseReadBlockResponse.
func ParseModbusReadResponse(frame []byte, dst []uint16) (int, error) {
	if dst == nil {
		return 0, invalidf("nil destination")
	}
	if err := checkHeader(frame, CmdModbusRead, 6); err != nil {
		return 0, err
	}
	count := int(frame[3]) / 2
	if count > len(dst) {
		count = len(dst)
	}

	c := newCursor(frame[:len(frame)-CRCSize], 4)
	for i := 0; i < count; i++ {
		dst[i] = c.u16be()
	}
	if c.err != nil {
		return 0, c.err
	}
	return count, nil
}

// ParsePayload validates a single-purpose command response and returns its payload
func ParsePayload(frame []byte, cmd byte) ([]byte, error) {
	if err := checkHeader(frame, cmd, HeaderSize+CRCSize); err != nil {
		return nil, err
	}
	f := Frame(frame)
	payload := f.Payload()
	if len(payload) != f.PayloadLength() {
		return nil, invalidf("payload length %d exceeds frame", f.PayloadLength())
	}
	return payload, nil
}

// ParseUint16Payload reads a little-endian uint16 response (e.g. min/max cell voltage)
func ParseUint16Payload(frame []byte, cmd byte) (uint16, error) {
	payload, err := ParsePayload(frame, cmd)
	if err != nil {
		return 0, err
	}
	c := newCursor(payload, 0)
	v := c.u16le()
	return v, c.err
}

// ParseInt16Payload reads a little-endian signed 16-bit response
func ParseInt16Payload(frame []byte, cmd byte) (int16, error) {
	v, err := ParseUint16Payload(frame, cmd)
	return int16(v), err
}

// ParseUint32Payload reads a little-endian uint32 response (lifetime counter, SOC)
func ParseUint32Payload(frame []byte, cmd byte) (uint32, error) {
	payload, err := ParsePayload(frame, cmd)
	if err != nil {
		return 0, err
	}
	c := newCursor(payload, 0)
	v := c.u32le()
	return v, c.err
}

// ParseFloat32Payload reads an IEEE-754 little-endian response (pack voltage, pack current).
// Pack current is signed: negative while discharging.
func ParseFloat32Payload(frame []byte, cmd byte) (float32, error) {
	bits, err := ParseUint32Payload(frame, cmd)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(bits), nil
}

// ParseUint16Values decodes a response payload that is a plain array of
// little-endian words (cell voltages, settings, temperatures).
func ParseUint16Values(frame []byte, cmd byte, dst []uint16) (int, error) {
	if dst == nil {
		return 0, invalidf("nil destination")
	}
	payload, err := ParsePayload(frame, cmd)
	if err != nil {
		return 0, err
	}
	count := len(payload) / 2
	if count > len(dst) {
		count = len(dst)
	}
	c := newCursor(payload, 0)
	for i := 0; i < count; i++ {
		dst[i] = c.u16le()
	}
	return count, c.err
}

// Version is the BMS version information returned by 0x1E / 0x1F.
type Version struct {
	Hardware        byte
	HardwareChanges byte
	FirmwarePublic  byte

	FirmwareInternal uint16 // present when the payload carries it
	Bootloader       uint16 // extended version only
	RegisterMap      uint16 // extended version only
	Extended         bool
}

// ParseVersion decodes a version (0x1E) or extended version (0x1F) response.
// Only the first three byte fields are mandatory.
func ParseVersion(frame []byte) (Version, error) {
	if len(frame) < 2 {
		return Version{}, invalidf("version response too short: %d bytes", len(frame))
	}
	cmd := frame[1]
	if cmd != CmdVersion && cmd != CmdExtendedVersion {
		return Version{}, invalidf("unexpected command 0x%02X for version response", cmd)
	}
	payload, err := ParsePayload(frame, cmd)
	if err != nil {
		return Version{}, err
	}

	c := newCursor(payload, 0)
	v := Version{
		Hardware:        c.u8(),
		HardwareChanges: c.u8(),
		FirmwarePublic:  c.u8(),
		Extended:        cmd == CmdExtendedVersion,
	}
	if c.err != nil {
		return Version{}, c.err
	}
	if c.remaining() >= 2 {
		v.FirmwareInternal = c.u16le()
	}
	if v.Extended && c.remaining() >= 4 {
		v.Bootloader = c.u16le()
		v.RegisterMap = c.u16le()
	}
	return v, nil
}
