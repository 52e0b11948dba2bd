// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybms

import (
	"encoding/binary"
	"slices"
)

// Command builders for every request the BMS accepts.
// Each Build function returns a complete frame including the trailing CRC.
// The matching Append function appends the same frame to dst, growing it as
// needed; a nil dst is fine.

// newFrame starts a frame with room for the given payload size.
func newFrame(cmd byte, payloadLen int) []byte {
	return appendHeader(nil, cmd, payloadLen)
}

// appendHeader grows dst for a whole frame and appends its header
func appendHeader(dst []byte, cmd byte, payloadLen int) []byte {
	dst = slices.Grow(dst, HeaderSize+payloadLen+CRCSize)
	return append(dst, Preamble, cmd, byte(payloadLen))
}

// finishFrame appends the CRC of the frame starting at dst[start]
func finishFrame(dst []byte, start int) []byte {
	crc := CRC16(dst[start:])
	return append(dst, byte(crc), byte(crc>>8))
}

// BuildReadIndividual creates a read individual register frame (0x09)
func BuildReadIndividual(address uint16) []byte {
	return AppendReadIndividual(nil, address)
}

func AppendReadIndividual(dst []byte, address uint16) []byte {
	start := len(dst)
	dst = appendHeader(dst, CmdReadIndividual, 2)
	dst = binary.LittleEndian.AppendUint16(dst, address)
	return finishFrame(dst, start)
}

// BuildWriteIndividual creates a write individual register frame (0x0D)
func BuildWriteIndividual(address, value uint16) []byte {
	return AppendWriteIndividual(nil, address, value)
}

func AppendWriteIndividual(dst []byte, address, value uint16) []byte {
	start := len(dst)
	dst = appendHeader(dst, CmdWriteIndividual, 4)
	dst = binary.LittleEndian.AppendUint16(dst, address)
	dst = binary.LittleEndian.AppendUint16(dst, value)
	return finishFrame(dst, start)
}

// BuildReset creates a reset frame (0x02) carrying a single option byte
func BuildReset(option byte) ([]byte, error) {
	return AppendReset(nil, option)
}

// AppendReset leaves dst untouched when option is unknown
func AppendReset(dst []byte, option byte) ([]byte, error) {
	switch option {
	case ResetOptionClearEvents, ResetOptionClearStatistics, ResetOptionBMS:
	default:
		return dst, invalidf("unknown reset option 0x%02X", option)
	}
	start := len(dst)
	dst = appendHeader(dst, CmdReset, 1)
	dst = append(dst, option)
	return finishFrame(dst, start), nil
}

// BuildReadBlock creates a proprietary block read frame (0x07)
func BuildReadBlock(start uint16, count int) ([]byte, error) {
	return AppendReadBlock(nil, start, count)
}

func AppendReadBlock(dst []byte, start uint16, count int) ([]byte, error) {
	if count <= 0 || count > MaxReadBlockCount {
		return dst, invalidf("block read count %d out of range 1..%d", count, MaxReadBlockCount)
	}
	at := len(dst)
	dst = appendHeader(dst, CmdReadBlock, 3)
	dst = binary.LittleEndian.AppendUint16(dst, start)
	dst = append(dst, byte(count))
	return finishFrame(dst, at), nil
}

// BuildWriteBlock creates a proprietary block write frame (0x0B).
// Values are sent little-endian.
func BuildWriteBlock(start uint16, values []uint16) ([]byte, error) {
	return AppendWriteBlock(nil, start, values)
}

func AppendWriteBlock(dst []byte, start uint16, values []uint16) ([]byte, error) {
	if len(values) == 0 || len(values) > MaxWriteBlockCount {
		return dst, invalidf("block write count %d out of range 1..%d", len(values), MaxWriteBlockCount)
	}
	at := len(dst)
	dst = appendHeader(dst, CmdWriteBlock, 3+2*len(values))
	dst = binary.LittleEndian.AppendUint16(dst, start)
	dst = append(dst, byte(len(values)))
	for _, v := range values {
		dst = binary.LittleEndian.AppendUint16(dst, v)
	}
	return finishFrame(dst, at), nil
}

// BuildModbusRead creates a Modbus-style read frame (0x03)
func BuildModbusRead(start uint16, quantity int) ([]byte, error) {
	return AppendModbusRead(nil, start, quantity)
}

func AppendModbusRead(dst []byte, start uint16, quantity int) ([]byte, error) {
	if quantity <= 0 || quantity > MaxModbusReadCount {
		return dst, invalidf("modbus read quantity %d out of range 1..%d", quantity, MaxModbusReadCount)
	}
	at := len(dst)
	dst = appendHeader(dst, CmdModbusRead, 4)
	dst = binary.LittleEndian.AppendUint16(dst, start)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(quantity))
	return finishFrame(dst, at), nil
}

// BuildModbusWrite creates a Modbus-style write frame (0x10).
// Register values are big-endian, unlike every proprietary command.
func BuildModbusWrite(start uint16, values []uint16) ([]byte, error) {
	return AppendModbusWrite(nil, start, values)
}

func AppendModbusWrite(dst []byte, start uint16, values []uint16) ([]byte, error) {
	if len(values) == 0 || len(values) > MaxModbusWriteCount {
		return dst, invalidf("modbus write quantity %d out of range 1..%d", len(values), MaxModbusWriteCount)
	}
	byteCount := 2 * len(values)
	at := len(dst)
	dst = appendHeader(dst, CmdModbusWrite, 5+byteCount)
	dst = binary.LittleEndian.AppendUint16(dst, start)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(values)))
	dst = append(dst, byte(byteCount))
	for _, v := range values {
		dst = binary.BigEndian.AppendUint16(dst, v)
	}
	return finishFrame(dst, at), nil
}

// BuildSimple creates a single-purpose read frame (0x11-0x20) with an empty payload
func BuildSimple(code byte) ([]byte, error) {
	return AppendSimple(nil, code)
}

func AppendSimple(dst []byte, code byte) ([]byte, error) {
	if !IsSimpleCommand(code) {
		return dst, invalidf("0x%02X is not a single-purpose read command", code)
	}
	at := len(dst)
	dst = appendHeader(dst, code, 0)
	return finishFrame(dst, at), nil
}

// BuildAck creates an ACK response for cmd. Used by device emulation.
func BuildAck(cmd byte) []byte {
	return appendCRC([]byte{Preamble, RespAck, cmd})
}

// BuildNack creates a NACK response for cmd carrying code. Used by device emulation.
func BuildNack(cmd, code byte) []byte {
	return appendCRC([]byte{Preamble, RespNack, cmd, code})
}

// BuildResponse creates a data response frame with an arbitrary payload.
func BuildResponse(cmd byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, invalidf("payload of %d bytes exceeds %d", len(payload), MaxPayloadSize)
	}
	frame := newFrame(cmd, len(payload))
	frame = append(frame, payload...)
	return appendCRC(frame), nil
}
