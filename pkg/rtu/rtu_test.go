// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rtu

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/bmslink/pkg/tinybms"
)

// slave is a Modbus RTU register file behind the Transporter interface
type slave struct {
	id        byte
	registers map[uint16]uint16
	requests  [][]byte
	fail      error
}

func newSlave() *slave {
	return &slave{id: DefaultSlaveID, registers: map[uint16]uint16{
		0x012C: 3650,
		0x012D: 3000,
	}}
}

func withCRC(frame []byte) []byte {
	crc := tinybms.CRC16(frame)
	return append(frame, byte(crc), byte(crc>>8))
}

func (s *slave) Send(adu []byte) ([]byte, error) {
	s.requests = append(s.requests, append([]byte(nil), adu...))
	if s.fail != nil {
		return nil, s.fail
	}
	if tinybms.CRC16(adu[:len(adu)-2]) != binary.LittleEndian.Uint16(adu[len(adu)-2:]) {
		return nil, errors.New("bad request CRC")
	}

	fc := adu[1]
	start := binary.BigEndian.Uint16(adu[2:])
	qty := binary.BigEndian.Uint16(adu[4:])
	switch fc {
	case modbus.FuncCodeReadHoldingRegisters:
		resp := []byte{s.id, fc, byte(qty * 2)}
		for i := uint16(0); i < qty; i++ {
			resp = binary.BigEndian.AppendUint16(resp, s.registers[start+i])
		}
		return withCRC(resp), nil
	case modbus.FuncCodeWriteMultipleRegisters:
		data := adu[7 : len(adu)-2]
		for i := uint16(0); i < qty; i++ {
			s.registers[start+i] = binary.BigEndian.Uint16(data[i*2:])
		}
		return withCRC([]byte{s.id, fc, adu[2], adu[3], adu[4], adu[5]}), nil
	default:
		return withCRC([]byte{s.id, fc | 0x80, modbus.ExceptionCodeIllegalFunction}), nil
	}
}

func newTestClient(s *slave) *Client {
	packager := modbus.NewRTUClientHandler("")
	packager.SlaveId = DefaultSlaveID
	return NewClient(modbus.NewClient2(packager, s))
}

// ============================================================================
// Reads
// ============================================================================

func TestReadRegister(t *testing.T) {
	s := newSlave()
	c := newTestClient(s)

	v, err := c.ReadRegister(0x012C)
	require.NoError(t, err)
	require.Equal(t, uint16(3650), v)

	require.Len(t, s.requests, 1)
	require.Equal(t, []byte{0xAA, 0x03, 0x01, 0x2C, 0x00, 0x01}, s.requests[0][:6])
}

func TestReadRegisters(t *testing.T) {
	c := newTestClient(newSlave())

	values, err := c.ReadRegisters(0x012C, 3)
	require.NoError(t, err)
	require.Equal(t, []uint16{3650, 3000, 0}, values)
}

func TestReadRejectsQuantity(t *testing.T) {
	s := newSlave()
	c := newTestClient(s)

	_, err := c.ReadRegisters(0, 0)
	require.ErrorIs(t, err, tinybms.ErrInvalidArgument)
	_, err = c.ReadRegisters(0, tinybms.MaxModbusReadCount+1)
	require.ErrorIs(t, err, tinybms.ErrInvalidArgument)
	require.Empty(t, s.requests)
}

func TestReadTransportError(t *testing.T) {
	s := newSlave()
	s.fail = errors.New("port closed")
	c := newTestClient(s)

	_, err := c.ReadRegister(0x012C)
	require.ErrorContains(t, err, "port closed")
}

func TestReadWrongSlave(t *testing.T) {
	s := newSlave()
	s.id = 0x01
	c := newTestClient(s)

	_, err := c.ReadRegister(0x012C)
	require.Error(t, err)
}

// ============================================================================
// Writes
// ============================================================================

func TestWriteRegisters(t *testing.T) {
	s := newSlave()
	c := newTestClient(s)

	require.NoError(t, c.WriteRegisters(0x0140, []uint16{0x0102, 0x0304}))
	require.Equal(t, uint16(0x0102), s.registers[0x0140])
	require.Equal(t, uint16(0x0304), s.registers[0x0141])

	req := s.requests[0]
	require.Equal(t, []byte{0xAA, 0x10, 0x01, 0x40, 0x00, 0x02, 0x04, 0x01, 0x02, 0x03, 0x04}, req[:11])

	values, err := c.ReadRegisters(0x0140, 2)
	require.NoError(t, err)
	require.Equal(t, []uint16{0x0102, 0x0304}, values)
}

func TestWriteRejectsQuantity(t *testing.T) {
	c := newTestClient(newSlave())

	require.ErrorIs(t, c.WriteRegisters(0, nil), tinybms.ErrInvalidArgument)
	require.ErrorIs(t, c.WriteRegisters(0, make([]uint16, tinybms.MaxModbusWriteCount+1)),
		tinybms.ErrInvalidArgument)
}

func TestCloseWithoutPort(t *testing.T) {
	require.NoError(t, newTestClient(newSlave()).Close())
}

func TestPackRegisters(t *testing.T) {
	data := packRegisters([]uint16{0x0E42, 0x0001})
	require.Equal(t, []byte{0x0E, 0x42, 0x00, 0x01}, data)
	require.Equal(t, []uint16{0x0E42, 0x0001}, unpackRegisters(data))
}
