// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package tinybms implements the TinyBMS UART protocol frame codec.
//
// Every frame on the wire is [0xAA][command][payload length][payload...][crc lo][crc hi],
// except ACK and NACK responses which carry the acknowledged command in place of
// the payload length. This package builds request frames for each command,
// extracts CRC-valid frames from an accumulating receive buffer and parses every
// response shape the BMS produces.
package tinybms

// Framing
const (
	Preamble = 0xAA

	HeaderSize     = 3 // preamble + command + payload length
	CRCSize        = 2
	MinFrameSize   = 5 // smallest frame that carries a length field (ACK)
	MaxPayloadSize = 255
	MaxFrameSize   = HeaderSize + MaxPayloadSize + CRCSize

	AckFrameSize  = 5
	NackFrameSize = 6
)

// CRC16 (Modbus) configuration
const (
	crcPolynomial = 0xA001
	crcInitial    = 0xFFFF
)

// Response types (byte 2 of an acknowledgement frame)
const (
	RespNack = 0x00
	RespAck  = 0x01
)

// Commands - register access
const (
	CmdReset           = 0x02
	CmdModbusRead      = 0x03
	CmdReadBlock       = 0x07
	CmdReadIndividual  = 0x09
	CmdWriteBlock      = 0x0B
	CmdWriteIndividual = 0x0D
	CmdModbusWrite     = 0x10
)

// Commands - single purpose reads
const (
	CmdEventsNewest     = 0x11
	CmdEventsAll        = 0x12
	CmdPackVoltage      = 0x14
	CmdPackCurrent      = 0x15
	CmdMaxCellVoltage   = 0x16
	CmdMinCellVoltage   = 0x17
	CmdOnlineStatus     = 0x18
	CmdLifetimeCounter  = 0x19
	CmdStateOfCharge    = 0x1A
	CmdTemperatures     = 0x1B
	CmdCellVoltages     = 0x1C
	CmdSettings         = 0x1D
	CmdVersion          = 0x1E
	CmdExtendedVersion  = 0x1F
	CmdCalculatedValues = 0x20

	firstSimpleCommand = CmdEventsNewest
	lastSimpleCommand  = CmdCalculatedValues
)

// Reset command options
const (
	ResetOptionClearEvents     = 0x01
	ResetOptionClearStatistics = 0x02
	ResetOptionBMS             = 0x05
)

// Per-command count limits
const (
	MaxReadBlockCount   = 255
	MaxWriteBlockCount  = 125
	MaxModbusReadCount  = 125
	MaxModbusWriteCount = 123
)

// NackUnknownError is reported when a NACK frame is too short to carry an error code.
const NackUnknownError = 0xFF

// NACK error codes
const (
	NackCmdError = 0x00
	NackCRCError = 0x01
)

// Well-known registers
const (
	RegFullyChargedVoltage = 0x012C // fully_charged_voltage_mv, used as the connection probe
	RegSystemRestart       = 0x0086
	RestartValue           = 0xA55A
)

// IsSimpleCommand reports whether code is one of the single-purpose read commands.
func IsSimpleCommand(code byte) bool {
	return code >= firstSimpleCommand && code <= lastSimpleCommand && code != 0x13
}
