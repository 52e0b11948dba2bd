// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybms

import (
	"fmt"
	"strings"
)

// CommandName returns the human-readable name for a command code
func CommandName(cmd byte) string {
	switch cmd {
	case RespNack:
		return "NACK"
	case RespAck:
		return "ACK"
	case CmdReset:
		return "RESET"
	case CmdModbusRead:
		return "MODBUS_READ"
	case CmdReadBlock:
		return "READ_BLOCK"
	case CmdReadIndividual:
		return "READ_INDIVIDUAL"
	case CmdWriteBlock:
		return "WRITE_BLOCK"
	case CmdWriteIndividual:
		return "WRITE_INDIVIDUAL"
	case CmdModbusWrite:
		return "MODBUS_WRITE"

	// Single purpose reads (0x11-0x20)
	case CmdEventsNewest:
		return "EVENTS_NEWEST"
	case CmdEventsAll:
		return "EVENTS_ALL"
	case CmdPackVoltage:
		return "PACK_VOLTAGE"
	case CmdPackCurrent:
		return "PACK_CURRENT"
	case CmdMaxCellVoltage:
		return "MAX_CELL_VOLTAGE"
	case CmdMinCellVoltage:
		return "MIN_CELL_VOLTAGE"
	case CmdOnlineStatus:
		return "ONLINE_STATUS"
	case CmdLifetimeCounter:
		return "LIFETIME_COUNTER"
	case CmdStateOfCharge:
		return "STATE_OF_CHARGE"
	case CmdTemperatures:
		return "TEMPERATURES"
	case CmdCellVoltages:
		return "CELL_VOLTAGES"
	case CmdSettings:
		return "SETTINGS"
	case CmdVersion:
		return "VERSION"
	case CmdExtendedVersion:
		return "EXTENDED_VERSION"
	case CmdCalculatedValues:
		return "CALCULATED_VALUES"
	default:
		return "UNKNOWN"
	}
}

// FormatFrame formats a frame into a single human-readable line
func FormatFrame(f Frame) string {
	var b strings.Builder

	if f.IsAck() {
		fmt.Fprintf(&b, "%s (0x%02X) for %s (0x%02X)", CommandName(f[1]), f[1], CommandName(f[2]), f[2])
		if f[1] == RespNack {
			_, code, _ := ParseAck(f)
			fmt.Fprintf(&b, " error=%s (0x%02X)", NackCodeName(code), code)
		}
	} else {
		fmt.Fprintf(&b, "%s (0x%02X) len=%d", CommandName(f.Command()), f.Command(), f.PayloadLength())
		if req, err := DecodeRequest(f); err == nil {
			b.WriteString(formatRequestFields(req))
		}
	}

	fmt.Fprintf(&b, " crc=0x%04X\n", f.CRC())
	fmt.Fprintf(&b, "  % X\n", []byte(f))
	return b.String()
}

// FormatResult formats a stream decoder result, including skipped bytes and errors
func FormatResult(r DecodeResult) string {
	timestamp := r.Timestamp.Format("15:04:05.000")
	var b strings.Builder
	if r.Skipped > 0 {
		fmt.Fprintf(&b, "[%s] skipped %d bytes\n", timestamp, r.Skipped)
	}
	if r.Err != nil {
		fmt.Fprintf(&b, "[%s] ERROR: %v\n", timestamp, r.Err)
		return b.String()
	}
	fmt.Fprintf(&b, "[%s] %s", timestamp, FormatFrame(r.Frame))
	return b.String()
}

func formatRequestFields(req Request) string {
	switch req.Command {
	case CmdReset:
		return fmt.Sprintf(" option=0x%02X", req.Option)
	case CmdReadIndividual:
		return fmt.Sprintf(" addr=0x%04X", req.Address)
	case CmdWriteIndividual:
		return fmt.Sprintf(" addr=0x%04X value=0x%04X", req.Address, req.Value)
	case CmdReadBlock, CmdModbusRead:
		return fmt.Sprintf(" start=0x%04X count=%d", req.Address, req.Count)
	case CmdWriteBlock, CmdModbusWrite:
		return fmt.Sprintf(" start=0x%04X count=%d values=%v", req.Address, req.Count, req.Values)
	default:
		return ""
	}
}
