// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/bmslink/pkg/tinybms"
)

// queryCommands maps query names to single purpose command codes
var queryCommands = map[string]byte{
	"events":      tinybms.CmdEventsNewest,
	"events-all":  tinybms.CmdEventsAll,
	"voltage":     tinybms.CmdPackVoltage,
	"current":     tinybms.CmdPackCurrent,
	"max-cell":    tinybms.CmdMaxCellVoltage,
	"min-cell":    tinybms.CmdMinCellVoltage,
	"status":      tinybms.CmdOnlineStatus,
	"lifetime":    tinybms.CmdLifetimeCounter,
	"soc":         tinybms.CmdStateOfCharge,
	"temps":       tinybms.CmdTemperatures,
	"cells":       tinybms.CmdCellVoltages,
	"settings":    tinybms.CmdSettings,
	"version":     tinybms.CmdVersion,
	"version-ext": tinybms.CmdExtendedVersion,
	"calculated":  tinybms.CmdCalculatedValues,
}

func queryNames() []string {
	names := make([]string, 0, len(queryCommands))
	for name := range queryCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var queryCmd = &cobra.Command{
	Use:   "query NAME",
	Short: "Issue a single purpose read command (0x11-0x20)",
	Long: `Issue one of the BMS single purpose read commands and decode the response.

Names: ` + strings.Join(queryNames(), ", "),
	Args:      cobra.ExactArgs(1),
	ValidArgs: queryNames(),
	RunE:      runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	code, ok := queryCommands[args[0]]
	if !ok {
		return fmt.Errorf("unknown query %q (one of: %s)", args[0], strings.Join(queryNames(), ", "))
	}

	s, err := openSession(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	frame, err := s.client.SimpleCommand(cmd.Context(), code)
	if err != nil {
		return err
	}
	out, err := describeSimple(frame)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

// onlineStatusName names the values of the online status register
func onlineStatusName(status uint16) string {
	switch status {
	case 0x91:
		return "CHARGING"
	case 0x92:
		return "FULLY_CHARGED"
	case 0x93:
		return "DISCHARGING"
	case 0x96:
		return "REGENERATION"
	case 0x97:
		return "IDLE"
	case 0x9B:
		return "FAULT"
	default:
		return "UNKNOWN"
	}
}

// formatTemperature renders a 0.1 degC reading; -32768 means no sensor
func formatTemperature(raw int16) string {
	if raw == -32768 {
		return "n/c"
	}
	return fmt.Sprintf("%.1f°C", float64(raw)/10)
}

// describeSimple decodes a single purpose command response for display
func describeSimple(frame tinybms.Frame) (string, error) {
	code := frame.Command()
	name := tinybms.CommandName(code)

	switch code {
	case tinybms.CmdPackVoltage:
		v, err := tinybms.ParseFloat32Payload(frame, code)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: %.3f V\n", name, v), nil

	case tinybms.CmdPackCurrent:
		v, err := tinybms.ParseFloat32Payload(frame, code)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: %.3f A\n", name, v), nil

	case tinybms.CmdMaxCellVoltage, tinybms.CmdMinCellVoltage:
		v, err := tinybms.ParseUint16Payload(frame, code)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: %d mV\n", name, v), nil

	case tinybms.CmdOnlineStatus:
		v, err := tinybms.ParseUint16Payload(frame, code)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: %s (0x%04X)\n", name, onlineStatusName(v), v), nil

	case tinybms.CmdLifetimeCounter:
		v, err := tinybms.ParseUint32Payload(frame, code)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: %s\n", name, formatUptime(uint64(v)*1000)), nil

	case tinybms.CmdStateOfCharge:
		v, err := tinybms.ParseUint32Payload(frame, code)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s: %.2f %%\n", name, float64(v)/1_000_000), nil

	case tinybms.CmdTemperatures:
		values := make([]uint16, 3)
		n, err := tinybms.ParseUint16Values(frame, code, values)
		if err != nil {
			return "", err
		}
		labels := []string{"Internal", "External 1", "External 2"}
		var b strings.Builder
		fmt.Fprintf(&b, "%s:\n", name)
		for i := 0; i < n; i++ {
			fmt.Fprintf(&b, "  %s: %s\n", labels[i], formatTemperature(int16(values[i])))
		}
		return b.String(), nil

	case tinybms.CmdCellVoltages:
		values := make([]uint16, tinybms.MaxPayloadSize/2)
		n, err := tinybms.ParseUint16Values(frame, code, values)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s:\n", name)
		for i := 0; i < n; i++ {
			fmt.Fprintf(&b, "  Cell %2d: %.4f V\n", i+1, float64(values[i])/10000)
		}
		return b.String(), nil

	case tinybms.CmdSettings, tinybms.CmdCalculatedValues:
		values := make([]uint16, tinybms.MaxPayloadSize/2)
		n, err := tinybms.ParseUint16Values(frame, code, values)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s:\n%s", name, indent(formatValueList(values[:n]))), nil

	case tinybms.CmdVersion, tinybms.CmdExtendedVersion:
		v, err := tinybms.ParseVersion(frame)
		if err != nil {
			return "", err
		}
		out := fmt.Sprintf("%s: hardware %d.%d, firmware %d (internal %d)\n",
			name, v.Hardware, v.HardwareChanges, v.FirmwarePublic, v.FirmwareInternal)
		if v.Extended {
			out += fmt.Sprintf("  Bootloader: %d, Register map: %d\n", v.Bootloader, v.RegisterMap)
		}
		return out, nil

	case tinybms.CmdEventsNewest, tinybms.CmdEventsAll:
		payload, err := tinybms.ParsePayload(frame, code)
		if err != nil {
			return "", err
		}
		if len(payload) < 4 {
			return "", fmt.Errorf("%w: events payload too short: %d bytes", tinybms.ErrInvalidArgument, len(payload))
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s: BMS time %ds\n", name, binary.LittleEndian.Uint32(payload))
		for p := payload[4:]; len(p) >= 4; p = p[4:] {
			ts := uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16
			fmt.Fprintf(&b, "  [%8ds] event 0x%02X\n", ts, p[3])
		}
		return b.String(), nil
	}

	return "", fmt.Errorf("%w: 0x%02X is not a single purpose command", tinybms.ErrInvalidArgument, code)
}

// formatValueList renders values with their index, one per line
func formatValueList(values []uint16) string {
	var b strings.Builder
	for i, v := range values {
		fmt.Fprintf(&b, "[%3d] 0x%04X (%d)\n", i, v, v)
	}
	return b.String()
}

func indent(s string) string {
	if s == "" {
		return s
	}
	return "  " + strings.ReplaceAll(strings.TrimSuffix(s, "\n"), "\n", "\n  ") + "\n"
}
