// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Thermoquad/bmslink/pkg/client"
)

// errUsage marks a console line with the wrong arguments
var errUsage = errors.New("usage")

// consoleCommand is one command understood by the shell and the monitor input
type consoleCommand struct {
	Name  string
	Usage string
	Help  string
}

var consoleCommands = []consoleCommand{
	{"read", "read ADDR [COUNT]", "read a register, or COUNT registers with a block read"},
	{"write", "write ADDR VALUE...", "write and verify one register, or a block when several values are given"},
	{"modbus-read", "modbus-read START QTY", "read registers with the Modbus-compatible command"},
	{"modbus-write", "modbus-write START VALUE...", "write and verify registers with the Modbus-compatible command"},
	{"query", "query NAME", "single purpose read: " + strings.Join(queryNames(), ", ")},
	{"reset", "reset bms|events|stats", "restart the BMS or clear its events or statistics"},
	{"stats", "stats", "show client transaction statistics"},
	{"clear-stats", "clear-stats", "zero the client transaction statistics"},
}

func usageError(name string) error {
	for _, c := range consoleCommands {
		if c.Name == name {
			return fmt.Errorf("%w: %s", errUsage, c.Usage)
		}
	}
	return fmt.Errorf("unknown command %q", name)
}

// execLine runs one console command line against c and returns its output
func execLine(ctx context.Context, c *client.Client, line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	name, args := fields[0], fields[1:]

	switch name {
	case "read":
		if len(args) < 1 || len(args) > 2 {
			return "", usageError(name)
		}
		addr, err := parseRegister(args[0])
		if err != nil {
			return "", err
		}
		if len(args) == 2 {
			count, err := parseCount(args[1])
			if err != nil {
				return "", err
			}
			values, err := c.ReadBlock(ctx, addr, count)
			if err != nil {
				return "", err
			}
			return formatValues(addr, values), nil
		}
		v, err := c.ReadRegister(ctx, addr)
		if err != nil {
			return "", err
		}
		return formatValues(addr, []uint16{v}), nil

	case "write", "modbus-write":
		if len(args) < 2 {
			return "", usageError(name)
		}
		values, err := parseRegisters(args)
		if err != nil {
			return "", err
		}
		start, values := values[0], values[1:]
		switch {
		case name == "modbus-write":
			err = c.ModbusWrite(ctx, start, values)
		case len(values) == 1:
			var readBack uint16
			readBack, err = c.WriteRegister(ctx, start, values[0])
			if err == nil {
				return fmt.Sprintf("0x%04X: wrote 0x%04X, read back 0x%04X\n", start, values[0], readBack), nil
			}
		default:
			err = c.WriteBlock(ctx, start, values)
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Wrote %d registers at 0x%04X\n", len(values), start), nil

	case "modbus-read":
		if len(args) != 2 {
			return "", usageError(name)
		}
		start, err := parseRegister(args[0])
		if err != nil {
			return "", err
		}
		qty, err := parseCount(args[1])
		if err != nil {
			return "", err
		}
		values, err := c.ModbusRead(ctx, start, qty)
		if err != nil {
			return "", err
		}
		return formatValues(start, values), nil

	case "query":
		if len(args) != 1 {
			return "", usageError(name)
		}
		code, ok := queryCommands[args[0]]
		if !ok {
			return "", fmt.Errorf("unknown query %q", args[0])
		}
		frame, err := c.SimpleCommand(ctx, code)
		if err != nil {
			return "", err
		}
		return describeSimple(frame)

	case "reset":
		if len(args) != 1 {
			return "", usageError(name)
		}
		var err error
		switch args[0] {
		case "bms":
			err = c.Restart(ctx)
		case "events":
			err = c.ClearEvents(ctx)
		case "stats":
			err = c.ClearStatistics(ctx)
		default:
			return "", usageError(name)
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Reset %s: OK\n", args[0]), nil

	case "stats":
		return c.Stats().String(), nil

	case "clear-stats":
		c.ResetStats()
		return "Statistics cleared\n", nil
	}

	return "", fmt.Errorf("unknown command %q", name)
}
