// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/bmslink/pkg/rtu"
)

var rtuSlaveID uint8

var rtuReadCmd = &cobra.Command{
	Use:   "rtu-read START [QTY]",
	Short: "Read holding registers over standard Modbus RTU",
	Long: `Read holding registers with a plain Modbus RTU request (function 0x03)
addressed to the BMS slave id. Uses the serial port directly, without the
client queue or retries. Not available over a WebSocket bridge.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRTURead,
}

var rtuWriteCmd = &cobra.Command{
	Use:   "rtu-write START VALUE...",
	Short: "Write holding registers over standard Modbus RTU",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runRTUWrite,
}

func init() {
	rootCmd.AddCommand(rtuReadCmd, rtuWriteCmd)
	for _, c := range []*cobra.Command{rtuReadCmd, rtuWriteCmd} {
		c.Flags().Uint8Var(&rtuSlaveID, "slave", rtu.DefaultSlaveID, "Modbus slave id")
	}
}

func dialRTU(cmd *cobra.Command) (*rtu.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Serial.Port == "" {
		return nil, fmt.Errorf("--port is required for Modbus RTU")
	}
	return rtu.Dial(rtu.Config{
		Port:     cfg.Serial.Port,
		BaudRate: cfg.Serial.Baud,
		Timeout:  cfg.Client.Timeout,
		SlaveID:  rtuSlaveID,
	})
}

func runRTURead(cmd *cobra.Command, args []string) error {
	start, err := parseRegister(args[0])
	if err != nil {
		return err
	}
	qty := 1
	if len(args) == 2 {
		if qty, err = parseCount(args[1]); err != nil {
			return err
		}
	}

	c, err := dialRTU(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	values, err := c.ReadRegisters(start, qty)
	if err != nil {
		return err
	}
	fmt.Print(formatValues(start, values))
	return nil
}

func runRTUWrite(cmd *cobra.Command, args []string) error {
	values, err := parseRegisters(args)
	if err != nil {
		return err
	}

	c, err := dialRTU(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.WriteRegisters(values[0], values[1:]); err != nil {
		return err
	}
	fmt.Printf("Wrote %d registers at 0x%04X\n", len(values)-1, values[0])
	return nil
}
