// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var readCmd = &cobra.Command{
	Use:   "read ADDR",
	Short: "Read one register",
	Long: `Read a single register with the individual read command (0x09).

ADDR accepts decimal or 0x-prefixed hex. Failed attempts are retried.`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

var writeCmd = &cobra.Command{
	Use:   "write ADDR VALUE",
	Short: "Write one register and verify it",
	Long: `Write a single register (0x0D), then read it back to confirm the BMS
stored the value. The command fails with VERIFY_MISMATCH when it did not.`,
	Args: cobra.ExactArgs(2),
	RunE: runWrite,
}

var blockReadCmd = &cobra.Command{
	Use:   "block-read START COUNT",
	Short: "Read consecutive registers (0x07)",
	Args:  cobra.ExactArgs(2),
	RunE:  runBlockRead,
}

var blockWriteCmd = &cobra.Command{
	Use:   "block-write START VALUE...",
	Short: "Write consecutive registers (0x0B) and verify them",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runBlockWrite,
}

var modbusReadCmd = &cobra.Command{
	Use:   "modbus-read START QTY",
	Short: "Read registers with the Modbus-compatible command (0x03)",
	Args:  cobra.ExactArgs(2),
	RunE:  runModbusRead,
}

var modbusWriteCmd = &cobra.Command{
	Use:   "modbus-write START VALUE...",
	Short: "Write registers with the Modbus-compatible command (0x10) and verify them",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runModbusWrite,
}

func init() {
	rootCmd.AddCommand(readCmd, writeCmd, blockReadCmd, blockWriteCmd, modbusReadCmd, modbusWriteCmd)
}

func runRead(cmd *cobra.Command, args []string) error {
	addr, err := parseRegister(args[0])
	if err != nil {
		return err
	}

	s, err := openSession(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	v, err := s.client.ReadRegister(cmd.Context(), addr)
	if err != nil {
		return err
	}
	fmt.Print(formatValues(addr, []uint16{v}))
	return nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	values, err := parseRegisters(args)
	if err != nil {
		return err
	}

	s, err := openSession(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	readBack, err := s.client.WriteRegister(cmd.Context(), values[0], values[1])
	if err != nil {
		return err
	}
	fmt.Printf("0x%04X: wrote 0x%04X, read back 0x%04X\n", values[0], values[1], readBack)
	return nil
}

func runBlockRead(cmd *cobra.Command, args []string) error {
	start, err := parseRegister(args[0])
	if err != nil {
		return err
	}
	count, err := parseCount(args[1])
	if err != nil {
		return err
	}

	s, err := openSession(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	values, err := s.client.ReadBlock(cmd.Context(), start, count)
	if err != nil {
		return err
	}
	fmt.Print(formatValues(start, values))
	return nil
}

func runBlockWrite(cmd *cobra.Command, args []string) error {
	start, err := parseRegister(args[0])
	if err != nil {
		return err
	}
	values, err := parseRegisters(args[1:])
	if err != nil {
		return err
	}

	s, err := openSession(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.client.WriteBlock(cmd.Context(), start, values); err != nil {
		return err
	}
	fmt.Printf("Wrote %d registers at 0x%04X\n", len(values), start)
	return nil
}

func runModbusRead(cmd *cobra.Command, args []string) error {
	start, err := parseRegister(args[0])
	if err != nil {
		return err
	}
	qty, err := parseCount(args[1])
	if err != nil {
		return err
	}

	s, err := openSession(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	values, err := s.client.ModbusRead(cmd.Context(), start, qty)
	if err != nil {
		return err
	}
	fmt.Print(formatValues(start, values))
	return nil
}

func runModbusWrite(cmd *cobra.Command, args []string) error {
	start, err := parseRegister(args[0])
	if err != nil {
		return err
	}
	values, err := parseRegisters(args[1:])
	if err != nil {
		return err
	}

	s, err := openSession(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.client.ModbusWrite(cmd.Context(), start, values); err != nil {
		return err
	}
	fmt.Printf("Wrote %d registers at 0x%04X\n", len(values), start)
	return nil
}
