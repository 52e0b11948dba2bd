// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// bmslink - TinyBMS UART protocol client
//
// A CLI tool for reading and writing TinyBMS registers over a serial port
// or a WebSocket serial bridge.

package main

import (
	"os"

	"github.com/golang/glog"

	"github.com/Thermoquad/bmslink/cmd"
)

func main() {
	err := cmd.Execute()
	glog.Flush()
	if err != nil {
		os.Exit(1)
	}
}
