// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sim emulates a TinyBMS on the far side of a byte channel.
//
// A Device decodes every request written to it and queues the response the
// real BMS would send, so it can stand in for a serial port wherever a
// client.Channel is expected. Faults can be injected per request.
package sim

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/Thermoquad/bmslink/pkg/client"
	"github.com/Thermoquad/bmslink/pkg/tinybms"
)

// Live data and settings registers used to answer the single-purpose commands
const (
	RegCellVoltageFirst  = 0  // 0.1 mV per cell, up to 16 cells
	RegLifetimeCounter   = 32 // uint32, seconds
	RegPackVoltage       = 36 // float32, V
	RegPackCurrent       = 38 // float32, A (negative while discharging)
	RegMinCellVoltage    = 40 // mV
	RegMaxCellVoltage    = 41 // mV
	RegExternalTemp1     = 42 // 0.1 degC
	RegExternalTemp2     = 43 // 0.1 degC
	RegStateOfCharge     = 46 // uint32, 0.000001 %
	RegInternalTemp      = 48 // 0.1 degC
	RegOnlineStatus      = 50
	RegCalculatedFirst   = 113
	RegCalculatedLast    = 120
	RegSettingsFirst     = 300
	RegSettingsLast      = 343
	maxBlockResponseRegs = (tinybms.MaxPayloadSize - 2) / 2
)

// Online status values
const (
	StatusCharging    = 0x91
	StatusFullCharged = 0x92
	StatusDischarging = 0x93
	StatusRegen       = 0x96
	StatusIdle        = 0x97
	StatusFault       = 0x9B
)

// Fault alters the device's answer to one request
type Fault int

const (
	FaultNone         Fault = iota
	FaultDrop               // swallow the request, send nothing
	FaultCorruptCRC         // flip a bit in the response CRC
	FaultNack               // answer with a NACK (command error)
	FaultGarbage            // prefix the response with line noise
	FaultUnrelated          // send an unrelated frame before the response
)

// Event is one entry of the BMS event log
type Event struct {
	Timestamp uint32 // seconds, 24 bits on the wire
	ID        byte
}

// Version is the firmware identity reported by 0x1E / 0x1F
type Version struct {
	Hardware         byte
	HardwareChanges  byte
	FirmwarePublic   byte
	FirmwareInternal uint16
	Bootloader       uint16
	RegisterMap      uint16
}

// Device is a simulated TinyBMS. It implements client.Channel.
type Device struct {
	mu          sync.Mutex
	registers   map[uint16]uint16
	frozen      map[uint16]bool
	events      []Event
	version     Version
	cells       int
	uptime      uint32
	faults      []Fault
	overflow    bool
	modbusEcho  bool
	delay       time.Duration
	readTimeout time.Duration
	inbuf       []byte
	outbuf      []byte
	requests    []tinybms.Request
	restarts    int
	closed      bool
	ready       chan struct{}
}

// NewDevice returns a four-cell pack at rest
func NewDevice() *Device {
	d := &Device{
		registers:   make(map[uint16]uint16),
		frozen:      make(map[uint16]bool),
		cells:       4,
		readTimeout: time.Second,
		ready:       make(chan struct{}, 1),
		version: Version{
			Hardware:         0x02,
			HardwareChanges:  0x01,
			FirmwarePublic:   0x06,
			FirmwareInternal: 0x0203,
			Bootloader:       0x0101,
			RegisterMap:      0x0004,
		},
	}

	cellMv := []uint16{3312, 3305, 3318, 3309}
	for i, mv := range cellMv {
		d.registers[RegCellVoltageFirst+uint16(i)] = mv * 10
	}
	d.setFloatLocked(RegPackVoltage, 13.244)
	d.setFloatLocked(RegPackCurrent, -2.5)
	d.registers[RegMinCellVoltage] = 3305
	d.registers[RegMaxCellVoltage] = 3318
	d.registers[RegExternalTemp1] = 215
	d.registers[RegExternalTemp2] = 0x8000 // not connected
	d.registers[RegInternalTemp] = 274
	d.setUint32Locked(RegStateOfCharge, 87_500_000)
	d.registers[RegOnlineStatus] = StatusDischarging
	d.setUint32Locked(RegLifetimeCounter, 3_600)

	d.registers[tinybms.RegFullyChargedVoltage] = 3650
	d.registers[tinybms.RegFullyChargedVoltage+1] = 2800 // fully discharged
	d.registers[tinybms.RegFullyChargedVoltage+6] = 100  // charge finished current mA/10
	d.registers[tinybms.RegFullyChargedVoltage+7] = 3500 // balance start mV
	d.registers[tinybms.RegFullyChargedVoltage+10] = 4   // cell count
	d.events = []Event{{Timestamp: 12, ID: 0x7A}, {Timestamp: 3_540, ID: 0x31}}
	return d
}

// Get returns a register value
func (d *Device) Get(address uint16) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registers[address]
}

// Set stores a register value regardless of Freeze
func (d *Device) Set(address, value uint16) {
	d.mu.Lock()
	d.registers[address] = value
	d.mu.Unlock()
}

// SetFloat stores a float32 across two registers, low word first
func (d *Device) SetFloat(address uint16, v float32) {
	d.mu.Lock()
	d.setFloatLocked(address, v)
	d.mu.Unlock()
}

func (d *Device) setFloatLocked(address uint16, v float32) {
	d.setUint32Locked(address, math.Float32bits(v))
}

func (d *Device) setUint32Locked(address uint16, v uint32) {
	d.registers[address] = uint16(v)
	d.registers[address+1] = uint16(v >> 16)
}

// Freeze makes writes to address acknowledged but ignored
func (d *Device) Freeze(address uint16) {
	d.mu.Lock()
	d.frozen[address] = true
	d.mu.Unlock()
}

// Inject queues faults; each one applies to the next request in order
func (d *Device) Inject(faults ...Fault) {
	d.mu.Lock()
	d.faults = append(d.faults, faults...)
	d.mu.Unlock()
}

// InjectOverflow makes the next Read report a receive buffer overflow
func (d *Device) InjectOverflow() {
	d.mu.Lock()
	d.overflow = true
	d.mu.Unlock()
}

// SetModbusEcho answers Modbus writes with a start/quantity echo instead of an ACK
func (d *Device) SetModbusEcho(on bool) {
	d.mu.Lock()
	d.modbusEcho = on
	d.mu.Unlock()
}

// SetDelay holds every response back for the given time
func (d *Device) SetDelay(delay time.Duration) {
	d.mu.Lock()
	d.delay = delay
	d.mu.Unlock()
}

// AddEvent appends to the event log
func (d *Device) AddEvent(ev Event) {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
}

// Events returns a copy of the event log
func (d *Device) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events...)
}

// Requests returns every request decoded so far
func (d *Device) Requests() []tinybms.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]tinybms.Request(nil), d.requests...)
}

// RequestCount returns how many requests were decoded
func (d *Device) RequestCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

// Restarts returns how many reset-BMS commands were accepted
func (d *Device) Restarts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restarts
}

// Tick advances the simulated clock, draining the pack at its current
func (d *Device) Tick(elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	secs := uint32(elapsed / time.Second)
	d.uptime += secs
	lifetime := uint32(d.registers[RegLifetimeCounter]) | uint32(d.registers[RegLifetimeCounter+1])<<16
	d.setUint32Locked(RegLifetimeCounter, lifetime+secs)

	current := math.Float32frombits(uint32(d.registers[RegPackCurrent]) | uint32(d.registers[RegPackCurrent+1])<<16)
	soc := int64(uint32(d.registers[RegStateOfCharge]) | uint32(d.registers[RegStateOfCharge+1])<<16)
	// 100 Ah pack: 1 A for 1 s is 1/360000 of capacity
	soc += int64(float64(current) * elapsed.Seconds() * 100_000_000 / 360_000)
	if soc < 0 {
		soc = 0
	}
	if soc > 100_000_000 {
		soc = 100_000_000
	}
	d.setUint32Locked(RegStateOfCharge, uint32(soc))
}

// SetReadTimeout implements client.Channel
func (d *Device) SetReadTimeout(t time.Duration) error {
	d.mu.Lock()
	d.readTimeout = t
	d.mu.Unlock()
	return nil
}

// ResetInputBuffer implements client.Channel, discarding unread responses
func (d *Device) ResetInputBuffer() error {
	d.mu.Lock()
	d.outbuf = d.outbuf[:0]
	d.mu.Unlock()
	return nil
}

// Close makes further reads return io.EOF
func (d *Device) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.signal()
	return nil
}

func (d *Device) signal() {
	select {
	case d.ready <- struct{}{}:
	default:
	}
}

// Read returns queued response bytes, waiting up to the read timeout.
// It returns 0, nil when nothing arrives in time.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	if d.overflow {
		d.overflow = false
		d.mu.Unlock()
		return 0, client.ErrOverflow
	}
	timer := time.NewTimer(d.readTimeout)
	d.mu.Unlock()
	defer timer.Stop()

	for {
		d.mu.Lock()
		if len(d.outbuf) > 0 {
			n := copy(p, d.outbuf)
			d.outbuf = d.outbuf[:copy(d.outbuf, d.outbuf[n:])]
			d.mu.Unlock()
			return n, nil
		}
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return 0, io.EOF
		}

		select {
		case <-d.ready:
		case <-timer.C:
			return 0, nil
		}
	}
}

// Write accepts request bytes. Complete frames are answered; partial frames
// wait for the rest.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	d.inbuf = append(d.inbuf, p...)

	var responses [][]byte
	for {
		off, size, err := tinybms.ExtractFrame(d.inbuf)
		if err != nil {
			if off > 0 {
				d.inbuf = d.inbuf[:copy(d.inbuf, d.inbuf[off:])]
			}
			if !errors.Is(err, tinybms.ErrIncomplete) {
				// a corrupted request is silently ignored, like the real BMS
				glog.V(1).Infof("sim: dropping request: %v", err)
				d.inbuf = d.inbuf[:0]
			}
			break
		}
		frame := append([]byte(nil), d.inbuf[off:off+size]...)
		d.inbuf = d.inbuf[:copy(d.inbuf, d.inbuf[off+size:])]
		if resp := d.answerLocked(frame); resp != nil {
			responses = append(responses, resp)
		}
	}
	delay := d.delay
	d.mu.Unlock()

	if len(responses) > 0 {
		if delay > 0 {
			time.AfterFunc(delay, func() { d.deliver(responses) })
		} else {
			d.deliver(responses)
		}
	}
	return len(p), nil
}

func (d *Device) deliver(responses [][]byte) {
	d.mu.Lock()
	for _, r := range responses {
		d.outbuf = append(d.outbuf, r...)
	}
	d.mu.Unlock()
	d.signal()
}

func (d *Device) nextFaultLocked() Fault {
	if len(d.faults) == 0 {
		return FaultNone
	}
	f := d.faults[0]
	d.faults = d.faults[1:]
	return f
}

// answerLocked builds the complete response to one request frame
func (d *Device) answerLocked(frame []byte) []byte {
	req, err := tinybms.DecodeRequest(frame)
	if err != nil {
		glog.V(1).Infof("sim: undecodable request % X: %v", frame, err)
		return tinybms.BuildNack(frame[1], tinybms.NackCmdError)
	}
	d.requests = append(d.requests, req)

	fault := d.nextFaultLocked()
	switch fault {
	case FaultDrop:
		return nil
	case FaultNack:
		return tinybms.BuildNack(req.Command, tinybms.NackCmdError)
	}

	resp := d.respondLocked(req)
	switch fault {
	case FaultCorruptCRC:
		resp[len(resp)-1] ^= 0x01
	case FaultGarbage:
		resp = append([]byte{0x13, 0x37, 0x00}, resp...)
	case FaultUnrelated:
		resp = append(tinybms.BuildAck(0x7F), resp...)
	}
	return resp
}

func (d *Device) writeLocked(address, value uint16) {
	if d.frozen[address] {
		return
	}
	d.registers[address] = value
}

func (d *Device) respondLocked(req tinybms.Request) []byte {
	switch req.Command {
	case tinybms.CmdReadIndividual:
		payload := binary.LittleEndian.AppendUint16(nil, req.Address)
		payload = binary.LittleEndian.AppendUint16(payload, d.registers[req.Address])
		return d.response(req.Command, payload)

	case tinybms.CmdWriteIndividual:
		d.writeLocked(req.Address, req.Value)
		return tinybms.BuildAck(req.Command)

	case tinybms.CmdReset:
		switch req.Option {
		case tinybms.ResetOptionClearEvents:
			d.events = nil
		case tinybms.ResetOptionClearStatistics:
			d.setUint32Locked(RegLifetimeCounter, 0)
		case tinybms.ResetOptionBMS:
			d.restarts++
			d.uptime = 0
		default:
			return tinybms.BuildNack(req.Command, tinybms.NackCmdError)
		}
		return tinybms.BuildAck(req.Command)

	case tinybms.CmdReadBlock:
		count := req.Count
		if count > maxBlockResponseRegs {
			count = maxBlockResponseRegs
		}
		payload := binary.LittleEndian.AppendUint16(nil, req.Address)
		for i := 0; i < count; i++ {
			payload = binary.LittleEndian.AppendUint16(payload, d.registers[req.Address+uint16(i)])
		}
		return d.response(req.Command, payload)

	case tinybms.CmdWriteBlock:
		for i, v := range req.Values {
			d.writeLocked(req.Address+uint16(i), v)
		}
		return tinybms.BuildAck(req.Command)

	case tinybms.CmdModbusRead:
		payload := []byte{byte(2 * req.Count)}
		for i := 0; i < req.Count; i++ {
			payload = binary.BigEndian.AppendUint16(payload, d.registers[req.Address+uint16(i)])
		}
		return d.response(req.Command, payload)

	case tinybms.CmdModbusWrite:
		for i, v := range req.Values {
			d.writeLocked(req.Address+uint16(i), v)
		}
		if d.modbusEcho {
			payload := binary.BigEndian.AppendUint16(nil, req.Address)
			payload = binary.BigEndian.AppendUint16(payload, uint16(req.Count))
			return d.response(req.Command, payload)
		}
		return tinybms.BuildAck(req.Command)
	}

	return d.simpleLocked(req.Command)
}

func (d *Device) registerBytes(first, last uint16) []byte {
	var payload []byte
	for a := first; a <= last; a++ {
		payload = binary.LittleEndian.AppendUint16(payload, d.registers[a])
	}
	return payload
}

func (d *Device) simpleLocked(code byte) []byte {
	var payload []byte
	switch code {
	case tinybms.CmdEventsNewest, tinybms.CmdEventsAll:
		events := d.events
		if code == tinybms.CmdEventsNewest && len(events) > 1 {
			events = events[len(events)-1:]
		}
		payload = binary.LittleEndian.AppendUint32(nil, d.uptime)
		for _, ev := range events {
			if len(payload)+4 > tinybms.MaxPayloadSize {
				break
			}
			payload = append(payload, byte(ev.Timestamp), byte(ev.Timestamp>>8), byte(ev.Timestamp>>16), ev.ID)
		}
	case tinybms.CmdPackVoltage:
		payload = d.registerBytes(RegPackVoltage, RegPackVoltage+1)
	case tinybms.CmdPackCurrent:
		payload = d.registerBytes(RegPackCurrent, RegPackCurrent+1)
	case tinybms.CmdMaxCellVoltage:
		payload = d.registerBytes(RegMaxCellVoltage, RegMaxCellVoltage)
	case tinybms.CmdMinCellVoltage:
		payload = d.registerBytes(RegMinCellVoltage, RegMinCellVoltage)
	case tinybms.CmdOnlineStatus:
		payload = d.registerBytes(RegOnlineStatus, RegOnlineStatus)
	case tinybms.CmdLifetimeCounter:
		payload = d.registerBytes(RegLifetimeCounter, RegLifetimeCounter+1)
	case tinybms.CmdStateOfCharge:
		payload = d.registerBytes(RegStateOfCharge, RegStateOfCharge+1)
	case tinybms.CmdTemperatures:
		payload = append(d.registerBytes(RegInternalTemp, RegInternalTemp),
			d.registerBytes(RegExternalTemp1, RegExternalTemp2)...)
	case tinybms.CmdCellVoltages:
		payload = d.registerBytes(RegCellVoltageFirst, RegCellVoltageFirst+uint16(d.cells)-1)
	case tinybms.CmdSettings:
		payload = d.registerBytes(RegSettingsFirst, RegSettingsLast)
	case tinybms.CmdVersion, tinybms.CmdExtendedVersion:
		v := d.version
		payload = []byte{v.Hardware, v.HardwareChanges, v.FirmwarePublic}
		payload = binary.LittleEndian.AppendUint16(payload, v.FirmwareInternal)
		if code == tinybms.CmdExtendedVersion {
			payload = binary.LittleEndian.AppendUint16(payload, v.Bootloader)
			payload = binary.LittleEndian.AppendUint16(payload, v.RegisterMap)
		}
	case tinybms.CmdCalculatedValues:
		payload = d.registerBytes(RegCalculatedFirst, RegCalculatedLast)
	default:
		return tinybms.BuildNack(code, tinybms.NackCmdError)
	}
	return d.response(code, payload)
}

func (d *Device) response(cmd byte, payload []byte) []byte {
	frame, err := tinybms.BuildResponse(cmd, payload)
	if err != nil {
		glog.Errorf("sim: build response 0x%02X: %v", cmd, err)
		return tinybms.BuildNack(cmd, tinybms.NackCmdError)
	}
	return frame
}
