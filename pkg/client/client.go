// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package client provides serialized, retried access to a TinyBMS over a
// byte channel. All transactions run on a single worker goroutine fed by a
// bounded FIFO queue; callers block until their own request completes.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/Thermoquad/bmslink/pkg/bus"
	"github.com/Thermoquad/bmslink/pkg/tinybms"
)

// Config holds the protocol timing and queue parameters
type Config struct {
	Timeout        time.Duration // per physical transaction
	Backoff        time.Duration // pause between attempts
	Settle         time.Duration // pause between an acknowledged write and its read-back
	RetryCount     int           // total attempts per phase
	QueueDepth     int
	EnqueueTimeout time.Duration
	WaitMargin     time.Duration // added to Timeout when computing how long a caller waits
	ProbeRegister  uint16
}

// DefaultConfig returns the timing used on real hardware
func DefaultConfig() Config {
	return Config{
		Timeout:        750 * time.Millisecond,
		Backoff:        100 * time.Millisecond,
		Settle:         50 * time.Millisecond,
		RetryCount:     3,
		QueueDepth:     10,
		EnqueueTimeout: 100 * time.Millisecond,
		WaitMargin:     100 * time.Millisecond,
		ProbeRegister:  tinybms.RegFullyChargedVoltage,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = def.RetryCount
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = def.EnqueueTimeout
	}
	if cfg.WaitMargin < 0 {
		cfg.WaitMargin = 0
	}
	if cfg.ProbeRegister == 0 {
		cfg.ProbeRegister = def.ProbeRegister
	}
	return cfg
}

// callerWait is how long a caller waits for a request spanning the given
// number of retried phases
func (cfg Config) callerWait(phases int) time.Duration {
	return (cfg.Timeout + cfg.WaitMargin) * time.Duration(cfg.RetryCount+1) * time.Duration(phases)
}

// State is the connection state of a Client
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Client is the single owner of a TinyBMS channel.
// All methods are safe for concurrent use.
type Client struct {
	ch    Channel
	bus   bus.Publisher
	cfg   Config
	exec  *executor
	stats statsCollector

	queue  chan *request
	quit   chan struct{}
	exited chan struct{}

	mu          sync.Mutex
	initialized bool
	closed      bool
	state       State

	connectedOnce sync.Once
}

// New creates a client for ch. Events go to pub, which may be nil.
// The worker is not started until Init.
func New(ch Channel, pub bus.Publisher, cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		ch:     ch,
		bus:    pub,
		cfg:    cfg,
		exec:   newExecutor(ch, cfg.Timeout),
		queue:  make(chan *request, cfg.QueueDepth),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// Config returns the effective configuration
func (c *Client) Config() Config {
	return c.cfg
}

// Init flushes the channel and starts the worker. Calling it again is a no-op.
func (c *Client) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.initialized {
		return nil
	}
	if err := c.ch.ResetInputBuffer(); err != nil {
		return fmt.Errorf("%w: flush input: %v", ErrChannelFailure, err)
	}

	c.initialized = true
	go c.run()
	glog.Infof("TinyBMS client initialized (queue depth %d, timeout %v)", c.cfg.QueueDepth, c.cfg.Timeout)
	return nil
}

// Start probes the device. On success the client is Connected and, the
// first time only, a connected event is published; otherwise it is left in the Error state with
// the worker still running, so later requests may succeed.
func (c *Client) Start(ctx context.Context) error {
	c.setState(StateConnecting)

	value, err := c.ReadRegister(ctx, c.cfg.ProbeRegister)
	if err != nil {
		c.setState(StateError)
		glog.Warningf("TinyBMS probe of 0x%04X failed: %v", c.cfg.ProbeRegister, err)
		return fmt.Errorf("probe 0x%04X: %w", c.cfg.ProbeRegister, err)
	}

	c.setState(StateConnected)
	glog.Infof("TinyBMS connected (0x%04X = %d)", c.cfg.ProbeRegister, value)
	c.connectedOnce.Do(func() { c.publishConnected(value) })
	return nil
}

// State returns the connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Close stops the worker after the transaction in progress. Queued and later
// requests fail with ErrClosed. The state is left as the last Start set it.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.initialized
	c.mu.Unlock()

	close(c.quit)
	if started {
		<-c.exited
	}
	return nil
}

// Stats returns a snapshot of the transaction counters
func (c *Client) Stats() Stats {
	return c.stats.snapshot()
}

// ResetStats zeroes the counters and publishes the empty snapshot
func (c *Client) ResetStats() {
	c.stats.reset()
	c.publishStats()
}

// ReadRegister reads one register with command 0x09
func (c *Client) ReadRegister(ctx context.Context, address uint16) (uint16, error) {
	res := c.submit(ctx, &request{kind: KindReadRegister, address: address})
	return res.Value, res.Err
}

// WriteRegister writes one register with command 0x0D and verifies it by
// reading it back. It returns the value read back.
func (c *Client) WriteRegister(ctx context.Context, address, value uint16) (uint16, error) {
	res := c.submit(ctx, &request{kind: KindWriteRegister, address: address, value: value})
	return res.Value, res.Err
}

// ReadBlock reads count consecutive registers with command 0x07
func (c *Client) ReadBlock(ctx context.Context, start uint16, count int) ([]uint16, error) {
	res := c.submit(ctx, &request{kind: KindReadBlock, address: start, count: count})
	return res.Values, res.Err
}

// WriteBlock writes consecutive registers with command 0x0B and verifies them
func (c *Client) WriteBlock(ctx context.Context, start uint16, values []uint16) error {
	res := c.submit(ctx, &request{kind: KindWriteBlock, address: start, values: values, count: len(values)})
	return res.Err
}

// ModbusRead reads registers with the Modbus-compatible command 0x03
func (c *Client) ModbusRead(ctx context.Context, start uint16, quantity int) ([]uint16, error) {
	res := c.submit(ctx, &request{kind: KindModbusRead, address: start, count: quantity})
	return res.Values, res.Err
}

// ModbusWrite writes registers with the Modbus-compatible command 0x10 and verifies them
func (c *Client) ModbusWrite(ctx context.Context, start uint16, values []uint16) error {
	res := c.submit(ctx, &request{kind: KindModbusWrite, address: start, values: values, count: len(values)})
	return res.Err
}

// SimpleCommand sends a payload-less read command (0x11-0x20) and returns the
// response frame. Decode it with the tinybms Parse helpers.
func (c *Client) SimpleCommand(ctx context.Context, code byte) (tinybms.Frame, error) {
	res := c.submit(ctx, &request{kind: KindSimpleCommand, code: code})
	return res.Frame, res.Err
}

// Restart reboots the BMS
func (c *Client) Restart(ctx context.Context) error {
	return c.reset(ctx, tinybms.ResetOptionBMS)
}

// ClearEvents clears the BMS event log
func (c *Client) ClearEvents(ctx context.Context) error {
	return c.reset(ctx, tinybms.ResetOptionClearEvents)
}

// ClearStatistics clears the statistics kept by the BMS itself
func (c *Client) ClearStatistics(ctx context.Context) error {
	return c.reset(ctx, tinybms.ResetOptionClearStatistics)
}

func (c *Client) reset(ctx context.Context, option byte) error {
	res := c.submit(ctx, &request{kind: KindReset, option: option})
	return res.Err
}

// submit enqueues req and waits for its result
func (c *Client) submit(ctx context.Context, req *request) Result {
	c.mu.Lock()
	initialized, closed := c.initialized, c.closed
	c.mu.Unlock()
	if closed {
		return Result{Err: ErrClosed}
	}
	if !initialized {
		return Result{Err: ErrNotInitialized}
	}
	if err := req.validate(); err != nil {
		return Result{Err: err}
	}

	req.done = make(chan Result, 1)
	req.enqueued = time.Now()

	enqueueTimer := time.NewTimer(c.cfg.EnqueueTimeout)
	select {
	case c.queue <- req:
		enqueueTimer.Stop()
	case <-enqueueTimer.C:
		glog.Warningf("%s 0x%04X: request queue full", req.action(), req.logAddress())
		c.publishUartLog(req.action(), req.logAddress(), ErrBusy, "")
		return Result{Err: ErrBusy}
	case <-c.quit:
		enqueueTimer.Stop()
		return Result{Err: ErrClosed}
	case <-ctx.Done():
		enqueueTimer.Stop()
		return Result{Err: ctx.Err()}
	}
	c.stats.observeQueueDepth(len(c.queue))

	phases := 1
	if req.kind.verified() {
		phases = 2
	}
	wait := c.cfg.callerWait(phases)
	waitTimer := time.NewTimer(wait)
	defer waitTimer.Stop()

	select {
	case res := <-req.done:
		return res
	case <-waitTimer.C:
		return Result{Err: fmt.Errorf("%w: no result for %s 0x%04X within %v",
			tinybms.ErrTimeout, req.action(), req.logAddress(), wait)}
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	case <-c.exited:
		select {
		case res := <-req.done:
			return res
		default:
			return Result{Err: ErrClosed}
		}
	}
}

// run is the worker loop. It owns the channel until Close.
func (c *Client) run() {
	defer close(c.exited)
	for {
		select {
		case <-c.quit:
			c.drain()
			return
		default:
		}

		select {
		case <-c.quit:
			c.drain()
			return
		case req := <-c.queue:
			c.process(req)
		}
	}
}

// drain fails every request still queued
func (c *Client) drain() {
	for {
		select {
		case req := <-c.queue:
			req.complete(Result{Err: ErrClosed})
		default:
			return
		}
	}
}

func (c *Client) process(req *request) {
	res := c.execute(req)

	c.stats.record(req.kind, res.Err, time.Since(req.enqueued))
	c.publishUartLog(req.action(), req.logAddress(), res.Err, req.detail(res))
	c.publishStats()

	req.complete(res)
}

func (c *Client) execute(req *request) Result {
	var res Result
	switch req.kind {
	case KindReadRegister:
		res.Value, res.Err = c.readRegisterWithRetry(req.address)
	case KindWriteRegister:
		res.Value, res.Err = c.writeRegisterVerified(req.address, req.value)
	case KindReset:
		res.Err = c.resetWithRetry(req.option)
	case KindReadBlock:
		res.Values, res.Err = c.readBlockWithRetry(req.address, req.count)
	case KindModbusRead:
		res.Values, res.Err = c.modbusReadWithRetry(req.address, req.count)
	case KindWriteBlock, KindModbusWrite:
		res.Values, res.Err = c.writeValuesVerified(req.kind, req.address, req.values)
	case KindSimpleCommand:
		res.Frame, res.Err = c.simpleWithRetry(req.code)
	default:
		res.Err = fmt.Errorf("%w: unknown request kind %d", tinybms.ErrInvalidArgument, int(req.kind))
	}
	return res
}
