// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/bmslink/pkg/bus"
	"github.com/Thermoquad/bmslink/pkg/tinybms"
)

// echoChannel answers every read individual request with the register
// address as its value and records the order requests arrive in.
type echoChannel struct {
	mu      sync.Mutex
	timeout time.Duration
	pending chan []byte
	order   []uint16
}

func newEchoChannel() *echoChannel {
	return &echoChannel{timeout: time.Second, pending: make(chan []byte, 16)}
}

func (e *echoChannel) Write(p []byte) (int, error) {
	req, err := tinybms.DecodeRequest(p)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	e.order = append(e.order, req.Address)
	e.mu.Unlock()

	resp, _ := tinybms.BuildResponse(tinybms.CmdReadIndividual,
		[]byte{byte(req.Address), byte(req.Address >> 8), byte(req.Address), byte(req.Address >> 8)})
	e.pending <- resp
	return len(p), nil
}

func (e *echoChannel) Read(p []byte) (int, error) {
	e.mu.Lock()
	timeout := e.timeout
	e.mu.Unlock()
	select {
	case resp := <-e.pending:
		return copy(p, resp), nil
	case <-time.After(timeout):
		return 0, nil
	}
}

func (e *echoChannel) SetReadTimeout(t time.Duration) error {
	e.mu.Lock()
	e.timeout = t
	e.mu.Unlock()
	return nil
}

func (e *echoChannel) ResetInputBuffer() error { return nil }

func (e *echoChannel) addresses() []uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint16(nil), e.order...)
}

func testConfig() Config {
	return Config{
		Timeout:        30 * time.Millisecond,
		Backoff:        time.Millisecond,
		Settle:         time.Millisecond,
		RetryCount:     3,
		QueueDepth:     4,
		EnqueueTimeout: 10 * time.Millisecond,
		WaitMargin:     20 * time.Millisecond,
	}
}

// markInitialized lets submit accept requests without a running worker
func markInitialized(c *Client) {
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
}

// waitQueued blocks until the queue holds n requests
func waitQueued(t *testing.T, c *Client, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.queue) == n },
		time.Second, time.Millisecond)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	require.Equal(t, 750*time.Millisecond, cfg.Timeout)
	require.Equal(t, 100*time.Millisecond, cfg.EnqueueTimeout)
	require.Equal(t, uint16(tinybms.RegFullyChargedVoltage), cfg.ProbeRegister)
	require.Zero(t, cfg.Backoff, "zero backoff is allowed")

	def := DefaultConfig()
	require.Equal(t, 750*time.Millisecond, def.Timeout)
	require.Equal(t, 3, def.RetryCount)
	require.Equal(t, 10, def.QueueDepth)
	require.Equal(t, uint16(0x012C), def.ProbeRegister)
	require.Equal(t, 3400*time.Millisecond, def.callerWait(1))
	require.Equal(t, 6800*time.Millisecond, def.callerWait(2))
}

func TestFIFOOrder(t *testing.T) {
	ch := newEchoChannel()
	c := New(ch, nil, testConfig())
	markInitialized(c)

	results := make([]chan uint16, 4)
	for i := range results {
		results[i] = make(chan uint16, 1)
		addr := uint16(0x0100 + i)
		go func(out chan<- uint16) {
			v, err := c.ReadRegister(context.Background(), addr)
			if err == nil {
				out <- v
			}
		}(results[i])
		waitQueued(t, c, i+1)
	}

	go c.run()
	defer c.Close()

	for i, out := range results {
		select {
		case v := <-out:
			require.Equal(t, uint16(0x0100+i), v)
		case <-time.After(time.Second):
			t.Fatalf("request %d never completed", i)
		}
	}
	require.Equal(t, []uint16{0x0100, 0x0101, 0x0102, 0x0103}, ch.addresses())
}

func TestQueueFullReturnsBusy(t *testing.T) {
	mem := bus.NewMemory()
	logs, cancel := mem.Subscribe(TopicUartLog, 4)
	defer cancel()

	c := New(newEchoChannel(), mem, testConfig())
	markInitialized(c)
	for i := 0; i < cap(c.queue); i++ {
		c.queue <- &request{kind: KindReadRegister, done: make(chan Result, 1)}
	}

	start := time.Now()
	_, err := c.ReadRegister(context.Background(), 0x0042)
	require.ErrorIs(t, err, ErrBusy)
	require.GreaterOrEqual(t, time.Since(start), c.cfg.EnqueueTimeout)
	require.Zero(t, c.Stats().Transactions(), "a busy request never reaches the worker")

	entry, err := DecodeUartLog((<-logs).Payload)
	require.NoError(t, err)
	require.Equal(t, ResultBusy, entry.ResultCode)
	require.Equal(t, "read 0x0042: BUSY", entry.Message)
}

func TestAbandonedWaiterDoesNotBlockWorker(t *testing.T) {
	ch := newEchoChannel()
	c := New(ch, nil, testConfig())
	markInitialized(c)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.ReadRegister(ctx, 0x0001)
		errc <- err
	}()
	waitQueued(t, c, 1)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	go c.run()
	defer c.Close()

	v, err := c.ReadRegister(context.Background(), 0x0002)
	require.NoError(t, err)
	require.Equal(t, uint16(0x0002), v)
	require.Equal(t, []uint16{0x0001, 0x0002}, ch.addresses())
}

func TestCloseFailsQueuedRequests(t *testing.T) {
	c := New(newEchoChannel(), nil, testConfig())
	markInitialized(c)

	errc := make(chan error, 1)
	go func() {
		_, err := c.ReadRegister(context.Background(), 1)
		errc <- err
	}()
	waitQueued(t, c, 1)

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	close(c.quit)
	c.run()

	require.ErrorIs(t, <-errc, ErrClosed)
}

// ============================================================================
// Errors and request helpers
// ============================================================================

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		code ResultCode
	}{
		{nil, ResultOK},
		{fmt.Errorf("x: %w", tinybms.ErrTimeout), ResultTimeout},
		{fmt.Errorf("x: %w", tinybms.ErrCRC), ResultCRCError},
		{&tinybms.NackError{Command: 0x09, Code: 1}, ResultNack},
		{fmt.Errorf("wrapped: %w", &tinybms.NackError{Command: 0x09}), ResultNack},
		{fmt.Errorf("x: %w", tinybms.ErrInvalidArgument), ResultInvalidArgument},
		{ErrChannelFailure, ResultChannelFailure},
		{ErrBusy, ResultBusy},
		{ErrVerifyMismatch, ResultVerifyMismatch},
		{ErrNotInitialized, ResultNotInitialized},
		{ErrClosed, ResultClosed},
		{errors.New("other"), ResultFail},
	}
	for _, c := range cases {
		require.Equal(t, c.code, CodeOf(c.err), "%v", c.err)
	}

	require.False(t, retryable(fmt.Errorf("x: %w", tinybms.ErrInvalidArgument)))
	require.False(t, retryable(ErrClosed))
	require.True(t, retryable(tinybms.ErrTimeout))
	require.True(t, retryable(ErrChannelFailure))
	require.Equal(t, "VERIFY_MISMATCH", ResultVerifyMismatch.String())
}

func TestRequestLogFields(t *testing.T) {
	read := &request{kind: KindReadRegister, address: 0x012C}
	require.Equal(t, "read", read.action())
	require.Equal(t, uint16(0x012C), read.logAddress())
	require.Equal(t, "value=0x1234", read.detail(Result{Value: 0x1234}))
	require.Empty(t, read.detail(Result{Err: tinybms.ErrTimeout}))

	reset := &request{kind: KindReset, option: tinybms.ResetOptionClearStatistics}
	require.Equal(t, "clear_stats", reset.action())
	require.Equal(t, uint16(2), reset.logAddress())

	query := &request{kind: KindSimpleCommand, code: tinybms.CmdStateOfCharge}
	require.Equal(t, "query", query.action())
	require.Equal(t, uint16(0x1A), query.logAddress())

	block := &request{kind: KindReadBlock, address: 0x0010, count: 3}
	require.Equal(t, "count=3", block.detail(Result{Values: []uint16{1, 2, 3}}))

	require.True(t, KindModbusWrite.IsWrite())
	require.True(t, KindReset.IsWrite())
	require.False(t, KindReset.verified())
	require.False(t, KindSimpleCommand.IsWrite())
}

func TestNewUartLogEntry(t *testing.T) {
	entry := NewUartLogEntry("write", 0x0140, nil, "written=0x0001")
	require.Equal(t, "write 0x0140: OK - written=0x0001", entry.Message)
	require.True(t, entry.Success)

	entry = NewUartLogEntry("read", 0x0010, &tinybms.NackError{Command: 0x09}, "")
	require.Equal(t, "read 0x0010: NACK", entry.Message)
	require.False(t, entry.Success)

	payload, err := EncodeEvent(entry)
	require.NoError(t, err)
	decoded, err := DecodeUartLog(payload)
	require.NoError(t, err)
	require.Equal(t, entry, decoded)
}

// ============================================================================
// Statistics
// ============================================================================

func TestStatsCollector(t *testing.T) {
	var sc statsCollector

	sc.record(KindReadRegister, nil, 10*time.Millisecond)
	sc.record(KindReadBlock, tinybms.ErrTimeout, 30*time.Millisecond)
	sc.record(KindWriteRegister, nil, 20*time.Millisecond)
	sc.record(KindReset, &tinybms.NackError{Command: 2}, 40*time.Millisecond)
	sc.record(KindModbusWrite, ErrVerifyMismatch, 0)
	sc.retry()
	sc.retry()
	sc.observeQueueDepth(3)
	sc.observeQueueDepth(1)

	s := sc.snapshot()
	require.Equal(t, uint32(1), s.ReadsOK)
	require.Equal(t, uint32(1), s.ReadsFailed)
	require.Equal(t, uint32(1), s.WritesOK)
	require.Equal(t, uint32(2), s.WritesFailed)
	require.Equal(t, uint32(1), s.Timeouts)
	require.Equal(t, uint32(1), s.Nacks)
	require.Zero(t, s.CRCErrors)
	require.Equal(t, uint32(2), s.Retries)
	require.Equal(t, uint32(3), s.QueueDepthMax)
	require.Equal(t, uint32(20), s.AvgLatencyMs)
	require.Equal(t, uint32(5), s.Transactions())
	require.InDelta(t, 40.0, s.SuccessRate(), 0.001)
	require.Contains(t, s.String(), "Timeouts:")
	require.NotContains(t, s.String(), "CRC Errors:")

	sc.reset()
	require.Equal(t, Stats{}, sc.snapshot())
	require.Zero(t, Stats{}.SuccessRate())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "connected", StateConnected.String())
	require.Equal(t, "error", StateError.String())
	require.Equal(t, "state(9)", State(9).String())
}
