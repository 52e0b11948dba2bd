// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package client_test

import (
	"context"
	"errors"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/bmslink/pkg/bus"
	"github.com/Thermoquad/bmslink/pkg/client"
	"github.com/Thermoquad/bmslink/pkg/sim"
	"github.com/Thermoquad/bmslink/pkg/tinybms"
)

func fastConfig() client.Config {
	return client.Config{
		Timeout:        30 * time.Millisecond,
		Backoff:        time.Millisecond,
		Settle:         time.Millisecond,
		RetryCount:     3,
		QueueDepth:     10,
		EnqueueTimeout: 20 * time.Millisecond,
		WaitMargin:     20 * time.Millisecond,
		ProbeRegister:  tinybms.RegFullyChargedVoltage,
	}
}

func newClient(t *testing.T) (*client.Client, *sim.Device, *bus.Memory) {
	t.Helper()
	dev := sim.NewDevice()
	mem := bus.NewMemory()
	c := client.New(dev, mem, fastConfig())
	require.NoError(t, c.Init())
	t.Cleanup(func() { c.Close() })
	return c, dev, mem
}

// nextEvent waits for the next message on ch
func nextEvent(t *testing.T, ch <-chan bus.Message) bus.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no event published")
		return bus.Message{}
	}
}

// ============================================================================
// Register access
// ============================================================================

func TestReadRegister(t *testing.T) {
	c, dev, _ := newClient(t)
	dev.Set(tinybms.RegFullyChargedVoltage, 0x1234)

	v, err := c.ReadRegister(context.Background(), tinybms.RegFullyChargedVoltage)
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), v)

	s := c.Stats()
	require.Equal(t, uint32(1), s.ReadsOK)
	require.Zero(t, s.ReadsFailed)
	require.Zero(t, s.Retries)
	require.Equal(t, uint32(1), s.Transactions())
}

func TestWriteRegisterVerifies(t *testing.T) {
	c, dev, _ := newClient(t)

	v, err := c.WriteRegister(context.Background(), 0x0140, 0x0055)
	require.NoError(t, err)
	require.Equal(t, uint16(0x0055), v)
	require.Equal(t, uint16(0x0055), dev.Get(0x0140))

	reqs := dev.Requests()
	require.Len(t, reqs, 2)
	require.Equal(t, byte(tinybms.CmdWriteIndividual), reqs[0].Command)
	require.Equal(t, byte(tinybms.CmdReadIndividual), reqs[1].Command)
	require.Equal(t, uint16(0x0140), reqs[1].Address)

	s := c.Stats()
	require.Equal(t, uint32(1), s.WritesOK)
	require.Zero(t, s.ReadsOK, "the read-back is part of the write")
}

func TestWriteRegisterMismatch(t *testing.T) {
	c, dev, _ := newClient(t)
	dev.Set(0x0140, 7)
	dev.Freeze(0x0140)

	v, err := c.WriteRegister(context.Background(), 0x0140, 9)
	require.ErrorIs(t, err, client.ErrVerifyMismatch)
	require.Equal(t, uint16(7), v)
	require.Equal(t, client.ResultVerifyMismatch, client.CodeOf(err))
	require.Equal(t, 2, dev.RequestCount(), "a mismatch is not retried")
	require.Equal(t, uint32(1), c.Stats().WritesFailed)
}

func TestBlockTransfers(t *testing.T) {
	c, dev, _ := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.WriteBlock(ctx, 0x0200, []uint16{10, 20, 30}))
	values, err := c.ReadBlock(ctx, 0x0200, 3)
	require.NoError(t, err)
	require.Equal(t, []uint16{10, 20, 30}, values)

	require.NoError(t, c.ModbusWrite(ctx, 0x0300, []uint16{0xA1B2, 0xC3D4}))
	values, err = c.ModbusRead(ctx, 0x0300, 2)
	require.NoError(t, err)
	require.Equal(t, []uint16{0xA1B2, 0xC3D4}, values)

	dev.SetModbusEcho(true)
	require.NoError(t, c.ModbusWrite(ctx, 0x0310, []uint16{1}))
	require.Equal(t, uint16(1), dev.Get(0x0310))

	s := c.Stats()
	require.Equal(t, uint32(3), s.WritesOK)
	require.Equal(t, uint32(2), s.ReadsOK)
}

func TestBlockWriteMismatch(t *testing.T) {
	c, dev, _ := newClient(t)
	dev.Freeze(0x0201)

	err := c.WriteBlock(context.Background(), 0x0200, []uint16{1, 2})
	require.ErrorIs(t, err, client.ErrVerifyMismatch)
}

func TestSimpleCommand(t *testing.T) {
	c, dev, _ := newClient(t)
	dev.SetFloat(sim.RegPackVoltage, 52.8)

	frame, err := c.SimpleCommand(context.Background(), tinybms.CmdPackVoltage)
	require.NoError(t, err)
	v, err := tinybms.ParseFloat32Payload(frame, tinybms.CmdPackVoltage)
	require.NoError(t, err)
	require.InDelta(t, 52.8, v, 0.001)

	frame, err = c.SimpleCommand(context.Background(), tinybms.CmdVersion)
	require.NoError(t, err)
	version, err := tinybms.ParseVersion(frame)
	require.NoError(t, err)
	require.False(t, version.Extended)
}

func TestResetCommands(t *testing.T) {
	c, dev, _ := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.ClearEvents(ctx))
	require.Empty(t, dev.Events())
	require.NoError(t, c.ClearStatistics(ctx))
	require.NoError(t, c.Restart(ctx))
	require.Equal(t, 1, dev.Restarts())
	require.Equal(t, 3, dev.RequestCount(), "resets are not read back")
	require.Equal(t, uint32(3), c.Stats().WritesOK)
}

func TestInvalidArgumentNeverReachesDevice(t *testing.T) {
	c, dev, _ := newClient(t)
	ctx := context.Background()

	_, err := c.ReadBlock(ctx, 0, 0)
	require.ErrorIs(t, err, tinybms.ErrInvalidArgument)
	_, err = c.ModbusRead(ctx, 0, tinybms.MaxModbusReadCount+1)
	require.ErrorIs(t, err, tinybms.ErrInvalidArgument)
	err = c.ModbusWrite(ctx, 0, make([]uint16, tinybms.MaxModbusWriteCount+1))
	require.ErrorIs(t, err, tinybms.ErrInvalidArgument)
	_, err = c.SimpleCommand(ctx, 0x13)
	require.ErrorIs(t, err, tinybms.ErrInvalidArgument)
	require.Equal(t, client.ResultInvalidArgument, client.CodeOf(err))

	require.Zero(t, dev.RequestCount())
	require.Zero(t, c.Stats().Transactions())
}

// ============================================================================
// Retries and recovery
// ============================================================================

func TestRetryBudget(t *testing.T) {
	c, dev, _ := newClient(t)
	dev.Inject(sim.FaultDrop, sim.FaultDrop, sim.FaultDrop)

	_, err := c.ReadRegister(context.Background(), tinybms.RegFullyChargedVoltage)
	require.ErrorIs(t, err, tinybms.ErrTimeout)
	require.Equal(t, client.ResultTimeout, client.CodeOf(err))
	require.Equal(t, 3, dev.RequestCount())

	s := c.Stats()
	require.Equal(t, uint32(2), s.Retries)
	require.Equal(t, uint32(1), s.ReadsFailed)
	require.Equal(t, uint32(1), s.Timeouts)
}

func TestRetryRecoversFromCRCError(t *testing.T) {
	c, dev, _ := newClient(t)
	dev.Inject(sim.FaultCorruptCRC)

	v, err := c.ReadRegister(context.Background(), tinybms.RegFullyChargedVoltage)
	require.NoError(t, err)
	require.Equal(t, uint16(3650), v)

	s := c.Stats()
	require.Equal(t, uint32(1), s.Retries)
	require.Zero(t, s.CRCErrors, "only the final outcome is classified")
	require.Equal(t, uint32(1), s.ReadsOK)
}

func TestCRCErrorExhausted(t *testing.T) {
	c, dev, _ := newClient(t)
	dev.Inject(sim.FaultCorruptCRC, sim.FaultCorruptCRC, sim.FaultCorruptCRC)

	_, err := c.ReadRegister(context.Background(), 1)
	require.ErrorIs(t, err, tinybms.ErrCRC)
	require.Equal(t, uint32(1), c.Stats().CRCErrors)
}

func TestNackExhausted(t *testing.T) {
	c, dev, _ := newClient(t)
	dev.Inject(sim.FaultNack, sim.FaultNack, sim.FaultNack)

	_, err := c.ReadRegister(context.Background(), 1)
	var nack *tinybms.NackError
	require.ErrorAs(t, err, &nack)
	require.Equal(t, byte(tinybms.CmdReadIndividual), nack.Command)
	require.Equal(t, byte(tinybms.NackCmdError), nack.Code)

	s := c.Stats()
	require.Equal(t, uint32(1), s.Nacks)
	require.Equal(t, uint32(2), s.Retries)
}

func TestWriteVerifyCompoundsRetries(t *testing.T) {
	c, dev, _ := newClient(t)
	dev.Inject(
		sim.FaultDrop, sim.FaultDrop, sim.FaultNone, // write succeeds on the third attempt
		sim.FaultDrop, sim.FaultDrop, sim.FaultNone, // read-back succeeds on the third attempt
	)

	v, err := c.WriteRegister(context.Background(), 0x0140, 0x0A0B)
	require.NoError(t, err)
	require.Equal(t, uint16(0x0A0B), v)
	require.Equal(t, 6, dev.RequestCount())
	require.Equal(t, uint32(4), c.Stats().Retries)
}

func TestOverflowRecovery(t *testing.T) {
	c, dev, _ := newClient(t)
	dev.InjectOverflow()

	v, err := c.ReadRegister(context.Background(), tinybms.RegFullyChargedVoltage)
	require.NoError(t, err)
	require.Equal(t, uint16(3650), v)
}

func TestNoiseAndUnrelatedFramesAreSkipped(t *testing.T) {
	c, dev, _ := newClient(t)
	dev.Inject(sim.FaultGarbage, sim.FaultUnrelated)

	for i := 0; i < 2; i++ {
		v, err := c.ReadRegister(context.Background(), tinybms.RegFullyChargedVoltage)
		require.NoError(t, err)
		require.Equal(t, uint16(3650), v)
	}
	require.Zero(t, c.Stats().Retries)
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestNotInitialized(t *testing.T) {
	c := client.New(sim.NewDevice(), nil, fastConfig())
	_, err := c.ReadRegister(context.Background(), 1)
	require.ErrorIs(t, err, client.ErrNotInitialized)
	require.Equal(t, client.StateDisconnected, c.State())
}

func TestInitIsIdempotent(t *testing.T) {
	c, _, _ := newClient(t)
	require.NoError(t, c.Init())
	require.NoError(t, c.Init())

	_, err := c.ReadRegister(context.Background(), 1)
	require.NoError(t, err)
}

func TestStartPublishesConnected(t *testing.T) {
	c, dev, mem := newClient(t)
	dev.Set(tinybms.RegFullyChargedVoltage, 0x1234)
	events, cancel := mem.Subscribe(client.TopicConnected, 4)
	defer cancel()

	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, client.StateConnected, c.State())

	evt, err := client.DecodeConnected(nextEvent(t, events).Payload)
	require.NoError(t, err)
	require.Equal(t, uint16(tinybms.RegFullyChargedVoltage), evt.ProbeRegister)
	require.Equal(t, uint16(0x1234), evt.ProbeValue)
	require.NotZero(t, evt.TimestampMs)

	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, client.StateConnected, c.State())
	select {
	case msg := <-events:
		t.Fatalf("connected event published twice: %s", msg.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartFailureKeepsWorker(t *testing.T) {
	c, dev, mem := newClient(t)
	events, cancel := mem.Subscribe(client.TopicConnected, 4)
	defer cancel()
	dev.Inject(sim.FaultDrop, sim.FaultDrop, sim.FaultDrop)

	err := c.Start(context.Background())
	require.ErrorIs(t, err, tinybms.ErrTimeout)
	require.Equal(t, client.StateError, c.State())

	_, err = c.ReadRegister(context.Background(), tinybms.RegFullyChargedVoltage)
	require.NoError(t, err)

	select {
	case msg := <-events:
		t.Fatalf("unexpected %s event", msg.Topic)
	default:
	}
}

func TestClose(t *testing.T) {
	c, _, _ := newClient(t)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.ReadRegister(context.Background(), 1)
	require.ErrorIs(t, err, client.ErrClosed)
	require.ErrorIs(t, c.Init(), client.ErrClosed)
	require.Equal(t, client.StateConnected, c.State(), "only Start changes the state")
}

func TestContextCancel(t *testing.T) {
	c, dev, _ := newClient(t)
	dev.SetDelay(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := c.ReadRegister(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// ============================================================================
// Events
// ============================================================================

func TestUartLogEvents(t *testing.T) {
	c, dev, mem := newClient(t)
	logs, cancel := mem.Subscribe(client.TopicUartLog, 8)
	defer cancel()
	ctx := context.Background()

	_, err := c.ReadRegister(ctx, tinybms.RegFullyChargedVoltage)
	require.NoError(t, err)
	entry, err := client.DecodeUartLog(nextEvent(t, logs).Payload)
	require.NoError(t, err)
	require.Equal(t, "read 0x012C: OK - value=0x0E42", entry.Message)
	require.True(t, entry.Success)
	require.Equal(t, client.ResultOK, entry.ResultCode)

	_, err = c.WriteRegister(ctx, 0x0140, 0x0102)
	require.NoError(t, err)
	entry, err = client.DecodeUartLog(nextEvent(t, logs).Payload)
	require.NoError(t, err)
	require.Equal(t, "write 0x0140: OK - written=0x0102", entry.Message)

	require.NoError(t, c.Restart(ctx))
	entry, err = client.DecodeUartLog(nextEvent(t, logs).Payload)
	require.NoError(t, err)
	require.Equal(t, "restart", entry.Action)
	require.Equal(t, "restart 0x0005: OK", entry.Message)

	dev.Inject(sim.FaultDrop, sim.FaultDrop, sim.FaultDrop)
	_, err = c.ReadRegister(ctx, 0x0010)
	require.Error(t, err)
	entry, err = client.DecodeUartLog(nextEvent(t, logs).Payload)
	require.NoError(t, err)
	require.False(t, entry.Success)
	require.Equal(t, client.ResultTimeout, entry.ResultCode)
	require.Equal(t, "read 0x0010: TIMEOUT", entry.Message)
}

func TestStatsEvents(t *testing.T) {
	c, _, mem := newClient(t)
	stats, cancel := mem.Subscribe(client.TopicStats, 8)
	defer cancel()

	_, err := c.ReadRegister(context.Background(), 1)
	require.NoError(t, err)
	evt, err := client.DecodeStats(nextEvent(t, stats).Payload)
	require.NoError(t, err)
	require.Equal(t, uint32(1), evt.Stats.ReadsOK)
	require.LessOrEqual(t, evt.Stats.QueueDepthMax, uint32(1))

	c.ResetStats()
	evt, err = client.DecodeStats(nextEvent(t, stats).Payload)
	require.NoError(t, err)
	require.Equal(t, client.Stats{}, evt.Stats)
	require.Equal(t, client.Stats{}, c.Stats())
}

// ============================================================================
// Channel and publisher failures
// ============================================================================

// brokenChannel fails or truncates every write and never has input
type brokenChannel struct {
	short bool
}

func (b *brokenChannel) Write(p []byte) (int, error) {
	if b.short {
		return len(p) - 1, nil
	}
	return 0, errors.New("device unplugged")
}

func (b *brokenChannel) Read(p []byte) (int, error)          { return 0, nil }
func (b *brokenChannel) SetReadTimeout(t time.Duration) error { return nil }
func (b *brokenChannel) ResetInputBuffer() error              { return nil }

func TestChannelFailure(t *testing.T) {
	for _, short := range []bool{false, true} {
		mem := bus.NewMemory()
		logs, cancel := mem.Subscribe(client.TopicUartLog, 4)
		c := client.New(&brokenChannel{short: short}, mem, fastConfig())
		require.NoError(t, c.Init())

		_, err := c.ReadRegister(context.Background(), tinybms.RegFullyChargedVoltage)
		require.ErrorIs(t, err, client.ErrChannelFailure)
		require.Equal(t, client.ResultChannelFailure, client.CodeOf(err))

		stats := c.Stats()
		require.Equal(t, uint32(2), stats.Retries)
		require.Equal(t, uint32(1), stats.ReadsFailed)
		require.Zero(t, stats.ReadsOK)

		entry, err := client.DecodeUartLog(nextEvent(t, logs).Payload)
		require.NoError(t, err)
		require.False(t, entry.Success)
		require.Equal(t, client.ResultChannelFailure, entry.ResultCode)
		require.Equal(t, "read 0x012C: CHANNEL_FAILURE", entry.Message)

		cancel()
		require.NoError(t, c.Close())
	}
}

// stalledBroker accepts publishes that never complete, like paho while it reconnects
type stalledBroker struct {
	paho.Client
}

type stalledToken struct {
	paho.DummyToken
}

func (stalledToken) WaitTimeout(d time.Duration) bool {
	time.Sleep(d)
	return false
}

func (stalledBroker) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	return &stalledToken{}
}

func (stalledBroker) Disconnect(quiesce uint) {}

func TestStalledBrokerDoesNotDelayResults(t *testing.T) {
	dev := sim.NewDevice()
	mqtt := bus.NewMQTT(stalledBroker{}, "")
	mem := bus.NewMemory()
	c := client.New(dev, bus.Multi{mem, mqtt}, fastConfig())
	require.NoError(t, c.Init())
	t.Cleanup(func() {
		c.Close()
		mqtt.Close()
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		v, err := c.ReadRegister(context.Background(), tinybms.RegFullyChargedVoltage)
		require.NoError(t, err)
		require.Equal(t, uint16(3650), v)
	}
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, 3, dev.RequestCount())
}
