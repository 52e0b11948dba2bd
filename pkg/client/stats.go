// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package client

import (
	"fmt"
	"sync"
	"time"
)

// Stats is a snapshot of the transaction counters
type Stats struct {
	ReadsOK       uint32 `cbor:"reads_ok" json:"reads_ok"`
	ReadsFailed   uint32 `cbor:"reads_failed" json:"reads_failed"`
	WritesOK      uint32 `cbor:"writes_ok" json:"writes_ok"`
	WritesFailed  uint32 `cbor:"writes_failed" json:"writes_failed"`
	CRCErrors     uint32 `cbor:"crc_errors" json:"crc_errors"`
	Timeouts      uint32 `cbor:"timeouts" json:"timeouts"`
	Nacks         uint32 `cbor:"nacks" json:"nacks"`
	Retries       uint32 `cbor:"retries" json:"retries"`
	QueueDepthMax uint32 `cbor:"queue_depth_max" json:"queue_depth_max"`
	AvgLatencyMs  uint32 `cbor:"avg_latency_ms" json:"avg_latency_ms"`
}

// Transactions returns the number of completed transactions
func (s Stats) Transactions() uint32 {
	return s.ReadsOK + s.ReadsFailed + s.WritesOK + s.WritesFailed
}

// SuccessRate returns the percentage of successful transactions
func (s Stats) SuccessRate() float64 {
	total := s.Transactions()
	if total == 0 {
		return 0
	}
	return float64(s.ReadsOK+s.WritesOK) * 100.0 / float64(total)
}

// String returns a formatted statistics summary
func (s Stats) String() string {
	result := "=== TinyBMS UART Statistics ===\n"
	result += fmt.Sprintf("Reads:           %8d ok %8d failed\n", s.ReadsOK, s.ReadsFailed)
	result += fmt.Sprintf("Writes:          %8d ok %8d failed\n", s.WritesOK, s.WritesFailed)
	result += fmt.Sprintf("Success Rate:    %8.1f%%\n", s.SuccessRate())

	if s.CRCErrors > 0 {
		result += fmt.Sprintf("CRC Errors:      %8d\n", s.CRCErrors)
	}
	if s.Timeouts > 0 {
		result += fmt.Sprintf("Timeouts:        %8d\n", s.Timeouts)
	}
	if s.Nacks > 0 {
		result += fmt.Sprintf("NACKs:           %8d\n", s.Nacks)
	}

	result += fmt.Sprintf("Retries:         %8d\n", s.Retries)
	result += fmt.Sprintf("Queue Depth Max: %8d\n", s.QueueDepthMax)
	result += fmt.Sprintf("Avg Latency:     %8d ms\n", s.AvgLatencyMs)
	result += "===============================\n"

	return result
}

// statsCollector owns the live counters. The worker is the only writer;
// any goroutine may take a snapshot.
type statsCollector struct {
	mu             sync.Mutex
	stats          Stats
	latencyAcc     time.Duration
	latencySamples uint64
}

func (c *statsCollector) record(kind RequestKind, err error, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if kind.IsWrite() {
		if err == nil {
			c.stats.WritesOK++
		} else {
			c.stats.WritesFailed++
		}
	} else {
		if err == nil {
			c.stats.ReadsOK++
		} else {
			c.stats.ReadsFailed++
		}
	}

	switch CodeOf(err) {
	case ResultTimeout:
		c.stats.Timeouts++
	case ResultCRCError:
		c.stats.CRCErrors++
	case ResultNack:
		c.stats.Nacks++
	}

	c.latencyAcc += latency
	c.latencySamples++
	c.stats.AvgLatencyMs = uint32((c.latencyAcc / time.Duration(c.latencySamples)).Milliseconds())
}

func (c *statsCollector) retry() {
	c.mu.Lock()
	c.stats.Retries++
	c.mu.Unlock()
}

func (c *statsCollector) observeQueueDepth(depth int) {
	c.mu.Lock()
	if uint32(depth) > c.stats.QueueDepthMax {
		c.stats.QueueDepthMax = uint32(depth)
	}
	c.mu.Unlock()
}

func (c *statsCollector) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *statsCollector) reset() {
	c.mu.Lock()
	c.stats = Stats{}
	c.latencyAcc = 0
	c.latencySamples = 0
	c.mu.Unlock()
}
