// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bus carries client events to subscribers: an in-process fan-out
// for local consumers and an MQTT sink for remote ones.
package bus

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
)

// Publisher accepts encoded event payloads. Implementations must not block
// for long; the client publishes from its worker goroutine.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Message is one published event
type Message struct {
	Topic   string
	Payload []byte
}

// MatchTopic reports whether topic matches pattern. A "+" segment matches any
// single segment, a trailing "#" matches the rest of the topic.
func MatchTopic(topic, pattern string) bool {
	tokensT, tokensP := strings.Split(topic, "/"), strings.Split(pattern, "/")
	for i, token := range tokensP {
		if token == "#" && i+1 == len(tokensP) {
			return true
		}
		if i >= len(tokensT) {
			return false
		}
		if token != "+" && token != tokensT[i] {
			return false
		}
	}
	return len(tokensP) == len(tokensT)
}

type subscription struct {
	pattern string
	ch      chan Message
}

// Memory is an in-process bus. Slow subscribers lose messages instead of
// stalling the publisher.
type Memory struct {
	mu      sync.RWMutex
	subs    map[*subscription]struct{}
	dropped atomic.Uint64
}

// NewMemory creates an empty bus
func NewMemory() *Memory {
	return &Memory{subs: make(map[*subscription]struct{})}
}

// Publish delivers a copy of payload to every matching subscriber
func (m *Memory) Publish(topic string, payload []byte) error {
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for sub := range m.subs {
		if !MatchTopic(topic, sub.pattern) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			m.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe returns a channel receiving messages whose topic matches pattern.
// The cancel func unsubscribes and closes the channel.
func (m *Memory) Subscribe(pattern string, buffer int) (<-chan Message, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscription{pattern: pattern, ch: make(chan Message, buffer)}

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, sub)
			m.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full
func (m *Memory) Dropped() uint64 {
	return m.dropped.Load()
}

// Multi publishes to every non-nil publisher in order, attempting all of them
type Multi []Publisher

// Publish implements Publisher
func (m Multi) Publish(topic string, payload []byte) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
