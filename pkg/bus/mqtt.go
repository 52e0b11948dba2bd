// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bus

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/denisbrodbeck/machineid"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/glog"
)

// DefaultPublishTimeout bounds how long the sender waits for the broker to
// acknowledge one message
const DefaultPublishTimeout = 2 * time.Second

// DefaultOutboxDepth is how many messages may wait for the broker before
// Publish starts dropping
const DefaultOutboxDepth = 64

var (
	// ErrOutboxFull is returned when the broker is too slow and a message was dropped
	ErrOutboxFull = errors.New("mqtt outbox full")

	// ErrMQTTClosed is returned by Publish after Close
	ErrMQTTClosed = errors.New("mqtt publisher closed")
)

// MQTT forwards events to an MQTT broker. Topics are prefixed with the path
// of the broker URL, so mqtt://host/site/bms1 publishes "site/bms1/tinybms/stats".
//
// Publish only queues the message; a sender goroutine hands it to paho and
// waits for the token, so a stalled broker never blocks the caller.
type MQTT struct {
	Client  paho.Client
	Prefix  string
	QoS     byte
	Retain  bool
	Timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	outbox  chan Message
	done    chan struct{}
	quit    chan struct{}
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// ClientOptionsFromURL creates client options from a broker URL.
// "mqtt" and an empty scheme mean plain TCP. User info becomes the
// credentials and a client-id query parameter overrides the client id.
func ClientOptionsFromURL(serverURL string) (*paho.ClientOptions, string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, "", fmt.Errorf("parse broker URL: %w", err)
	}
	if u.Host == "" {
		return nil, "", fmt.Errorf("broker URL %q has no host", serverURL)
	}

	scheme := u.Scheme
	if scheme == "" || scheme == "mqtt" {
		scheme = "tcp"
	}

	prefix := strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(scheme + "://" + u.Host).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetClientID(DefaultClientID())
	if u.User != nil {
		opts.SetUsername(u.User.Username())
		if pwd, ok := u.User.Password(); ok {
			opts.SetPassword(pwd)
		}
	}
	if clientID := u.Query().Get("client-id"); clientID != "" {
		opts.SetClientID(clientID)
	}

	return opts, prefix, nil
}

// DefaultClientID derives a stable client id from the machine id, falling
// back to the process id when the machine id is unavailable
func DefaultClientID() string {
	id, err := machineid.ProtectedID("bmslink")
	if err != nil {
		glog.V(1).Infof("machine id unavailable: %v", err)
		return fmt.Sprintf("bmslink-%d", os.Getpid())
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return "bmslink-" + id
}

// DialMQTT connects to the broker at serverURL. A non-empty clientID
// overrides the one derived from the URL.
func DialMQTT(serverURL, clientID string, timeout time.Duration) (*MQTT, error) {
	opts, prefix, err := ClientOptionsFromURL(serverURL)
	if err != nil {
		return nil, err
	}
	if clientID != "" {
		opts.SetClientID(clientID)
	}
	opts.SetOnConnectHandler(func(paho.Client) {
		glog.Infof("MQTT connected to %s", serverURL)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		glog.Warningf("MQTT connection lost: %v", err)
	})

	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("MQTT connect to %s: timed out after %v", serverURL, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect to %s: %w", serverURL, err)
	}

	m := NewMQTT(client, prefix)
	m.Timeout = timeout
	return m, nil
}

// NewMQTT wraps an existing client and starts its sender
func NewMQTT(client paho.Client, prefix string) *MQTT {
	m := &MQTT{
		Client:  client,
		Prefix:  prefix,
		Timeout: DefaultPublishTimeout,
		outbox:  make(chan Message, DefaultOutboxDepth),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
	go m.send()
	return m
}

// Publish implements Publisher. It never waits for the broker.
func (m *MQTT) Publish(topic string, payload []byte) error {
	msg := Message{Topic: m.Prefix + topic, Payload: append([]byte(nil), payload...)}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrMQTTClosed
	}
	select {
	case m.outbox <- msg:
		return nil
	default:
		if m.dropped.Add(1) == 1 {
			glog.Warningf("MQTT broker not keeping up, dropping events")
		}
		return fmt.Errorf("publish %q: %w", msg.Topic, ErrOutboxFull)
	}
}

func (m *MQTT) send() {
	defer close(m.done)
	for msg := range m.outbox {
		select {
		case <-m.quit:
			return
		default:
		}
		token := m.Client.Publish(msg.Topic, m.QoS, m.Retain, msg.Payload)
		if !token.WaitTimeout(m.Timeout) {
			m.failed.Add(1)
			glog.Warningf("publish %q: timed out after %v", msg.Topic, m.Timeout)
			continue
		}
		if err := token.Error(); err != nil {
			m.failed.Add(1)
			glog.Warningf("publish %q: %v", msg.Topic, err)
			continue
		}
		glog.V(2).Infof("PUB %q (%d bytes)", msg.Topic, len(msg.Payload))
	}
}

// Dropped returns how many messages Publish discarded because the outbox was full
func (m *MQTT) Dropped() uint64 {
	return m.dropped.Load()
}

// Failed returns how many messages the broker did not acknowledge in time
func (m *MQTT) Failed() uint64 {
	return m.failed.Load()
}

// Close stops accepting messages, gives the sender up to Timeout to flush
// the outbox and disconnects from the broker
func (m *MQTT) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.outbox)
	m.mu.Unlock()

	select {
	case <-m.done:
	case <-time.After(m.Timeout):
		glog.Warningf("MQTT close: discarding %d queued events", len(m.outbox))
		close(m.quit)
	}
	m.Client.Disconnect(250)
	return nil
}
