// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"

	"github.com/Thermoquad/bmslink/pkg/client"
	"github.com/Thermoquad/bmslink/pkg/config"
)

// Connection is a closable serial link to the BMS
type Connection interface {
	client.Channel
	io.Closer
}

// ErrConnectionClosed is returned when reading from a closed WebSocket connection
var ErrConnectionClosed = errors.New("websocket connection closed")

// wsRxLimit bounds bytes buffered from the bridge before the channel reports overflow
const wsRxLimit = 4096

// WebSocketConnection adapts a websocket serial bridge to client.Channel.
// A reader goroutine drains binary messages into rx; Read waits on it with
// the configured timeout.
type WebSocketConnection struct {
	conn *websocket.Conn

	mu       sync.Mutex
	rx       []byte
	overflow bool
	closed   bool
	err      error
	timeout  time.Duration
	notify   chan struct{}

	writeMu sync.Mutex
}

func newWebSocketConnection(conn *websocket.Conn) *WebSocketConnection {
	w := &WebSocketConnection{
		conn:    conn,
		timeout: time.Second,
		notify:  make(chan struct{}, 1),
	}
	go w.readLoop()
	return w
}

func (w *WebSocketConnection) readLoop() {
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			w.closed = true
			w.err = err
			w.mu.Unlock()
			w.signal()
			return
		}

		// Only binary messages carry UART bytes
		if messageType != websocket.BinaryMessage {
			continue
		}

		w.mu.Lock()
		if len(w.rx)+len(data) > wsRxLimit {
			glog.Warningf("bridge: receive buffer overflow, dropping %d bytes", len(w.rx)+len(data))
			w.rx = w.rx[:0]
			w.overflow = true
		} else {
			w.rx = append(w.rx, data...)
		}
		w.mu.Unlock()
		w.signal()
	}
}

func (w *WebSocketConnection) signal() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Read returns buffered bridge bytes, waiting up to the read timeout.
// It returns 0, nil when the timeout expires with nothing received.
func (w *WebSocketConnection) Read(p []byte) (int, error) {
	w.mu.Lock()
	timeout := w.timeout
	w.mu.Unlock()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		w.mu.Lock()
		switch {
		case w.overflow:
			w.overflow = false
			w.mu.Unlock()
			return 0, client.ErrOverflow
		case len(w.rx) > 0:
			n := copy(p, w.rx)
			w.rx = w.rx[:copy(w.rx, w.rx[n:])]
			w.mu.Unlock()
			return n, nil
		case w.closed:
			err := w.err
			w.mu.Unlock()
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
			}
			return 0, ErrConnectionClosed
		}
		w.mu.Unlock()

		select {
		case <-w.notify:
		case <-deadline.C:
			return 0, nil
		}
	}
}

func (w *WebSocketConnection) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetReadTimeout sets how long Read waits for data
func (w *WebSocketConnection) SetReadTimeout(t time.Duration) error {
	w.mu.Lock()
	w.timeout = t
	w.mu.Unlock()
	return nil
}

// ResetInputBuffer discards received bytes and any pending overflow
func (w *WebSocketConnection) ResetInputBuffer() error {
	w.mu.Lock()
	w.rx = w.rx[:0]
	w.overflow = false
	w.mu.Unlock()
	return nil
}

func (w *WebSocketConnection) Close() error {
	return w.conn.Close()
}

// OpenSerialConnection opens a serial port in 8N1. A go.bug.st/serial Port
// already satisfies Connection.
func OpenSerialConnection(portName string, baudRate int) (Connection, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}

	return port, nil
}

// OpenWebSocketConnection opens a WebSocket bridge with HTTP Basic auth
func OpenWebSocketConnection(wsURL, username, password string, skipSSLVerify bool) (*WebSocketConnection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return newWebSocketConnection(conn), nil
}

// GetPassword retrieves the bridge password from BMSLINK_PASSWORD or prompts for it
func GetPassword() (string, error) {
	if pw := os.Getenv("BMSLINK_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Not a terminal; read a plain line
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// OpenConnection opens either a bridge or a serial connection from cfg
func OpenConnection(cfg *config.Config) (Connection, string, error) {
	if cfg.Bridge.URL != "" {
		password := ""
		if cfg.Bridge.Username != "" {
			var err error
			password, err = GetPassword()
			if err != nil {
				return nil, "", err
			}
		}

		conn, err := OpenWebSocketConnection(cfg.Bridge.URL, cfg.Bridge.Username, password, cfg.Bridge.Insecure)
		if err != nil {
			return nil, "", err
		}

		return conn, fmt.Sprintf("WebSocket: %s", cfg.Bridge.URL), nil
	}

	if cfg.Serial.Port != "" {
		conn, err := OpenSerialConnection(cfg.Serial.Port, cfg.Serial.Baud)
		if err != nil {
			return nil, "", err
		}

		return conn, fmt.Sprintf("Serial: %s @ %d baud", cfg.Serial.Port, cfg.Serial.Baud), nil
	}

	return nil, "", fmt.Errorf("either --port or --url must be specified")
}
