// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sim

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// Server exposes a Device as a websocket serial bridge. Every binary message
// received is written to the device and every response byte is sent back as
// a binary message, the same shape a hardware UART bridge uses.
type Server struct {
	Device   *Device
	Username string // optional HTTP Basic credentials
	Password string

	upgrader websocket.Upgrader
	mu       sync.Mutex // one bridge client at a time owns the device
}

// NewServer creates a bridge server for dev
func NewServer(dev *Device) *Server {
	return &Server{
		Device: dev,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.Username == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	return ok &&
		subtle.ConstantTimeCompare([]byte(user), []byte(s.Username)) == 1 &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(s.Password)) == 1
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="bmslink"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.mu.TryLock() {
		http.Error(w, "bridge in use", http.StatusConflict)
		return
	}
	defer s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("sim: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	glog.Infof("sim: bridge client %s connected", r.RemoteAddr)
	s.bridge(conn)
	glog.Infof("sim: bridge client %s disconnected", r.RemoteAddr)
}

// bridge pumps bytes both ways until the client goes away
func (s *Server) bridge(conn *websocket.Conn) {
	_ = s.Device.ResetInputBuffer()
	_ = s.Device.SetReadTimeout(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			if _, err := s.Device.Write(data); err != nil {
				return
			}
		}
	}()

	buf := make([]byte, 512)
	for {
		select {
		case <-done:
			return
		default:
		}
		n, err := s.Device.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
			return
		}
	}
}

// Run serves the bridge on addr and ticks the device clock once per second
// until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/", s)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutCtx)
				return
			case <-ticker.C:
				s.Device.Tick(time.Second)
			}
		}
	}()

	glog.Infof("sim: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
