// Reef is an embedded Redfish web service for baseboard management controllers.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package server implements the connection engine: an acceptor feeding
// worker shards, per-connection state machines with slow-client
// deadlines, TLS auto-detection and the WebSocket upgrade path.
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"reef/internal/config"
	"reef/internal/router"
	"reef/internal/session"
	"reef/internal/userdir"
)

// Server owns the listener, the worker pool and the shared collaborators
// injected into every connection.
type Server struct {
	cfg    config.Config
	router *router.Router
	store  *session.Store
	dir    *userdir.Directory

	tlsBase   *tls.Config
	clientCAs *x509.CertPool

	workers []*Worker
	next    int

	mu       sync.Mutex
	listener net.Listener
	conns    map[*Connection]struct{}
}

// New wires a server. Route-registration faults and certificate
// problems surface here, before the listener ever opens.
func New(cfg config.Config, rt *router.Router, store *session.Store, dir *userdir.Directory) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := rt.Validate(); err != nil {
		return nil, fmt.Errorf("route registration: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		router: rt,
		store:  store,
		dir:    dir,
		conns:  make(map[*Connection]struct{}),
	}

	if cfg.TLSEnabled() {
		base, err := loadTLSConfig(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		s.tlsBase = base
		if cfg.ClientCAFile != "" {
			cas, err := loadClientCAs(cfg.ClientCAFile)
			if err != nil {
				return nil, err
			}
			s.clientCAs = cas
			s.tlsBase.ClientAuth = tls.RequestClientCert
		}
	}

	for i := 0; i < cfg.Workers; i++ {
		s.workers = append(s.workers, newWorker(i))
	}
	return s, nil
}

// Addr returns the bound listen address, once Run has opened it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run listens and serves until ctx is cancelled. The acceptor stops
// first, then in-flight connections are closed and the workers drained.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.cfg.BindAddress, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for _, w := range s.workers {
		w.start()
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	slog.Info("Listening", "address", ln.Addr().String(), "workers", len(s.workers), "tls", s.tlsBase != nil)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			slog.Warn("accept failed", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		w := s.workers[s.next%len(s.workers)]
		s.next++
		c := newConnection(s, w, conn)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		go c.run()
	}

	// Close in-flight connections, then stop the workers so their
	// queues drain the cancellations.
	s.mu.Lock()
	for c := range s.conns {
		_ = c.adaptor.Close()
	}
	s.mu.Unlock()
	for _, w := range s.workers {
		w.stop()
	}
	slog.Info("Server stopped")
	return nil
}

func (s *Server) forget(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
