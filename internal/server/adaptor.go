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

package server

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
)

// tlsRecordHandshake is the first byte of a TLS ClientHello.
const tlsRecordHandshake = 0x16

// countingConn counts bytes received on the raw socket. The deadline
// callback compares snapshots of the counter to detect forward
// progress.
type countingConn struct {
	net.Conn
	n *atomic.Uint64
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.n.Add(uint64(n))
	return n, err
}

// replayConn feeds the TLS layer the bytes already buffered by the
// SSL-detect probe before continuing from the socket.
type replayConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *replayConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Adaptor is the uniform byte-stream surface over either a plain TCP
// socket or a TLS-wrapped one. Conversion from plain to TLS happens at
// most once, at the start of the connection.
type Adaptor struct {
	raw     net.Conn
	tlsConn *tls.Conn
	probe   *bufio.Reader
	reader  *bufio.Reader

	closed  atomic.Bool
	bytesIn atomic.Uint64
}

// NewAdaptor wraps a freshly accepted socket.
func NewAdaptor(c net.Conn) *Adaptor {
	a := &Adaptor{}
	a.raw = &countingConn{Conn: c, n: &a.bytesIn}
	a.probe = bufio.NewReader(a.raw)
	a.reader = a.probe
	return a
}

// LooksLikeTLS peeks at the first byte without consuming it. A TLS
// ClientHello always begins with a handshake record.
func (a *Adaptor) LooksLikeTLS() (bool, error) {
	b, err := a.probe.Peek(1)
	if err != nil {
		return false, err
	}
	return b[0] == tlsRecordHandshake, nil
}

// StartTLS converts the plain arm into the TLS arm, running the server
// handshake. The probe's buffered bytes are replayed into the TLS
// layer.
func (a *Adaptor) StartTLS(cfg *tls.Config) error {
	if a.tlsConn != nil {
		return fmt.Errorf("tls already established")
	}
	tc := tls.Server(&replayConn{Conn: a.raw, r: a.probe}, cfg)
	if err := tc.Handshake(); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	a.tlsConn = tc
	a.reader = bufio.NewReader(tc)
	return nil
}

// Reader returns the buffered read side of the active arm.
func (a *Adaptor) Reader() *bufio.Reader {
	return a.reader
}

// Read consumes from the active arm through its buffer.
func (a *Adaptor) Read(p []byte) (int, error) {
	return a.reader.Read(p)
}

// Write sends on the active arm.
func (a *Adaptor) Write(p []byte) (int, error) {
	if a.tlsConn != nil {
		return a.tlsConn.Write(p)
	}
	return a.raw.Write(p)
}

// Conn returns the active arm as a net.Conn, for handing the transport
// to an upgrade handler.
func (a *Adaptor) Conn() net.Conn {
	if a.tlsConn != nil {
		return a.tlsConn
	}
	return a.raw
}

// Close shuts the socket down. It is idempotent and safe to call from
// the timer path while a read is in flight on the connection goroutine.
func (a *Adaptor) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	return a.raw.Close()
}

// Closed reports whether Close has run.
func (a *Adaptor) Closed() bool {
	return a.closed.Load()
}

// IsTLS reports whether the TLS arm is active.
func (a *Adaptor) IsTLS() bool {
	return a.tlsConn != nil
}

// ConnectionState exposes the TLS state of the secure arm.
func (a *Adaptor) ConnectionState() (tls.ConnectionState, bool) {
	if a.tlsConn == nil {
		return tls.ConnectionState{}, false
	}
	return a.tlsConn.ConnectionState(), true
}

// BytesIn returns the total bytes received on the raw socket.
func (a *Adaptor) BytesIn() uint64 {
	return a.bytesIn.Load()
}

// RemoteAddr returns the peer address.
func (a *Adaptor) RemoteAddr() net.Addr {
	return a.raw.RemoteAddr()
}
