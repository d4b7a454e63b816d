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
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"reef/internal/httpd"
	"reef/internal/metrics"
	"reef/internal/session"
)

const (
	// preAuthBodyLimit caps the declared body size of requests that
	// carry no session. Exceeding it is fatal without a response.
	preAuthBodyLimit = 4096

	// authedBodyLimit caps request bodies for authenticated users.
	authedBodyLimit = 30 << 20

	// Slow-client budgets, in quanta of the timer queue.
	anonymousBudget     = 15
	authenticatedBudget = 60
)

// State names the connection's position in its lifecycle. The field
// exists for logs and tests; the goroutine below is the machine.
type State int32

const (
	StateStart State = iota
	StateSSLDetect
	StateHandshake
	StateReadHeaders
	StateAuthenticate
	StateReadBody
	StateDispatch
	StateWrite
	StateClosed
)

// Connection drives one accepted socket from SSL detection through
// dispatch to close or keep-alive reset. It is pinned to one worker;
// deadline bookkeeping runs on that worker's loop while the request
// flow runs linearly on the connection's own goroutine.
type Connection struct {
	srv     *Server
	worker  *Worker
	adaptor *Adaptor

	state atomic.Int32

	// Deadline bookkeeping. Owned by the worker loop; the connection
	// goroutine only reaches it through worker.Schedule.
	ticket     Ticket
	hasTicket  bool
	remaining  int
	budget     int
	armedBytes uint64

	// authed is read by the deadline callback to grant the slow-upload
	// allowance.
	authed atomic.Bool

	// staged is the session minted by the mTLS verify hook, consumed
	// at authentication time.
	staged *session.Session

	handedOff bool
}

func newConnection(srv *Server, w *Worker, raw net.Conn) *Connection {
	return &Connection{
		srv:     srv,
		worker:  w,
		adaptor: NewAdaptor(raw),
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// run is the connection goroutine: the linear form of the state
// machine.
func (c *Connection) run() {
	defer c.teardown()

	// One quantum to produce the first bytes.
	c.setState(StateSSLDetect)
	c.armDeadline(1)

	isTLS, err := c.adaptor.LooksLikeTLS()
	if err != nil {
		return
	}
	if isTLS {
		if c.srv.tlsBase == nil {
			return
		}
		c.setState(StateHandshake)
		if err := c.adaptor.StartTLS(c.tlsConfig()); err != nil {
			slog.Debug("handshake failed", "remote", c.adaptor.RemoteAddr(), "error", err)
			return
		}
	}
	secure := c.adaptor.IsTLS()
	metrics.ObserveConnection(secure)
	defer metrics.ObserveConnectionClosed()

	for c.serveOne(secure) {
	}
}

// serveOne processes a single request. It returns true when the
// connection should reset for keep-alive.
func (c *Connection) serveOne(secure bool) bool {
	c.setState(StateReadHeaders)
	hreq, err := http.ReadRequest(c.adaptor.Reader())
	if err != nil {
		if !isDisconnect(err) && !c.adaptor.Closed() {
			c.writeBareResponse(http.StatusBadRequest)
		}
		return false
	}
	started := time.Now()
	c.armDeadline(anonymousBudget)

	method, ok := httpd.ParseMethod(hreq.Method)
	if !ok {
		c.writeBareResponse(http.StatusNotImplemented)
		return false
	}
	req := httpd.NewRequest(hreq, method, secure)
	req.Loop = c.worker
	req.RemoteAddr = c.adaptor.RemoteAddr().String()

	if req.Version >= 11 && req.Host() == "" {
		c.writeBareResponse(http.StatusBadRequest)
		return false
	}

	// Plain HTTP in redirect mode: point GET/HEAD at the TLS port and
	// hang up; anything else is served below but never kept alive.
	if !secure && c.srv.cfg.RedirectHTTP {
		if (method == httpd.MethodGet || method == httpd.MethodHead) && req.Host() != "" {
			c.writeRedirect("https://" + req.Host() + req.Target())
		} else {
			c.writeBareResponse(http.StatusNotFound)
		}
		return false
	}

	c.setState(StateAuthenticate)
	sess := c.authenticate(req, hreq)
	req.Session = sess
	c.authed.Store(sess != nil)
	defer func() {
		if sess != nil && sess.Persistence == session.PersistSingleRequest {
			c.srv.store.Remove(sess)
		}
		metrics.SetActiveSessions(c.srv.store.Count())
	}()

	bodyLimit := int64(preAuthBodyLimit)
	if sess != nil {
		bodyLimit = authedBodyLimit
	}
	if hreq.ContentLength > bodyLimit {
		if sess == nil {
			// Oversize pre-auth body: drop without a response.
			return false
		}
		c.writeBareResponse(http.StatusRequestEntityTooLarge)
		return false
	}

	budget := anonymousBudget
	if sess != nil {
		budget = authenticatedBudget
	}
	c.armDeadline(budget)

	// The body is always drained, whatever the method, so a keep-alive
	// connection never desynchronizes on unread bytes.
	c.setState(StateReadBody)
	body, err := io.ReadAll(io.LimitReader(hreq.Body, bodyLimit+1))
	if err != nil {
		return false
	}
	if int64(len(body)) > bodyLimit {
		if sess == nil {
			return false
		}
		c.writeBareResponse(http.StatusRequestEntityTooLarge)
		return false
	}
	if method != httpd.MethodGet && method != httpd.MethodHead {
		req.Body = body
	}
	_ = hreq.Body.Close()

	// The deadline stays armed across dispatch as the backstop against
	// handlers that never signal completion.
	c.setState(StateDispatch)
	c.armDeadline(budget)

	res := httpd.NewResponse()
	res.SetLivenessProbe(func() bool { return !c.adaptor.Closed() })

	if req.IsUpgrade() {
		rw := bufio.NewReadWriter(c.adaptor.Reader(), bufio.NewWriter(c.adaptor))
		if c.srv.router.HandleUpgrade(req, res, c.adaptor.Conn(), rw) {
			// The upgrade handler owns the socket now.
			c.handedOff = true
			return false
		}
	} else {
		c.srv.router.Handle(req, res)
	}
	<-res.Done()

	c.setState(StateWrite)
	c.armDeadline(budget)

	keepAlive := secure && req.KeepAlive() && res.KeepAlive && !c.adaptor.Closed()
	if err := c.writeResponse(req, res, keepAlive); err != nil {
		return false
	}
	metrics.ObserveRequest(method.String(), res.Status, time.Since(started))

	if !keepAlive {
		return false
	}
	c.armDeadline(budget)
	return true
}

// tlsConfig clones the server's base TLS config, attaching the mTLS
// staging hook when a trust store is configured.
func (c *Connection) tlsConfig() *tls.Config {
	cfg := c.srv.tlsBase.Clone()
	if c.srv.clientCAs != nil {
		host, _, _ := net.SplitHostPort(c.adaptor.RemoteAddr().String())
		cfg.VerifyPeerCertificate = verifyAndStage(c.srv.clientCAs, c.srv.store, host,
			func(s *session.Session) { c.staged = s })
	}
	return cfg
}

// authenticate resolves the request's session. The intake order is
// fixed: mTLS-staged, cookie, bearer token, then Basic. First success
// wins; total failure leaves the request anonymous.
func (c *Connection) authenticate(req *httpd.Request, hreq *http.Request) *session.Session {
	if c.staged != nil {
		if sess := c.srv.store.Lookup(c.staged.Token); sess != nil {
			return sess
		}
		c.staged = nil
	}

	if cookie, err := hreq.Cookie("SESSION"); err == nil {
		if sess := c.srv.store.Lookup(cookie.Value); sess != nil {
			if !isMutating(req.Method) || hreq.Header.Get("X-XSRF-TOKEN") == sess.CSRFToken {
				return sess
			}
			slog.Debug("cookie auth rejected: csrf token mismatch", "user", sess.Username)
		}
	}

	if token := hreq.Header.Get("X-Auth-Token"); token != "" {
		if sess := c.srv.store.Lookup(token); sess != nil {
			return sess
		}
	}

	if username, password, ok := hreq.BasicAuth(); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		user, err := c.srv.dir.Authenticate(ctx, username, password)
		if err != nil {
			slog.Debug("basic auth failed", "user", username)
			return nil
		}
		host, _, _ := net.SplitHostPort(c.adaptor.RemoteAddr().String())
		sess, err := c.srv.store.Generate(user.Username, session.PersistSingleRequest, host)
		if err != nil {
			slog.Warn("session generation failed", "user", username, "error", err)
			return nil
		}
		return sess
	}

	return nil
}

func isMutating(m httpd.Method) bool {
	switch m {
	case httpd.MethodGet, httpd.MethodHead, httpd.MethodOptions:
		return false
	default:
		return true
	}
}

// writeResponse serializes the response onto the adaptor.
func (c *Connection) writeResponse(req *httpd.Request, res *httpd.Response, keepAlive bool) error {
	h := res.Header

	// The staged JSON value is serialized here, at send time.
	if v, ok := res.JSONValue(); ok {
		body, err := json.Marshal(v)
		if err != nil {
			slog.Error("response serialization failed", "error", err)
			res.Status = http.StatusInternalServerError
			body = nil
		}
		res.SetBody(body)
		h.Set("Content-Type", "application/json")
		h.Set("OData-Version", "4.0")
	}

	h.Set("Server", c.srv.cfg.ServerName)
	h.Set("Date", c.worker.Date())
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	if req.Secure {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
	if keepAlive {
		h.Set("Connection", "keep-alive")
	} else {
		h.Set("Connection", "close")
	}

	kind, body, file, stream := res.Body()
	switch kind {
	case httpd.BodyBytes:
		h.Set("Content-Length", strconv.Itoa(len(body)))
	case httpd.BodyFile:
		info, err := file.Stat()
		if err != nil {
			return fmt.Errorf("stating body file: %w", err)
		}
		h.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	case httpd.BodyStream:
		h.Set("Transfer-Encoding", "chunked")
	default:
		h.Set("Content-Length", "0")
	}

	var head bytes.Buffer
	fmt.Fprintf(&head, "HTTP/1.1 %d %s\r\n", res.Status, http.StatusText(res.Status))
	if err := h.Write(&head); err != nil {
		return err
	}
	head.WriteString("\r\n")
	if _, err := c.adaptor.Write(head.Bytes()); err != nil {
		return err
	}

	if req.Method == httpd.MethodHead {
		if kind == httpd.BodyFile {
			_ = file.Close()
		}
		return nil
	}

	switch kind {
	case httpd.BodyBytes:
		if len(body) > 0 {
			if _, err := c.adaptor.Write(body); err != nil {
				return err
			}
		}
	case httpd.BodyFile:
		defer func() { _ = file.Close() }()
		if _, err := io.Copy(c.adaptor, file); err != nil {
			return err
		}
	case httpd.BodyStream:
		cw := httputil.NewChunkedWriter(c.adaptor)
		if err := stream(cw); err != nil {
			return err
		}
		if err := cw.Close(); err != nil {
			return err
		}
		if _, err := io.WriteString(c.adaptor, "\r\n"); err != nil {
			return err
		}
	}
	return nil
}

// writeBareResponse emits a minimal empty response outside the normal
// dispatch path and leaves the connection closing.
func (c *Connection) writeBareResponse(status int) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	fmt.Fprintf(&buf, "Server: %s\r\n", c.srv.cfg.ServerName)
	fmt.Fprintf(&buf, "Date: %s\r\n", c.worker.Date())
	buf.WriteString("Content-Length: 0\r\nConnection: close\r\n\r\n")
	_, _ = c.adaptor.Write(buf.Bytes())
}

// writeRedirect emits the plain-HTTP-to-HTTPS 301.
func (c *Connection) writeRedirect(location string) {
	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 301 Moved Permanently\r\n")
	fmt.Fprintf(&buf, "Location: %s\r\n", location)
	fmt.Fprintf(&buf, "Server: %s\r\n", c.srv.cfg.ServerName)
	fmt.Fprintf(&buf, "Date: %s\r\n", c.worker.Date())
	buf.WriteString("Content-Length: 0\r\nConnection: close\r\n\r\n")
	_, _ = c.adaptor.Write(buf.Bytes())
}

// teardown cancels the outstanding deadline and closes the socket
// unless an upgrade handler took it over.
func (c *Connection) teardown() {
	c.setState(StateClosed)
	c.cancelDeadline()
	if !c.handedOff {
		_ = c.adaptor.Close()
	}
	c.srv.forget(c)
}

// armDeadline resets the slow-client budget. Callable from the
// connection goroutine; the work happens on the worker loop.
func (c *Connection) armDeadline(budget int) {
	c.worker.Schedule(func() { c.armLocked(budget) })
}

// cancelDeadline drops the outstanding ticket, if any.
func (c *Connection) cancelDeadline() {
	c.worker.Schedule(func() {
		if c.hasTicket {
			c.worker.queue.Cancel(c.ticket)
			c.hasTicket = false
		}
	})
}

// armLocked and deadlineFired run on the worker loop only.
func (c *Connection) armLocked(budget int) {
	if c.hasTicket {
		c.worker.queue.Cancel(c.ticket)
	}
	c.budget = budget
	c.remaining = budget
	c.armedBytes = c.adaptor.BytesIn()
	c.ticket = c.worker.queue.Add(c.deadlineFired)
	c.hasTicket = true
}

func (c *Connection) deadlineFired() {
	c.hasTicket = false
	if c.adaptor.Closed() {
		return
	}
	progressed := c.adaptor.BytesIn() != c.armedBytes
	if progressed && c.authed.Load() {
		// Slow upload is fine, idle is not.
		c.armLocked(c.budget)
		return
	}
	c.remaining--
	if c.remaining <= 0 {
		slog.Debug("closing connection on deadline", "remote", c.adaptor.RemoteAddr())
		metrics.ObserveDeadlineClose()
		_ = c.adaptor.Close()
		return
	}
	c.armedBytes = c.adaptor.BytesIn()
	c.ticket = c.worker.queue.Add(c.deadlineFired)
	c.hasTicket = true
}

// isDisconnect classifies read errors that mean the peer simply went
// away.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "connection reset")
}
