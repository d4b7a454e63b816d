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
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"reef/internal/httpd"
	"reef/internal/router"
)

// WebSocket adapts a message handler into an upgrade rule target. The
// RFC 6455 handshake and framing come from gorilla/websocket; the shim
// below satisfies its Hijacker requirement over the raw transport the
// router handed us.
func WebSocket(handler func(req *httpd.Request, conn *websocket.Conn)) router.UpgradeFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Same-origin enforcement happens via the CSRF/session layer;
		// BMC clients routinely connect from file:// UIs.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return func(req *httpd.Request, conn net.Conn, rw *bufio.ReadWriter) {
		w := &hijackWriter{conn: conn, rw: rw, header: make(http.Header)}
		ws, err := upgrader.Upgrade(w, req.HTTPRequest(), nil)
		if err != nil {
			slog.Debug("websocket upgrade failed", "error", err)
			_ = conn.Close()
			return
		}
		defer func() { _ = ws.Close() }()
		handler(req, ws)
	}
}

// hijackWriter is the minimal http.ResponseWriter + http.Hijacker the
// upgrader needs. On success it only ever hijacks; the write path
// exists for handshake refusals.
type hijackWriter struct {
	conn        net.Conn
	rw          *bufio.ReadWriter
	header      http.Header
	wroteHeader bool
}

func (w *hijackWriter) Header() http.Header {
	return w.header
}

func (w *hijackWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	fmt.Fprintf(w.rw, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	_ = w.header.Write(w.rw)
	_, _ = w.rw.WriteString("\r\n")
}

func (w *hijackWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusInternalServerError)
	}
	n, err := w.rw.Write(b)
	if err != nil {
		return n, err
	}
	return n, w.rw.Flush()
}

func (w *hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.conn, w.rw, nil
}
