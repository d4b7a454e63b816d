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

package httpd

import (
	"net/http"
	"net/url"
	"strings"

	"reef/internal/session"
)

// Loop is the scheduling surface of the worker a request is pinned to.
// Handlers that need follow-up work on the owning worker go through it.
type Loop interface {
	Schedule(func())
}

// QueryParam is a single key/value pair from the query string. Order of
// appearance is preserved, unlike url.Values.
type QueryParam struct {
	Key   string
	Value string
}

// Request is a parsed HTTP request handed to the router.
type Request struct {
	Method   Method
	Path     string
	RawQuery string
	// Version is major*10+minor, so HTTP/1.1 is 11.
	Version int
	Header  http.Header
	Body    []byte

	// Secure is set once the connection has taken the TLS branch.
	Secure bool

	// RemoteAddr is the peer's host:port as seen by the acceptor.
	RemoteAddr string

	// Session is the authenticated session, or nil for anonymous requests.
	// The session store stays the owner; this is a borrow.
	Session *session.Session

	// Loop schedules work onto the worker owning the connection.
	Loop Loop

	raw   *http.Request
	query []QueryParam
}

// NewRequest wraps a parsed net/http request.
func NewRequest(raw *http.Request, method Method, secure bool) *Request {
	return &Request{
		Method:   method,
		Path:     raw.URL.Path,
		RawQuery: raw.URL.RawQuery,
		Version:  raw.ProtoMajor*10 + raw.ProtoMinor,
		Header:   raw.Header,
		Secure:   secure,
		raw:      raw,
	}
}

// HTTPRequest exposes the underlying net/http request, used by the
// WebSocket upgrade path.
func (r *Request) HTTPRequest() *http.Request {
	return r.raw
}

// Target is the request target as it appeared on the request line.
func (r *Request) Target() string {
	if r.RawQuery == "" {
		return r.Path
	}
	return r.Path + "?" + r.RawQuery
}

// Host returns the Host header (the URL host for absolute-form targets).
func (r *Request) Host() string {
	if r.raw != nil && r.raw.Host != "" {
		return r.raw.Host
	}
	return r.Header.Get("Host")
}

// Query returns the query parameters in order of appearance. Malformed
// pairs are skipped rather than failing the request.
func (r *Request) Query() []QueryParam {
	if r.query != nil || r.RawQuery == "" {
		return r.query
	}
	for _, pair := range strings.Split(r.RawQuery, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		uk, err := url.QueryUnescape(key)
		if err != nil {
			continue
		}
		uv, err := url.QueryUnescape(value)
		if err != nil {
			continue
		}
		r.query = append(r.query, QueryParam{Key: uk, Value: uv})
	}
	return r.query
}

// QueryValue returns the first value for key and whether it was present.
func (r *Request) QueryValue(key string) (string, bool) {
	for _, p := range r.Query() {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// KeepAlive reports whether the client asked for the connection to stay
// open after this request.
func (r *Request) KeepAlive() bool {
	conn := strings.ToLower(r.Header.Get("Connection"))
	switch {
	case strings.Contains(conn, "close"):
		return false
	case r.Version >= 11:
		return true
	default:
		return strings.Contains(conn, "keep-alive")
	}
}

// IsUpgrade reports whether the request asks for a protocol upgrade.
func (r *Request) IsUpgrade() bool {
	conn := strings.ToLower(r.Header.Get("Connection"))
	return strings.Contains(conn, "upgrade") && r.Header.Get("Upgrade") != ""
}
