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
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
)

// BodyKind selects which body variant a response carries.
type BodyKind int

const (
	BodyEmpty BodyKind = iota
	BodyBytes
	BodyFile
	BodyStream
)

// StreamFunc produces a response body incrementally. It runs at send time
// on the connection goroutine.
type StreamFunc func(w io.Writer) error

// Response accumulates the reply to one request. Handlers fill it in and
// call End; the connection serializes it afterwards.
type Response struct {
	Status int
	Header http.Header

	// KeepAlive is the handler's desire; the connection still gets the
	// final say (plain-HTTP responses always close).
	KeepAlive bool

	kind   BodyKind
	body   []byte
	file   *os.File
	stream StreamFunc

	// jsonValue is staged and serialized lazily at send time.
	jsonValue any
	jsonSet   bool

	completed atomic.Bool
	endOnce   sync.Once
	done      chan struct{}

	alive func() bool
}

// NewResponse returns an empty 200 response.
func NewResponse() *Response {
	return &Response{
		Status:    http.StatusOK,
		Header:    make(http.Header),
		KeepAlive: true,
		done:      make(chan struct{}),
	}
}

// SetBody replaces the body with a byte buffer.
func (r *Response) SetBody(b []byte) {
	r.clearBody()
	r.kind = BodyBytes
	r.body = b
}

// WriteString sets a plain-text body.
func (r *Response) WriteString(s string) {
	r.SetBody([]byte(s))
	if r.Header.Get("Content-Type") == "" {
		r.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
}

// JSON stages a value for lazy serialization at send time.
func (r *Response) JSON(v any) {
	r.clearBody()
	r.jsonValue = v
	r.jsonSet = true
}

// JSONValue returns the staged JSON value, if any.
func (r *Response) JSONValue() (any, bool) {
	return r.jsonValue, r.jsonSet
}

// File serves the contents of an open file. The connection closes it
// after the response is written.
func (r *Response) File(f *os.File) {
	r.clearBody()
	r.kind = BodyFile
	r.file = f
}

// Stream registers a producer that writes the body at send time.
func (r *Response) Stream(fn StreamFunc) {
	r.clearBody()
	r.kind = BodyStream
	r.stream = fn
}

// Body returns the body variant currently staged.
func (r *Response) Body() (BodyKind, []byte, *os.File, StreamFunc) {
	return r.kind, r.body, r.file, r.stream
}

func (r *Response) clearBody() {
	r.kind = BodyEmpty
	r.body = nil
	r.file = nil
	r.stream = nil
	r.jsonValue = nil
	r.jsonSet = false
}

// Redirect stages a redirect with the given status and Location.
func (r *Response) Redirect(status int, location string) {
	r.Status = status
	r.Header.Set("Location", location)
	r.clearBody()
}

// End marks the response complete. The first call wins; further calls
// are no-ops. This is the completion hook of the dispatch contract.
func (r *Response) End() {
	r.endOnce.Do(func() {
		r.completed.Store(true)
		close(r.done)
	})
}

// Completed reports whether End has run.
func (r *Response) Completed() bool {
	return r.completed.Load()
}

// Done is closed when the handler signals completion.
func (r *Response) Done() <-chan struct{} {
	return r.done
}

// SetLivenessProbe installs the transport-liveness closure. The core sets
// it before dispatch; handlers doing long work may poll IsAlive.
func (r *Response) SetLivenessProbe(fn func() bool) {
	r.alive = fn
}

// IsAlive asks the underlying transport whether it is still open.
func (r *Response) IsAlive() bool {
	if r.alive == nil {
		return false
	}
	return r.alive()
}
