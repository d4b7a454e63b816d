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
	"log/slog"
	"time"
)

// Quantum is the timer queue tick interval. All deadline accounting is
// in units of it.
const Quantum = time.Second

// Ticket cancels a pending timeout. A fired ticket is invalid;
// cancelling one anyway is a no-op, not a fault.
type Ticket uint64

type timerEntry struct {
	ticket   Ticket
	deadline time.Time
	fn       func()
}

// TimerQueue is a per-worker registry of coarse deadlines used for
// slow-client eviction. It is deliberately not thread-safe: every
// operation runs on the owning worker's loop.
type TimerQueue struct {
	entries []timerEntry
	next    Ticket
	now     func() time.Time
}

// NewTimerQueue returns an empty queue.
func NewTimerQueue() *TimerQueue {
	return &TimerQueue{next: 1, now: time.Now}
}

// Add schedules fn to fire one quantum from now and returns its ticket.
func (q *TimerQueue) Add(fn func()) Ticket {
	t := q.next
	q.next++
	q.entries = append(q.entries, timerEntry{
		ticket:   t,
		deadline: q.now().Add(Quantum),
		fn:       fn,
	})
	if len(q.entries) > 1024 {
		slog.Warn("timer queue unusually deep", "depth", len(q.entries))
	}
	return t
}

// Cancel removes a still-pending callback. Cancelling a fired or
// unknown ticket does nothing.
func (q *TimerQueue) Cancel(t Ticket) {
	for i := range q.entries {
		if q.entries[i].ticket == t {
			q.entries[i].fn = nil
			return
		}
	}
}

// Process fires every elapsed entry in insertion order, then drops
// them. The worker calls it once per quantum.
func (q *TimerQueue) Process() {
	now := q.now()
	fired := 0
	for fired < len(q.entries) && !q.entries[fired].deadline.After(now) {
		fired++
	}
	if fired == 0 {
		return
	}
	// Callbacks may Add new entries; detach the elapsed run first.
	elapsed := make([]timerEntry, fired)
	copy(elapsed, q.entries[:fired])
	q.entries = append(q.entries[:0], q.entries[fired:]...)
	for _, e := range elapsed {
		if e.fn != nil {
			e.fn()
		}
	}
}

// Len returns the number of pending entries, cancelled ones included.
func (q *TimerQueue) Len() int {
	return len(q.entries)
}
