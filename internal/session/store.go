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

// Package session holds the in-memory store of authenticated sessions.
// The store is process-wide and shared by every worker; everything here
// must stay safe under concurrent lookup, insert and eviction.
package session

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Persistence controls how long a session outlives the request that
// created it.
type Persistence int

const (
	// PersistTimeout keeps the session until its idle age exceeds the
	// configured limit.
	PersistTimeout Persistence = iota
	// PersistSingleRequest drops the session after the request that
	// created it completes. Used for Basic auth.
	PersistSingleRequest
)

const (
	// tokenLength at 30 characters over a 62-symbol alphabet gives
	// just under 179 bits of entropy.
	tokenLength = 30

	tokenAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// DefaultIdleLimit is how long a TIMEOUT session may sit unused.
	DefaultIdleLimit = 60 * time.Minute

	sweepInterval = time.Minute
)

// Session is one authenticated principal. The store owns it; connections
// hold borrows and must revalidate through Lookup.
type Session struct {
	ID          string
	Token       string
	CSRFToken   string
	Username    string
	Role        string
	ClientIP    string
	Persistence Persistence

	mu      sync.Mutex
	lastUse time.Time
}

// Touch advances the last-use timestamp.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastUse) {
		s.lastUse = now
	}
	s.mu.Unlock()
}

// IdleSince returns the last-use timestamp.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUse
}

// Directory resolves usernames to roles. The sqlite-backed user
// directory implements it.
type Directory interface {
	RoleFor(username string) (string, error)
}

// Store is the process-wide token-to-session map.
type Store struct {
	dir       Directory
	idleLimit time.Duration

	mu        sync.Mutex
	byToken   map[string]*Session
	lastSweep time.Time
	now       func() time.Time
}

// NewStore builds a store over the given user directory. A zero
// idleLimit selects the default of one hour.
func NewStore(dir Directory, idleLimit time.Duration) *Store {
	if idleLimit <= 0 {
		idleLimit = DefaultIdleLimit
	}
	return &Store{
		dir:       dir,
		idleLimit: idleLimit,
		byToken:   make(map[string]*Session),
		now:       time.Now,
	}
}

// Generate mints a fresh session for username. The role comes from the
// user directory; an unreachable directory surfaces as an error.
func (st *Store) Generate(username string, persistence Persistence, clientIP string) (*Session, error) {
	role, err := st.dir.RoleFor(username)
	if err != nil {
		return nil, fmt.Errorf("resolving role for %q: %w", username, err)
	}

	csrf, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("generating csrf token: %w", err)
	}

	sess := &Session{
		ID:          uuid.New().String(),
		CSRFToken:   csrf,
		Username:    username,
		Role:        role,
		ClientIP:    clientIP,
		Persistence: persistence,
		lastUse:     st.now(),
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for {
		token, err := randomToken()
		if err != nil {
			return nil, fmt.Errorf("generating session token: %w", err)
		}
		if _, taken := st.byToken[token]; taken {
			// 62^30 keyspace; a collision means the entropy source is
			// lying to us, but regenerate rather than overwrite.
			slog.Warn("session token collision, regenerating")
			continue
		}
		sess.Token = token
		st.byToken[token] = sess
		return sess, nil
	}
}

// Lookup resolves a bearer token, advancing the session's last-use time.
// At most once per minute it also sweeps idle TIMEOUT sessions.
func (st *Store) Lookup(token string) *Session {
	now := st.now()

	st.mu.Lock()
	sess := st.byToken[token]
	st.sweepLocked(now)
	st.mu.Unlock()

	if sess != nil {
		sess.Touch(now)
	}
	return sess
}

// Remove drops a session unconditionally. Removing a session that is
// already gone is a no-op.
func (st *Store) Remove(sess *Session) {
	if sess == nil {
		return
	}
	st.mu.Lock()
	if cur, ok := st.byToken[sess.Token]; ok && cur == sess {
		delete(st.byToken, sess.Token)
	}
	st.mu.Unlock()
}

// Get returns the session with the given short id, or nil.
func (st *Store) Get(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, s := range st.byToken {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// ByPersistence enumerates sessions with the given persistence tag.
func (st *Store) ByPersistence(p Persistence) []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []*Session
	for _, s := range st.byToken {
		if s.Persistence == p {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of live sessions.
func (st *Store) Count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.byToken)
}

// sweepLocked evicts idle TIMEOUT sessions, throttled to once per
// minute. Callers hold st.mu.
func (st *Store) sweepLocked(now time.Time) {
	if now.Sub(st.lastSweep) < sweepInterval {
		return
	}
	st.lastSweep = now
	for token, s := range st.byToken {
		if s.Persistence != PersistTimeout {
			continue
		}
		if now.Sub(s.IdleSince()) > st.idleLimit {
			slog.Debug("evicting idle session", "user", s.Username, "id", s.ID)
			delete(st.byToken, token)
		}
	}
}

// randomToken draws tokenLength characters uniformly from the
// alphanumeric alphabet using rejection sampling.
func randomToken() (string, error) {
	out := make([]byte, 0, tokenLength)
	buf := make([]byte, tokenLength*2)
	for len(out) < tokenLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			// Reject bytes beyond the largest multiple of 62 to keep
			// the distribution uniform.
			if b >= 248 {
				continue
			}
			out = append(out, tokenAlphabet[int(b)%len(tokenAlphabet)])
			if len(out) == tokenLength {
				break
			}
		}
	}
	return string(out), nil
}
