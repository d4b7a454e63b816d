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

// Package router matches request URLs against a parameterized trie,
// gates each route on privileges, and invokes the bound handler.
package router

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"reef/internal/httpd"
	"reef/internal/privilege"
	"reef/pkg/redfish"
)

// Router owns the rule table and the trie. Registration happens at
// startup; after Validate the structures are frozen and dispatch is
// lock-free.
type Router struct {
	// rules[0] and rules[1] are placeholders for the no-match and
	// trailing-slash-redirect indices.
	rules  []*Rule
	trie   *Trie
	frozen bool
}

// New returns an empty router.
func New() *Router {
	return &Router{
		rules: make([]*Rule, 2),
		trie:  NewTrie(),
	}
}

// Route starts registration of a rule for pattern. Configure it with
// the fluent setters, then bind a handler; faults surface in Validate.
func (rt *Router) Route(pattern string) *Rule {
	kinds, err := patternKinds(pattern)
	rule := &Rule{
		pattern: pattern,
		methods: httpd.Methods(httpd.MethodGet),
		kinds:   kinds,
		err:     err,
	}
	rt.rules = append(rt.rules, rule)
	return rule
}

// Validate builds the trie from the registered rules and freezes the
// router. Any registration fault is returned; a faulted router must not
// serve traffic.
func (rt *Router) Validate() error {
	if rt.frozen {
		return nil
	}
	var errs []error
	for i := 2; i < len(rt.rules); i++ {
		rule := rt.rules[i]
		if rule.err != nil {
			errs = append(errs, rule.err)
			continue
		}
		if rule.invoke == nil && rule.upgrade == nil {
			errs = append(errs, fmt.Errorf("route %q has no handler bound", rule.pattern))
			continue
		}
		if err := rt.trie.Add(rule.pattern, uint32(i)); err != nil {
			errs = append(errs, err)
			continue
		}
		if n := len(rule.pattern); n > 2 && rule.pattern[n-1] == '/' {
			if err := rt.trie.AddRedirect(rule.pattern[:n-1]); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := rt.trie.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	rt.trie.Optimize()
	rt.frozen = true
	return nil
}

// Handle dispatches a parsed request. The response is always completed
// on return or asynchronously by the handler.
func (rt *Router) Handle(req *httpd.Request, res *httpd.Response) {
	idx, params := rt.trie.Find(req.Path)
	if idx == 0 {
		// A URL with a spurious trailing slash still reaches the
		// slashless rule; only the reverse direction redirects.
		if n := len(req.Path); n > 1 && req.Path[n-1] == '/' {
			idx, params = rt.trie.Find(req.Path[:n-1])
		}
		if idx == 0 || idx == redirectRuleIndex {
			rt.notFound(res)
			return
		}
	}
	if idx == redirectRuleIndex {
		loc := req.Path + "/"
		if host := req.Host(); host != "" {
			scheme := "http://"
			if req.Secure {
				scheme = "https://"
			}
			loc = scheme + host + loc
		}
		if req.RawQuery != "" {
			loc += "?" + req.RawQuery
		}
		res.Redirect(http.StatusMovedPermanently, loc)
		res.End()
		return
	}

	rule := rt.rules[idx]
	if !rule.methods.Has(req.Method) {
		// Method mismatch hides as not-found so the surface cannot be
		// enumerated verb by verb.
		rt.notFound(res)
		return
	}
	if !rt.privilegeAllows(rule, req) {
		rt.forbidden(res)
		return
	}
	if rule.invoke == nil {
		// An upgrade rule reached through plain dispatch.
		rt.notFound(res)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("handler failure", "route", rule.pattern, "panic", rec)
			if !res.Completed() {
				res.Header = make(http.Header)
				rt.internalError(res)
			}
		}
	}()
	rule.invoke(req, res, &params)
}

// HandleUpgrade dispatches a protocol-upgrade request. When it returns
// true the rule's upgrade handler owns the transport and no response
// must be written; otherwise the response carries the refusal.
func (rt *Router) HandleUpgrade(req *httpd.Request, res *httpd.Response, conn net.Conn, rw *bufio.ReadWriter) bool {
	if !req.Secure {
		rt.notFound(res)
		return false
	}
	idx, _ := rt.trie.Find(req.Path)
	if idx == 0 || idx == redirectRuleIndex {
		rt.notFound(res)
		return false
	}
	rule := rt.rules[idx]
	if rule.upgrade == nil || !rule.methods.Has(req.Method) {
		rt.notFound(res)
		return false
	}
	if !rt.privilegeAllows(rule, req) {
		rt.forbidden(res)
		return false
	}
	rule.upgrade(req, conn, rw)
	return true
}

func (rt *Router) privilegeAllows(rule *Rule, req *httpd.Request) bool {
	var granted privilege.Set
	if req.Session != nil {
		granted = privilege.ForRole(req.Session.Role)
	}
	return privilege.Allows(rule.privileges, granted)
}

// RoutesUnder returns the rules whose patterns start with prefix, in
// registration order.
func (rt *Router) RoutesUnder(prefix string) []*Rule {
	var out []*Rule
	for _, idx := range rt.trie.FindRoutesUnder(prefix) {
		out = append(out, rt.rules[idx])
	}
	return out
}

func (rt *Router) notFound(res *httpd.Response) {
	res.Status = http.StatusNotFound
	res.JSON(redfish.ErrorBody(http.StatusNotFound, redfish.MsgResourceNotFound, "Resource not found"))
	res.End()
}

func (rt *Router) forbidden(res *httpd.Response) {
	res.Status = http.StatusForbidden
	res.JSON(redfish.ErrorBody(http.StatusForbidden, redfish.MsgInsufficientPrivilege,
		"There are insufficient privileges for the account or credentials associated with the current session to perform the requested operation"))
	res.End()
}

func (rt *Router) internalError(res *httpd.Response) {
	res.Status = http.StatusInternalServerError
	res.JSON(redfish.ErrorBody(http.StatusInternalServerError, redfish.MsgInternalError,
		"The request failed due to an internal service error"))
	res.End()
}
