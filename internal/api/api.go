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

// Package api registers the built-in Redfish resources: the service
// root, session and account services, the manager skeleton, and the
// metrics and console endpoints.
package api

import (
	"bytes"
	"net/http"

	"github.com/google/uuid"

	"reef/internal/httpd"
	"reef/internal/metrics"
	"reef/internal/privilege"
	"reef/internal/router"
	"reef/internal/session"
	"reef/internal/userdir"
	"reef/pkg/redfish"
)

// Service holds the collaborators the built-in routes need.
type Service struct {
	routes *router.Router
	store  *session.Store
	dir    *userdir.Directory

	// serviceUUID identifies this service instance for the lifetime of
	// the process.
	serviceUUID string
}

// Register wires every built-in route into the router.
func Register(rt *router.Router, store *session.Store, dir *userdir.Directory) *Service {
	s := &Service{
		routes:      rt,
		store:       store,
		dir:         dir,
		serviceUUID: uuid.New().String(),
	}

	rt.Route("/redfish/").
		Privileges(privilege.NoAuth).
		Name("Version").
		Handler(func() any {
			return map[string]string{"v1": "/redfish/v1/"}
		})

	rt.Route("/redfish/v1/").
		Privileges(privilege.NoAuth).
		Name("ServiceRoot").
		Handler(s.serviceRoot)

	rt.Route("/redfish/v1/SessionService/").
		Privileges(privilege.Union(privilege.Login)).
		Name("SessionService").
		Handler(s.sessionServiceRoot)

	// Session creation must be reachable anonymously; the GET branch
	// re-checks for a session itself.
	rt.Route("/redfish/v1/SessionService/Sessions/").
		Methods(httpd.MethodGet, httpd.MethodPost).
		Privileges(privilege.NoAuth).
		Name("SessionCollection").
		Handler(s.sessions)

	rt.Route("/redfish/v1/SessionService/Sessions/<str>/").
		Methods(httpd.MethodGet, httpd.MethodDelete).
		Privileges(privilege.Union(privilege.Login)).
		Name("Session").
		Handler(s.session)

	rt.Route("/redfish/v1/AccountService/").
		Privileges(privilege.Union(privilege.Login)).
		Name("AccountService").
		Handler(s.accountServiceRoot)

	rt.Route("/redfish/v1/AccountService/Accounts/").
		Methods(httpd.MethodGet, httpd.MethodPost).
		Privileges(privilege.Union(privilege.ConfigureUsers)).
		Name("AccountCollection").
		Handler(s.accounts)

	rt.Route("/redfish/v1/AccountService/Accounts/<str>/").
		Methods(httpd.MethodGet, httpd.MethodDelete).
		Privileges(privilege.Union(privilege.ConfigureUsers)).
		Name("Account").
		Handler(s.account)

	rt.Route("/redfish/v1/Managers/").
		Privileges(privilege.Union(privilege.Login)).
		Name("ManagerCollection").
		Handler(s.managers)

	rt.Route("/redfish/v1/Managers/bmc/").
		Privileges(privilege.Union(privilege.Login)).
		Name("Manager").
		Handler(s.manager)

	rt.Route("/redfish/v1/Routes/").
		Privileges(privilege.Union(privilege.Login, privilege.ConfigureManager)).
		Name("RouteIndex").
		Handler(s.routeIndex)

	rt.Route("/metrics").
		Privileges(privilege.Union(privilege.Login, privilege.ConfigureManager)).
		Name("Metrics").
		Handler(s.metrics)

	return s
}

func (s *Service) serviceRoot() any {
	return redfish.ServiceRoot{
		ODataID:        "/redfish/v1/",
		ODataType:      "#ServiceRoot.v1_5_0.ServiceRoot",
		ID:             "RootService",
		Name:           "Root Service",
		RedfishVersion: "1.9.0",
		UUID:           s.serviceUUID,
		Managers:       redfish.ODataIDRef{ODataID: "/redfish/v1/Managers"},
		SessionService: redfish.ODataIDRef{ODataID: "/redfish/v1/SessionService"},
		AccountService: redfish.ODataIDRef{ODataID: "/redfish/v1/AccountService"},
		Links: redfish.ServiceRootLinks{
			Sessions: redfish.ODataIDRef{ODataID: "/redfish/v1/SessionService/Sessions"},
		},
	}
}

func (s *Service) sessionServiceRoot(req *httpd.Request) any {
	return redfish.SessionService{
		ODataID:        "/redfish/v1/SessionService",
		ODataType:      "#SessionService.v1_0_2.SessionService",
		ID:             "SessionService",
		Name:           "Session Service",
		Description:    "Session Service",
		ServiceEnabled: true,
		SessionTimeout: 3600,
		Sessions:       redfish.ODataIDRef{ODataID: "/redfish/v1/SessionService/Sessions"},
	}
}

func (s *Service) manager(req *httpd.Request) any {
	return redfish.Manager{
		ODataID:     "/redfish/v1/Managers/bmc",
		ODataType:   "#Manager.v1_9_0.Manager",
		ID:          "bmc",
		Name:        "OpenBmc Manager",
		ManagerType: "BMC",
		UUID:        s.serviceUUID,
	}
}

func (s *Service) managers(req *httpd.Request) any {
	return redfish.Collection{
		ODataID:      "/redfish/v1/Managers",
		ODataType:    "#ManagerCollection.ManagerCollection",
		Name:         "Manager Collection",
		Members:      []redfish.ODataIDRef{{ODataID: "/redfish/v1/Managers/bmc"}},
		MembersCount: 1,
	}
}

// routeIndex enumerates the registered routes below a prefix, default
// the Redfish tree. Operators use it to probe what a build serves.
func (s *Service) routeIndex(req *httpd.Request) any {
	prefix, ok := req.QueryValue("prefix")
	if !ok || prefix == "" {
		prefix = "/redfish/"
	}

	type routeEntry struct {
		Pattern string   `json:"Pattern"`
		Name    string   `json:"Name"`
		Methods []string `json:"Methods"`
	}
	entries := []routeEntry{}
	for _, rule := range s.routes.RoutesUnder(prefix) {
		var methods []string
		for _, m := range []httpd.Method{
			httpd.MethodDelete, httpd.MethodGet, httpd.MethodHead,
			httpd.MethodPost, httpd.MethodPut, httpd.MethodConnect,
			httpd.MethodOptions, httpd.MethodTrace, httpd.MethodPatch,
		} {
			if rule.MethodMask().Has(m) {
				methods = append(methods, m.String())
			}
		}
		entries = append(entries, routeEntry{
			Pattern: rule.Pattern(),
			Name:    rule.DisplayName(),
			Methods: methods,
		})
	}
	return map[string]any{
		"Prefix":              prefix,
		"Members":             entries,
		"Members@odata.count": len(entries),
	}
}

// metrics bridges the prometheus handler into a core response.
func (s *Service) metrics(req *httpd.Request, res *httpd.Response) {
	w := &metricsWriter{header: make(http.Header), status: http.StatusOK}
	metrics.Handler().ServeHTTP(w, req.HTTPRequest())
	res.Status = w.status
	if ct := w.header.Get("Content-Type"); ct != "" {
		res.Header.Set("Content-Type", ct)
	}
	res.SetBody(w.buf.Bytes())
	res.End()
}

type metricsWriter struct {
	header http.Header
	status int
	buf    bytes.Buffer
}

func (w *metricsWriter) Header() http.Header {
	return w.header
}

func (w *metricsWriter) WriteHeader(status int) {
	w.status = status
}

func (w *metricsWriter) Write(b []byte) (int, error) {
	return w.buf.Write(b)
}

// writeError stages a Redfish error payload on the response.
func writeError(res *httpd.Response, status int, code, message string) {
	res.Status = status
	if status == http.StatusUnauthorized {
		res.Header.Set("WWW-Authenticate", `Basic realm="Redfish"`)
	}
	res.JSON(redfish.ErrorBody(status, code, message))
	res.End()
}
