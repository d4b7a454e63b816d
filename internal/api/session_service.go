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

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"reef/internal/httpd"
	"reef/internal/privilege"
	"reef/internal/session"
	"reef/pkg/redfish"
)

// sessions serves the session collection: GET lists, POST logs in.
func (s *Service) sessions(req *httpd.Request, res *httpd.Response) {
	switch req.Method {
	case httpd.MethodPost:
		s.login(req, res)
	default:
		if req.Session == nil {
			writeError(res, http.StatusUnauthorized, redfish.MsgUnauthorized, "Authentication required")
			return
		}
		var members []redfish.ODataIDRef
		for _, sess := range s.store.ByPersistence(session.PersistTimeout) {
			members = append(members, redfish.ODataIDRef{
				ODataID: "/redfish/v1/SessionService/Sessions/" + sess.ID,
			})
		}
		res.JSON(redfish.Collection{
			ODataID:      "/redfish/v1/SessionService/Sessions",
			ODataType:    "#SessionCollection.SessionCollection",
			Name:         "Session Collection",
			Members:      members,
			MembersCount: len(members),
		})
		res.End()
	}
}

// login creates a TIMEOUT session from a UserName/Password document.
func (s *Service) login(req *httpd.Request, res *httpd.Response) {
	var creds struct {
		UserName string `json:"UserName"`
		Password string `json:"Password"`
	}
	if err := json.Unmarshal(req.Body, &creds); err != nil {
		writeError(res, http.StatusBadRequest, redfish.MsgMalformedJSON, "The request body could not be parsed as JSON")
		return
	}
	if creds.UserName == "" || creds.Password == "" {
		writeError(res, http.StatusBadRequest, redfish.MsgPropertyMissing, "UserName and Password are required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	user, err := s.dir.Authenticate(ctx, creds.UserName, creds.Password)
	if err != nil {
		writeError(res, http.StatusUnauthorized, redfish.MsgUnauthorized, "Invalid username or password")
		return
	}

	host, _, _ := net.SplitHostPort(req.RemoteAddr)
	sess, err := s.store.Generate(user.Username, session.PersistTimeout, host)
	if err != nil {
		slog.Error("session generation failed", "user", user.Username, "error", err)
		writeError(res, http.StatusInternalServerError, redfish.MsgInternalError, "Failed to create session")
		return
	}

	location := "/redfish/v1/SessionService/Sessions/" + sess.ID
	res.Status = http.StatusCreated
	res.Header.Set("X-Auth-Token", sess.Token)
	res.Header.Set("Location", location)
	res.Header.Add("Set-Cookie", fmt.Sprintf("SESSION=%s; Path=/; Secure; HttpOnly; SameSite=Strict", sess.Token))
	res.Header.Add("Set-Cookie", fmt.Sprintf("XSRF-TOKEN=%s; Path=/; Secure; SameSite=Strict", sess.CSRFToken))
	res.JSON(sessionResource(sess))
	res.End()
}

// session serves one session resource: GET shows it, DELETE logs out.
// Deleting someone else's session takes ConfigureManager.
func (s *Service) session(req *httpd.Request, res *httpd.Response, id string) {
	target := s.store.Get(id)
	if target == nil {
		writeError(res, http.StatusNotFound, redfish.MsgResourceNotFound, "Session not found")
		return
	}

	switch req.Method {
	case httpd.MethodDelete:
		granted := privilege.ForRole(req.Session.Role)
		own := target.Username == req.Session.Username
		if !own && !privilege.ConfigureManager.SubsetOf(granted) {
			writeError(res, http.StatusForbidden, redfish.MsgInsufficientPrivilege,
				"Deleting another user's session requires the ConfigureManager privilege")
			return
		}
		s.store.Remove(target)
		res.Status = http.StatusNoContent
		res.End()
	default:
		res.JSON(sessionResource(target))
		res.End()
	}
}

func sessionResource(sess *session.Session) redfish.Session {
	return redfish.Session{
		ODataID:   "/redfish/v1/SessionService/Sessions/" + sess.ID,
		ODataType: "#Session.v1_3_0.Session",
		ID:        sess.ID,
		Name:      "User Session",
		UserName:  sess.Username,
		ClientIP:  sess.ClientIP,
	}
}
