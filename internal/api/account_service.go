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
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"reef/internal/httpd"
	"reef/internal/userdir"
	"reef/pkg/models"
	"reef/pkg/redfish"
)

func (s *Service) accountServiceRoot(req *httpd.Request) any {
	return redfish.AccountService{
		ODataID:        "/redfish/v1/AccountService",
		ODataType:      "#AccountService.v1_5_0.AccountService",
		ID:             "AccountService",
		Name:           "Account Service",
		ServiceEnabled: true,
		Accounts:       redfish.ODataIDRef{ODataID: "/redfish/v1/AccountService/Accounts"},
	}
}

// accounts serves the account collection: GET lists, POST creates.
func (s *Service) accounts(req *httpd.Request, res *httpd.Response) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch req.Method {
	case httpd.MethodPost:
		s.createAccount(ctx, req, res)
	default:
		users, err := s.dir.ListUsers(ctx)
		if err != nil {
			slog.Error("listing accounts failed", "error", err)
			writeError(res, http.StatusInternalServerError, redfish.MsgInternalError, "Failed to list accounts")
			return
		}
		var members []redfish.ODataIDRef
		for _, u := range users {
			members = append(members, redfish.ODataIDRef{
				ODataID: "/redfish/v1/AccountService/Accounts/" + u.Username,
			})
		}
		res.JSON(redfish.Collection{
			ODataID:      "/redfish/v1/AccountService/Accounts",
			ODataType:    "#ManagerAccountCollection.ManagerAccountCollection",
			Name:         "Accounts Collection",
			Members:      members,
			MembersCount: len(members),
		})
		res.End()
	}
}

func (s *Service) createAccount(ctx context.Context, req *httpd.Request, res *httpd.Response) {
	var body struct {
		UserName string `json:"UserName"`
		Password string `json:"Password"`
		RoleID   string `json:"RoleId"`
	}
	if err := json.Unmarshal(req.Body, &body); err != nil {
		writeError(res, http.StatusBadRequest, redfish.MsgMalformedJSON, "The request body could not be parsed as JSON")
		return
	}
	if body.UserName == "" || body.Password == "" {
		writeError(res, http.StatusBadRequest, redfish.MsgPropertyMissing, "UserName and Password are required")
		return
	}
	if body.RoleID == "" {
		body.RoleID = models.RoleReadOnly
	}

	existing, err := s.dir.GetUserByUsername(ctx, body.UserName)
	if err != nil {
		slog.Error("account lookup failed", "error", err)
		writeError(res, http.StatusInternalServerError, redfish.MsgInternalError, "Failed to create account")
		return
	}
	if existing != nil {
		writeError(res, http.StatusConflict, redfish.MsgResourceExists, "An account with that UserName already exists")
		return
	}

	hash, err := userdir.HashPassword(body.Password)
	if err != nil {
		writeError(res, http.StatusBadRequest, redfish.MsgGeneralError, "Password was rejected")
		return
	}
	user := &models.User{
		ID:           uuid.New().String(),
		Username:     body.UserName,
		PasswordHash: hash,
		Role:         body.RoleID,
		Enabled:      true,
	}
	if err := s.dir.CreateUser(ctx, user); err != nil {
		slog.Error("account creation failed", "user", body.UserName, "error", err)
		writeError(res, http.StatusInternalServerError, redfish.MsgInternalError, "Failed to create account")
		return
	}

	res.Status = http.StatusCreated
	res.Header.Set("Location", "/redfish/v1/AccountService/Accounts/"+user.Username)
	res.JSON(accountResource(user))
	res.End()
}

// account serves one account resource: GET shows it, DELETE removes it.
func (s *Service) account(req *httpd.Request, res *httpd.Response, username string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch req.Method {
	case httpd.MethodDelete:
		if req.Session != nil && req.Session.Username == username {
			writeError(res, http.StatusBadRequest, redfish.MsgGeneralError, "Cannot delete the account of the current session")
			return
		}
		if err := s.dir.DeleteUser(ctx, username); err != nil {
			if errors.Is(err, userdir.ErrUnknownUser) {
				writeError(res, http.StatusNotFound, redfish.MsgResourceNotFound, "Account not found")
				return
			}
			slog.Error("account deletion failed", "user", username, "error", err)
			writeError(res, http.StatusInternalServerError, redfish.MsgInternalError, "Failed to delete account")
			return
		}
		res.Status = http.StatusNoContent
		res.End()
	default:
		user, err := s.dir.GetUserByUsername(ctx, username)
		if err != nil {
			slog.Error("account lookup failed", "user", username, "error", err)
			writeError(res, http.StatusInternalServerError, redfish.MsgInternalError, "Failed to fetch account")
			return
		}
		if user == nil {
			writeError(res, http.StatusNotFound, redfish.MsgResourceNotFound, "Account not found")
			return
		}
		res.JSON(accountResource(user))
		res.End()
	}
}

func accountResource(u *models.User) redfish.ManagerAccount {
	return redfish.ManagerAccount{
		ODataID:   "/redfish/v1/AccountService/Accounts/" + u.Username,
		ODataType: "#ManagerAccount.v1_4_0.ManagerAccount",
		ID:        u.Username,
		Name:      "User Account",
		UserName:  u.Username,
		RoleID:    u.Role,
		Enabled:   u.Enabled,
	}
}
