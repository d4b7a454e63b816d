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

// Package redfish holds the wire shapes of the Redfish resources the
// built-in routes serve.
package redfish

// ODataIDRef is a reference to another resource.
type ODataIDRef struct {
	ODataID string `json:"@odata.id"`
}

// ServiceRoot is the document at /redfish/v1/.
type ServiceRoot struct {
	ODataID        string           `json:"@odata.id"`
	ODataType      string           `json:"@odata.type"`
	ID             string           `json:"Id"`
	Name           string           `json:"Name"`
	RedfishVersion string           `json:"RedfishVersion"`
	UUID           string           `json:"UUID"`
	Managers       ODataIDRef       `json:"Managers"`
	SessionService ODataIDRef       `json:"SessionService"`
	AccountService ODataIDRef       `json:"AccountService"`
	Links          ServiceRootLinks `json:"Links"`
}

// ServiceRootLinks contains the links block of the service root.
type ServiceRootLinks struct {
	Sessions ODataIDRef `json:"Sessions"`
}

// Collection is a generic member collection.
type Collection struct {
	ODataID      string       `json:"@odata.id"`
	ODataType    string       `json:"@odata.type"`
	Name         string       `json:"Name"`
	Members      []ODataIDRef `json:"Members"`
	MembersCount int          `json:"Members@odata.count"`
}

// Session is one login session resource.
type Session struct {
	ODataID   string `json:"@odata.id"`
	ODataType string `json:"@odata.type"`
	ID        string `json:"Id"`
	Name      string `json:"Name"`
	UserName  string `json:"UserName"`
	ClientIP  string `json:"ClientOriginIPAddress,omitempty"`
}

// SessionService is the session service root resource.
type SessionService struct {
	ODataID        string     `json:"@odata.id"`
	ODataType      string     `json:"@odata.type"`
	ID             string     `json:"Id"`
	Name           string     `json:"Name"`
	Description    string     `json:"Description"`
	ServiceEnabled bool       `json:"ServiceEnabled"`
	SessionTimeout int        `json:"SessionTimeout"`
	Sessions       ODataIDRef `json:"Sessions"`
}

// AccountService is the account service root resource.
type AccountService struct {
	ODataID        string     `json:"@odata.id"`
	ODataType      string     `json:"@odata.type"`
	ID             string     `json:"Id"`
	Name           string     `json:"Name"`
	ServiceEnabled bool       `json:"ServiceEnabled"`
	Accounts       ODataIDRef `json:"Accounts"`
}

// ManagerAccount is one user account resource.
type ManagerAccount struct {
	ODataID   string `json:"@odata.id"`
	ODataType string `json:"@odata.type"`
	ID        string `json:"Id"`
	Name      string `json:"Name"`
	UserName  string `json:"UserName"`
	RoleID    string `json:"RoleId"`
	Enabled   bool   `json:"Enabled"`
}

// Manager is the BMC manager resource skeleton.
type Manager struct {
	ODataID     string `json:"@odata.id"`
	ODataType   string `json:"@odata.type"`
	ID          string `json:"Id"`
	Name        string `json:"Name"`
	ManagerType string `json:"ManagerType"`
	UUID        string `json:"UUID"`
}
