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

package redfish

import "net/http"

// Message registry ids the server emits.
const (
	MsgGeneralError          = "Base.1.0.GeneralError"
	MsgResourceNotFound      = "Base.1.0.ResourceNotFound"
	MsgUnauthorized          = "Base.1.0.Unauthorized"
	MsgInternalError         = "Base.1.0.InternalError"
	MsgInsufficientPrivilege = "Base.1.0.InsufficientPrivilege"
	MsgMalformedJSON         = "Base.1.0.MalformedJSON"
	MsgPropertyMissing       = "Base.1.0.PropertyMissing"
	MsgResourceExists        = "Base.1.0.ResourceAlreadyExists"
)

var validMessageIDs = map[string]struct{}{
	MsgGeneralError:          {},
	MsgResourceNotFound:      {},
	MsgUnauthorized:          {},
	MsgInternalError:         {},
	MsgInsufficientPrivilege: {},
	MsgMalformedJSON:         {},
	MsgPropertyMissing:       {},
	MsgResourceExists:        {},
}

// ErrorBody builds a Redfish error payload with ExtendedInfo for the
// given registry code and human message.
func ErrorBody(status int, code, message string) map[string]any {
	messageID := MsgGeneralError
	if _, ok := validMessageIDs[code]; ok {
		messageID = code
	}
	return map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"@Message.ExtendedInfo": []map[string]any{
				{
					"@odata.type": "#Message.v1_1_0.Message",
					"MessageId":   messageID,
					"Message":     message,
					"Severity":    severityForStatus(status),
					"Resolution":  resolutionFor(messageID),
				},
			},
		},
	}
}

func severityForStatus(status int) string {
	switch {
	case status >= 500:
		return "Critical"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "Critical"
	case status >= 400:
		return "Warning"
	default:
		return "OK"
	}
}

func resolutionFor(messageID string) string {
	switch messageID {
	case MsgUnauthorized:
		return "Provide valid credentials and resubmit the request."
	case MsgResourceNotFound:
		return "Provide a valid resource identifier and resubmit the request."
	case MsgInsufficientPrivilege:
		return "Either abandon the operation or change the associated access rights and resubmit the request."
	case MsgMalformedJSON:
		return "Ensure that the request body is valid JSON and resubmit the request."
	case MsgPropertyMissing:
		return "Ensure that the property is in the request body and has a valid value and resubmit the request."
	case MsgResourceExists:
		return "Do not repeat the create operation as the resource has already been created."
	default:
		return "None."
	}
}
