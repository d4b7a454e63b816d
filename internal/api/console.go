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
	"log/slog"

	"github.com/gorilla/websocket"

	"reef/internal/httpd"
	"reef/internal/privilege"
	"reef/internal/router"
	"reef/internal/server"
)

// RegisterConsole wires the host-console WebSocket endpoint. It is
// registered separately from the HTTP resources because it pulls in the
// server package's upgrade machinery.
func RegisterConsole(rt *router.Router) {
	rt.Route("/console0").
		Privileges(privilege.Union(privilege.Login)).
		Name("HostConsole").
		WebSocket(server.WebSocket(consoleSession))
}

// consoleSession drives one console attachment. Until the UART relay
// lands this echoes input back, which is enough for clients to probe
// connectivity.
func consoleSession(req *httpd.Request, ws *websocket.Conn) {
	user := "unknown"
	if req.Session != nil {
		user = req.Session.Username
	}
	slog.Info("console session opened", "user", user)
	defer slog.Info("console session closed", "user", user)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("reef console ready\r\n")); err != nil {
		return
	}
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if err := ws.WriteMessage(messageType, data); err != nil {
			return
		}
	}
}
