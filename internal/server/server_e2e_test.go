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

package server_test

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"reef/internal/api"
	"reef/internal/config"
	"reef/internal/router"
	"reef/internal/server"
	"reef/internal/session"
	"reef/internal/userdir"
	"reef/pkg/models"
)

// writeCertFiles cuts a throwaway loopback certificate onto disk.
func writeCertFiles(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "bmc.test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling key: %v", err)
	}

	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.crt")
	keyPath := filepath.Join(dir, "server.key")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		t.Fatalf("writing certificate: %v", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("writing key: %v", err)
	}
	return certPath, keyPath
}

// startServer boots a full stack on a loopback port: sqlite user
// directory with an admin and a viewer, the built-in routes, TLS.
func startServer(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()

	dir, err := userdir.Open(filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("opening user directory: %v", err)
	}
	t.Cleanup(func() { _ = dir.Close() })

	ctx := context.Background()
	if err := dir.Migrate(ctx); err != nil {
		t.Fatalf("migrating user directory: %v", err)
	}
	if err := dir.SeedDefaultAdmin(ctx, "admin"); err != nil {
		t.Fatalf("seeding admin: %v", err)
	}
	hash, err := userdir.HashPassword("viewpass")
	if err != nil {
		t.Fatalf("hashing viewer password: %v", err)
	}
	if err := dir.CreateUser(ctx, &models.User{
		ID: uuid.New().String(), Username: "viewer", PasswordHash: hash,
		Role: models.RoleReadOnly, Enabled: true,
	}); err != nil {
		t.Fatalf("creating viewer: %v", err)
	}

	store := session.NewStore(dir, time.Hour)
	rt := router.New()
	api.Register(rt, store, dir)
	api.RegisterConsole(rt)

	cfg := config.Default()
	cfg.BindAddress = "127.0.0.1:0"
	cfg.Workers = 2
	cfg.CertFile, cfg.KeyFile = writeCertFiles(t)
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := server.New(cfg, rt, store, dir)
	if err != nil {
		t.Fatalf("initializing server: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Run(runCtx); err != nil {
			t.Errorf("server run failed: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv.Addr().String()
}

func tlsDial(t *testing.T, addr string) *tls.Conn {
	t.Helper()
	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, br *bufio.Reader, raw string) *http.Response {
	t.Helper()
	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatalf("writing request: %v", err)
	}
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// Plain HTTP with redirect mode on answers 301 to the TLS origin and
// hangs up.
func TestPlainHTTPRedirect(t *testing.T) {
	addr := startServer(t, nil)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	br := bufio.NewReader(conn)
	resp := roundTrip(t, conn, br, "GET / HTTP/1.1\r\nHost: bmc.local\r\n\r\n")

	if resp.StatusCode != http.StatusMovedPermanently {
		t.Errorf("status = %d, want 301", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "https://bmc.local/" {
		t.Errorf("Location = %q, want https://bmc.local/", loc)
	}
	if c := resp.Header.Get("Connection"); c != "close" {
		t.Errorf("Connection = %q, want close", c)
	}

	// The server hangs up after the redirect.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := br.ReadByte(); err != io.EOF {
		t.Errorf("connection still open after redirect: %v", err)
	}
}

// With redirect mode off, plain HTTP is served but never kept alive.
func TestPlainHTTPServedWithoutKeepAlive(t *testing.T) {
	addr := startServer(t, func(cfg *config.Config) { cfg.RedirectHTTP = false })

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	br := bufio.NewReader(conn)
	resp := roundTrip(t, conn, br, "GET /redfish/ HTTP/1.1\r\nHost: bmc.local\r\n\r\n")

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if c := resp.Header.Get("Connection"); c != "close" {
		t.Errorf("Connection = %q, want close", c)
	}
	var doc map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if doc["v1"] != "/redfish/v1/" {
		t.Errorf("version document = %v", doc)
	}
}

// A handler-level 404 does not poison the keep-alive connection, and
// every response advertises the server identity headers.
func TestTLSKeepAliveAcross404(t *testing.T) {
	addr := startServer(t, nil)
	conn := tlsDial(t, addr)
	br := bufio.NewReader(conn)

	resp := roundTrip(t, conn, br, "GET /redfish/v1/Unknown HTTP/1.1\r\nHost: bmc.local\r\n\r\n")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("first status = %d, want 404", resp.StatusCode)
	}
	if resp.Header.Get("Server") != "reef" {
		t.Errorf("Server header = %q", resp.Header.Get("Server"))
	}
	if resp.Header.Get("Date") == "" {
		t.Error("Date header missing")
	}
	if c := resp.Header.Get("Connection"); c != "keep-alive" {
		t.Errorf("Connection = %q, want keep-alive", c)
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		t.Fatalf("draining body: %v", err)
	}

	resp = roundTrip(t, conn, br, "GET /redfish/ HTTP/1.1\r\nHost: bmc.local\r\n\r\n")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("second status = %d, want 200", resp.StatusCode)
	}
}

func login(t *testing.T, conn net.Conn, br *bufio.Reader, username, password string) (*http.Response, string) {
	t.Helper()
	body := fmt.Sprintf(`{"UserName":%q,"Password":%q}`, username, password)
	raw := fmt.Sprintf("POST /redfish/v1/SessionService/Sessions/ HTTP/1.1\r\nHost: bmc.local\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
	resp := roundTrip(t, conn, br, raw)
	return resp, resp.Header.Get("X-Auth-Token")
}

// POST to the session collection issues a token usable on the same
// keep-alive connection.
func TestSessionLoginFlow(t *testing.T) {
	addr := startServer(t, nil)
	conn := tlsDial(t, addr)
	br := bufio.NewReader(conn)

	resp, token := login(t, conn, br, "admin", "admin")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("login status = %d, want 201", resp.StatusCode)
	}
	if len(token) != 30 {
		t.Errorf("token length = %d, want 30", len(token))
	}
	if loc := resp.Header.Get("Location"); loc == "" {
		t.Error("Location header missing from login response")
	}
	var sessionDoc struct {
		UserName string `json:"UserName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sessionDoc); err != nil {
		t.Fatalf("decoding session body: %v", err)
	}
	if sessionDoc.UserName != "admin" {
		t.Errorf("session UserName = %q", sessionDoc.UserName)
	}

	raw := fmt.Sprintf("GET /redfish/v1/SessionService HTTP/1.1\r\nHost: bmc.local\r\nX-Auth-Token: %s\r\n\r\n", token)
	resp = roundTrip(t, conn, br, raw)
	if resp.StatusCode != http.StatusMovedPermanently {
		t.Fatalf("slashless status = %d, want 301", resp.StatusCode)
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		t.Fatalf("draining body: %v", err)
	}

	raw = fmt.Sprintf("GET /redfish/v1/SessionService/ HTTP/1.1\r\nHost: bmc.local\r\nX-Auth-Token: %s\r\n\r\n", token)
	resp = roundTrip(t, conn, br, raw)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}

	if resp.Header.Get("OData-Version") != "4.0" {
		t.Errorf("OData-Version = %q", resp.Header.Get("OData-Version"))
	}
}

func TestBadCredentialsRejected(t *testing.T) {
	addr := startServer(t, nil)
	conn := tlsDial(t, addr)
	br := bufio.NewReader(conn)

	resp, _ := login(t, conn, br, "admin", "wrong")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

// A ReadOnly principal lacks ConfigureUsers, so account creation is
// refused before the handler runs.
func TestAccountCreationPrivileges(t *testing.T) {
	addr := startServer(t, nil)

	post := func(user, pass, payload string) *http.Response {
		conn := tlsDial(t, addr)
		br := bufio.NewReader(conn)
		raw := fmt.Sprintf("POST /redfish/v1/AccountService/Accounts/ HTTP/1.1\r\nHost: bmc.local\r\nAuthorization: Basic %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n%s",
			basicAuth(user, pass), len(payload), payload)
		return roundTrip(t, conn, br, raw)
	}

	payload := `{"UserName":"probe1","Password":"probe1pass","RoleId":"ReadOnly"}`
	if resp := post("viewer", "viewpass", payload); resp.StatusCode != http.StatusForbidden {
		t.Errorf("viewer create status = %d, want 403", resp.StatusCode)
	}
	if resp := post("admin", "admin", payload); resp.StatusCode != http.StatusCreated {
		t.Errorf("admin create status = %d, want 201", resp.StatusCode)
	}
}

func basicAuth(user, pass string) string {
	req, _ := http.NewRequest(http.MethodGet, "http://x/", nil)
	req.SetBasicAuth(user, pass)
	return req.Header.Get("Authorization")[len("Basic "):]
}

// An anonymous request declaring an oversize body is dropped without a
// response.
func TestAnonymousOversizeBodyDropped(t *testing.T) {
	addr := startServer(t, nil)
	conn := tlsDial(t, addr)

	body := bytes.Repeat([]byte("a"), 5000)
	raw := fmt.Sprintf("POST /redfish/v1/SessionService/Sessions/ HTTP/1.1\r\nHost: bmc.local\r\nContent-Length: %d\r\n\r\n", len(body))
	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatalf("writing headers: %v", err)
	}
	_, _ = conn.Write(body)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("server wrote a response to an oversize anonymous body")
	}
}

func TestMissingHostRejected(t *testing.T) {
	addr := startServer(t, nil)
	conn := tlsDial(t, addr)
	br := bufio.NewReader(conn)

	resp := roundTrip(t, conn, br, "GET /redfish/ HTTP/1.1\r\n\r\n")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func wsDialer() *websocket.Dialer {
	return &websocket.Dialer{
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
		HandshakeTimeout: 5 * time.Second,
	}
}

// The console upgrade requires a session and speaks RFC 6455 once
// established.
func TestWebSocketConsole(t *testing.T) {
	addr := startServer(t, nil)

	conn := tlsDial(t, addr)
	br := bufio.NewReader(conn)
	resp, token := login(t, conn, br, "admin", "admin")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("login status = %d", resp.StatusCode)
	}

	header := http.Header{"X-Auth-Token": []string{token}}
	ws, wsResp, err := wsDialer().Dial("wss://"+addr+"/console0", header)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %+v)", err, wsResp)
	}
	defer func() { _ = ws.Close() }()

	_, banner, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("reading banner: %v", err)
	}
	if string(banner) != "reef console ready\r\n" {
		t.Errorf("banner = %q", banner)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("uptime")); err != nil {
		t.Fatalf("writing message: %v", err)
	}
	_, echo, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("reading echo: %v", err)
	}
	if string(echo) != "uptime" {
		t.Errorf("echo = %q, want uptime", echo)
	}
}

func TestWebSocketRequiresSession(t *testing.T) {
	addr := startServer(t, nil)

	_, resp, err := wsDialer().Dial("wss://"+addr+"/console0", nil)
	if err == nil {
		t.Fatal("anonymous websocket upgrade succeeded")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("refusal status = %d, want 403", resp.StatusCode)
	}
}
