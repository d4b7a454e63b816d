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
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"

	"reef/internal/session"
)

// loadTLSConfig builds the base TLS config from the configured
// certificate chain. A client-CA file additionally requests (but never
// requires) a client certificate, so certificate auth can coexist with
// the other intake forms.
func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// loadClientCAs reads the trust store that enables mutual-TLS sessions.
func loadClientCAs(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// verifyAndStage returns the per-connection certificate hook. The
// handshake is always allowed to complete so the fallback auth forms
// keep working; a session is staged only when the leaf fully validates.
func verifyAndStage(cas *x509.CertPool, store *session.Store, clientIP string, stage func(*session.Session)) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return nil
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			slog.Debug("unparseable client certificate", "error", err)
			return nil
		}

		intermediates := x509.NewCertPool()
		for _, raw := range rawCerts[1:] {
			if c, err := x509.ParseCertificate(raw); err == nil {
				intermediates.AddCert(c)
			}
		}
		if _, err := leaf.Verify(x509.VerifyOptions{
			Roots:         cas,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		}); err != nil {
			slog.Debug("client certificate failed verification", "error", err)
			return nil
		}

		// The leaf must be cut for client authentication specifically.
		const wantUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyAgreement
		if leaf.KeyUsage&wantUsage != wantUsage {
			slog.Debug("client certificate lacks required key usage")
			return nil
		}
		hasClientEKU := false
		for _, eku := range leaf.ExtKeyUsage {
			if eku == x509.ExtKeyUsageClientAuth {
				hasClientEKU = true
				break
			}
		}
		if !hasClientEKU {
			slog.Debug("client certificate lacks client-auth EKU")
			return nil
		}

		cn := leaf.Subject.CommonName
		if cn == "" {
			return nil
		}
		sess, err := store.Generate(cn, session.PersistTimeout, clientIP)
		if err != nil {
			slog.Debug("mTLS session rejected", "user", cn, "error", err)
			return nil
		}
		slog.Debug("mTLS session staged", "user", cn)
		stage(sess)
		return nil
	}
}
