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

// Package config holds the server configuration. Values are read once
// at startup and are read-only afterwards.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Config is the process configuration.
type Config struct {
	// BindAddress is the listen address, host:port.
	BindAddress string

	// Workers is the number of worker shards. Zero picks NumCPU.
	Workers int

	// ServerName is advertised in the Server header.
	ServerName string

	// CertFile and KeyFile hold the served certificate chain. Both
	// empty disables TLS entirely.
	CertFile string
	KeyFile  string

	// ClientCAFile enables mutual-TLS session staging when set.
	ClientCAFile string

	// RedirectHTTP answers plain-HTTP GET/HEAD with a 301 to https.
	RedirectHTTP bool

	// SessionIdleLimit is how long a TIMEOUT session may sit unused.
	SessionIdleLimit time.Duration

	// DatabasePath is the sqlite user directory path.
	DatabasePath string
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		BindAddress:      ":8443",
		Workers:          runtime.NumCPU(),
		ServerName:       "reef",
		RedirectHTTP:     true,
		SessionIdleLimit: 60 * time.Minute,
		DatabasePath:     "reef.db",
	}
}

// LoadFromEnv layers environment overrides onto the default config.
func LoadFromEnv() (Config, error) {
	cfg := Default()

	if v := os.Getenv("REEF_BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("REEF_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("invalid REEF_WORKERS value %q", v)
		}
		cfg.Workers = n
	}
	if v := os.Getenv("REEF_SERVER_NAME"); v != "" {
		cfg.ServerName = v
	}
	if v := os.Getenv("REEF_TLS_CERT"); v != "" {
		cfg.CertFile = v
	}
	if v := os.Getenv("REEF_TLS_KEY"); v != "" {
		cfg.KeyFile = v
	}
	if v := os.Getenv("REEF_CLIENT_CA"); v != "" {
		cfg.ClientCAFile = v
	}
	if v := os.Getenv("REEF_REDIRECT_HTTP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid REEF_REDIRECT_HTTP value: %w", err)
		}
		cfg.RedirectHTTP = b
	}
	if v := os.Getenv("REEF_SESSION_IDLE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid REEF_SESSION_IDLE value: %w", err)
		}
		if d < time.Minute {
			return cfg, fmt.Errorf("REEF_SESSION_IDLE must be at least 1 minute")
		}
		cfg.SessionIdleLimit = d
	}
	if v := os.Getenv("REEF_DB"); v != "" {
		cfg.DatabasePath = v
	}

	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.BindAddress == "" {
		return fmt.Errorf("bind address must not be empty")
	}
	if c.Workers < 1 {
		c.Workers = runtime.NumCPU()
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("certificate and key must be configured together")
	}
	return nil
}

// TLSEnabled reports whether a certificate chain is configured.
func (c *Config) TLSEnabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}
