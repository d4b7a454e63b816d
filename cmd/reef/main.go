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

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"reef/internal/api"
	"reef/internal/config"
	"reef/internal/logging"
	"reef/internal/router"
	"reef/internal/server"
	"reef/internal/session"
	"reef/internal/userdir"
)

func main() {
	var (
		bind     = flag.String("bind", "", "Listen address (host:port)")
		dbPath   = flag.String("db", "", "SQLite user directory path")
		certFile = flag.String("tls-cert", "", "TLS certificate chain (PEM)")
		keyFile  = flag.String("tls-key", "", "TLS private key (PEM)")
		clientCA = flag.String("client-ca", "", "Client CA bundle enabling mTLS sessions (PEM)")
		logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger := logging.New(*logLevel)
	slog.SetDefault(logger)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	if *bind != "" {
		cfg.BindAddress = *bind
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}
	if *certFile != "" {
		cfg.CertFile = *certFile
	}
	if *keyFile != "" {
		cfg.KeyFile = *keyFile
	}
	if *clientCA != "" {
		cfg.ClientCAFile = *clientCA
	}

	ctx := context.Background()

	dir, err := userdir.Open(cfg.DatabasePath)
	if err != nil {
		slog.Error("Failed to open user directory", "error", err)
		os.Exit(1)
	}
	defer func() { _ = dir.Close() }()

	if err := dir.Migrate(ctx); err != nil {
		slog.Error("Failed to migrate user directory", "error", err)
		os.Exit(1)
	}

	adminPassword := os.Getenv("REEF_ADMIN_PASSWORD")
	if adminPassword == "" {
		adminPassword = "admin"
	}
	if err := dir.SeedDefaultAdmin(ctx, adminPassword); err != nil {
		slog.Error("Failed to seed default admin user", "error", err)
		os.Exit(1)
	}
	if adminPassword == "admin" {
		slog.Warn("Using default admin password. Please change it immediately!")
	}

	store := session.NewStore(dir, cfg.SessionIdleLimit)

	rt := router.New()
	api.Register(rt, store, dir)
	api.RegisterConsole(rt)

	srv, err := server.New(cfg, rt, store, dir)
	if err != nil {
		slog.Error("Failed to initialize server", "error", err)
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting Redfish server", "address", cfg.BindAddress)
	if err := srv.Run(runCtx); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("Server exited")
}
