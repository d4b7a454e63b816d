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

// Package userdir is the sqlite-backed account directory consulted by
// session generation and credential checks.
package userdir

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"reef/pkg/models"

	_ "modernc.org/sqlite"
)

// bcryptCost matches the cost the directory has always hashed with.
const bcryptCost = 12

var (
	// ErrInvalidCredentials covers unknown users, wrong passwords and
	// disabled accounts alike, so callers cannot distinguish them.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnknownUser is returned by role lookups for absent accounts.
	ErrUnknownUser = errors.New("unknown user")
)

// Directory wraps the sqlite connection holding the account table.
type Directory struct {
	conn *sql.DB
}

// Open opens (and creates if needed) the directory database.
func Open(path string) (*Directory, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening user directory: %w", err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("pinging user directory: %w", err)
	}
	return &Directory{conn: conn}, nil
}

// Close closes the underlying database.
func (d *Directory) Close() error {
	return d.conn.Close()
}

// Migrate creates the schema.
func (d *Directory) Migrate(ctx context.Context) error {
	slog.Info("Running user directory migrations")
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_username ON users(username)`,
	}
	for _, m := range migrations {
		if _, err := d.conn.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
	}
	return nil
}

// CreateUser inserts a new account.
func (d *Directory) CreateUser(ctx context.Context, u *models.User) error {
	now := time.Now()
	u.CreatedAt = now
	u.UpdatedAt = now
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, role, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash, u.Role, u.Enabled, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating user %q: %w", u.Username, err)
	}
	return nil
}

// DeleteUser removes an account by username.
func (d *Directory) DeleteUser(ctx context.Context, username string) error {
	res, err := d.conn.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("deleting user %q: %w", username, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownUser
	}
	return nil
}

// GetUserByUsername fetches one account, or nil if absent.
func (d *Directory) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, enabled, created_at, updated_at
		 FROM users WHERE username = ?`, username)
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.Enabled, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching user %q: %w", username, err)
	}
	return &u, nil
}

// ListUsers enumerates all accounts ordered by username.
func (d *Directory) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, username, password_hash, role, enabled, created_at, updated_at
		 FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.Enabled, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// CountUsers returns the number of accounts.
func (d *Directory) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

// Authenticate verifies a username/password pair against the directory.
func (d *Directory) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	user, err := d.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.Enabled {
		return nil, ErrInvalidCredentials
	}
	if err := VerifyPassword(password, user.PasswordHash); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// RoleFor resolves a username to its role. It satisfies the session
// store's Directory interface.
func (d *Directory) RoleFor(username string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	user, err := d.GetUserByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	if user == nil || !user.Enabled {
		return "", fmt.Errorf("%w: %q", ErrUnknownUser, username)
	}
	return user.Role, nil
}

// SeedDefaultAdmin creates the default Administrator account when the
// directory is empty.
func (d *Directory) SeedDefaultAdmin(ctx context.Context, password string) error {
	count, err := d.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("counting users: %w", err)
	}
	if count > 0 {
		return nil
	}

	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing default admin password: %w", err)
	}

	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return fmt.Errorf("generating user id: %w", err)
	}

	admin := &models.User{
		ID:           hex.EncodeToString(idBytes),
		Username:     "admin",
		PasswordHash: hash,
		Role:         models.RoleAdministrator,
		Enabled:      true,
	}
	if err := d.CreateUser(ctx, admin); err != nil {
		return err
	}
	slog.Info("Created default admin user", "username", admin.Username)
	return nil
}

// HashPassword hashes a plaintext password with bcrypt.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hashed), nil
}

// VerifyPassword checks a plaintext password against a bcrypt hash.
func VerifyPassword(password, hash string) error {
	if password == "" || hash == "" {
		return fmt.Errorf("password and hash cannot be empty")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return fmt.Errorf("invalid password")
		}
		return fmt.Errorf("verifying password: %w", err)
	}
	return nil
}
