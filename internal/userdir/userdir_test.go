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

package userdir

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"reef/pkg/models"
)

func setupDirectory(t *testing.T) *Directory {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	dir, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = dir.Close() })

	if err := dir.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return dir
}

func TestSeedDefaultAdmin(t *testing.T) {
	dir := setupDirectory(t)
	ctx := context.Background()

	if err := dir.SeedDefaultAdmin(ctx, "changeme"); err != nil {
		t.Fatalf("SeedDefaultAdmin failed: %v", err)
	}

	user, err := dir.GetUserByUsername(ctx, "admin")
	if err != nil {
		t.Fatalf("GetUserByUsername failed: %v", err)
	}
	if user == nil {
		t.Fatal("admin user not created")
	}
	if user.Role != models.RoleAdministrator {
		t.Errorf("role = %q, want Administrator", user.Role)
	}

	// Seeding again is a no-op once users exist.
	if err := dir.SeedDefaultAdmin(ctx, "other"); err != nil {
		t.Fatalf("second SeedDefaultAdmin failed: %v", err)
	}
	count, err := dir.CountUsers(ctx)
	if err != nil {
		t.Fatalf("CountUsers failed: %v", err)
	}
	if count != 1 {
		t.Errorf("user count = %d, want 1", count)
	}
}

func TestAuthenticate(t *testing.T) {
	dir := setupDirectory(t)
	ctx := context.Background()

	hash, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	user := &models.User{
		ID:           "u1",
		Username:     "operator1",
		PasswordHash: hash,
		Role:         models.RoleOperator,
		Enabled:      true,
	}
	if err := dir.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	got, err := dir.Authenticate(ctx, "operator1", "secret")
	if err != nil {
		t.Fatalf("Authenticate failed for valid credentials: %v", err)
	}
	if got.Username != "operator1" {
		t.Errorf("username = %q, want operator1", got.Username)
	}

	if _, err := dir.Authenticate(ctx, "operator1", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := dir.Authenticate(ctx, "ghost", "secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user error = %v, want ErrInvalidCredentials", err)
	}
}

func TestDisabledUserRejected(t *testing.T) {
	dir := setupDirectory(t)
	ctx := context.Background()

	hash, _ := HashPassword("secret")
	user := &models.User{
		ID:           "u2",
		Username:     "disabled1",
		PasswordHash: hash,
		Role:         models.RoleReadOnly,
		Enabled:      false,
	}
	if err := dir.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	if _, err := dir.Authenticate(ctx, "disabled1", "secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("disabled user error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := dir.RoleFor("disabled1"); err == nil {
		t.Error("RoleFor resolved a disabled user")
	}
}

func TestRoleFor(t *testing.T) {
	dir := setupDirectory(t)
	ctx := context.Background()

	if err := dir.SeedDefaultAdmin(ctx, "pw"); err != nil {
		t.Fatalf("SeedDefaultAdmin failed: %v", err)
	}

	role, err := dir.RoleFor("admin")
	if err != nil {
		t.Fatalf("RoleFor failed: %v", err)
	}
	if role != models.RoleAdministrator {
		t.Errorf("role = %q, want Administrator", role)
	}

	if _, err := dir.RoleFor("missing"); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("missing user error = %v, want ErrUnknownUser", err)
	}
}

func TestDeleteUser(t *testing.T) {
	dir := setupDirectory(t)
	ctx := context.Background()

	hash, _ := HashPassword("pw")
	if err := dir.CreateUser(ctx, &models.User{
		ID: "u3", Username: "temp", PasswordHash: hash,
		Role: models.RoleReadOnly, Enabled: true,
	}); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	if err := dir.DeleteUser(ctx, "temp"); err != nil {
		t.Fatalf("DeleteUser failed: %v", err)
	}
	if err := dir.DeleteUser(ctx, "temp"); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("double delete error = %v, want ErrUnknownUser", err)
	}
}

func TestListUsersOrdered(t *testing.T) {
	dir := setupDirectory(t)
	ctx := context.Background()

	hash, _ := HashPassword("pw")
	for _, name := range []string{"zeta", "alpha"} {
		if err := dir.CreateUser(ctx, &models.User{
			ID: name, Username: name, PasswordHash: hash,
			Role: models.RoleReadOnly, Enabled: true,
		}); err != nil {
			t.Fatalf("CreateUser(%s) failed: %v", name, err)
		}
	}

	users, err := dir.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers failed: %v", err)
	}
	if len(users) != 2 || users[0].Username != "alpha" || users[1].Username != "zeta" {
		t.Errorf("unexpected listing: %+v", users)
	}
}
