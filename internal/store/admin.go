package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keyforge/keyforge/internal/model"
)

const adminColumns = `id, username, password_hash, name, is_active, last_login_at, created_at, updated_at`

// CreateAdmin inserts a new admin user. A duplicate username returns
// ErrConflict.
func (s *Store) CreateAdmin(ctx context.Context, admin *model.Admin) error {
	now := time.Now().UTC()
	admin.CreatedAt = now
	admin.UpdatedAt = now

	const q = `INSERT INTO admins (username, password_hash, name, is_active, created_at, updated_at)
		VALUES (:username, :password_hash, :name, :is_active, :created_at, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, q, admin); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("username %q: %w", admin.Username, ErrConflict)
		}
		return fmt.Errorf("insert admin: %w", err)
	}

	if err := s.db.GetContext(ctx, admin, s.rebind(
		`SELECT `+adminColumns+` FROM admins WHERE username = ?`), admin.Username); err != nil {
		return fmt.Errorf("read created admin: %w", err)
	}
	return nil
}

// GetAdminByUsername returns an admin by username.
func (s *Store) GetAdminByUsername(ctx context.Context, username string) (*model.Admin, error) {
	var admin model.Admin
	err := s.db.GetContext(ctx, &admin, s.rebind(
		`SELECT `+adminColumns+` FROM admins WHERE username = ?`), username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get admin: %w", err)
	}
	return &admin, nil
}

// ListAdmins returns all admin users.
func (s *Store) ListAdmins(ctx context.Context) ([]model.Admin, error) {
	var admins []model.Admin
	err := s.db.SelectContext(ctx, &admins,
		`SELECT `+adminColumns+` FROM admins ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	return admins, nil
}

// UpdateAdminPassword replaces an admin's password hash.
func (s *Store) UpdateAdminPassword(ctx context.Context, username, passwordHash string) error {
	result, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE admins SET password_hash = ?, updated_at = ? WHERE username = ?`),
		passwordHash, time.Now().UTC(), username)
	if err != nil {
		return fmt.Errorf("update admin password: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAdminLogin records a successful login.
func (s *Store) TouchAdminLogin(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE admins SET last_login_at = ? WHERE id = ?`), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch admin login: %w", err)
	}
	return nil
}

// SetAdminActive enables or disables an admin account.
func (s *Store) SetAdminActive(ctx context.Context, username string, active bool) error {
	result, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE admins SET is_active = ?, updated_at = ? WHERE username = ?`),
		active, time.Now().UTC(), username)
	if err != nil {
		return fmt.Errorf("update admin: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAdmin removes an admin account.
func (s *Store) DeleteAdmin(ctx context.Context, username string) error {
	result, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM admins WHERE username = ?`), username)
	if err != nil {
		return fmt.Errorf("delete admin: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountAdmins returns the number of admin accounts, used by serve startup to
// decide whether to bootstrap a default admin.
func (s *Store) CountAdmins(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM admins`); err != nil {
		return 0, fmt.Errorf("count admins: %w", err)
	}
	return n, nil
}
