package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// PostgresUserDirectory serves the user list from a users table.
type PostgresUserDirectory struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewPostgresUserDirectory(db *sqlx.DB) *PostgresUserDirectory {
	return &PostgresUserDirectory{db: db, now: time.Now}
}

func (d *PostgresUserDirectory) Create(ctx context.Context, u *User) error {
	const query = `INSERT INTO users (id, name, email, phone, role, password_hash, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := d.now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if _, err := d.db.ExecContext(ctx, query, u.ID, u.Name, u.Email, u.Phone, u.Role, u.PasswordHash, u.CreatedAt, u.UpdatedAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrUserExists
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (d *PostgresUserDirectory) FindByEmail(ctx context.Context, email string) (*User, error) {
	const query = `SELECT id, name, email, phone, role, password_hash, created_at, updated_at FROM users WHERE lower(email) = lower($1) LIMIT 1`
	var u User
	if err := d.db.GetContext(ctx, &u, query, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("find user by email: %w", err)
	}
	return &u, nil
}

func (d *PostgresUserDirectory) FindByID(ctx context.Context, id string) (*User, error) {
	const query = `SELECT id, name, email, phone, role, password_hash, created_at, updated_at FROM users WHERE id = $1 LIMIT 1`
	var u User
	if err := d.db.GetContext(ctx, &u, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	return &u, nil
}

func (d *PostgresUserDirectory) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	const query = `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`
	res, err := d.db.ExecContext(ctx, query, id, passwordHash, d.now().UTC())
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}
