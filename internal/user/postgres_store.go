package user

import (
	"context"
	"database/sql"
)

// PostgresStore persists users in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed user store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, is_admin, created_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			is_admin = EXCLUDED.is_admin,
			last_seen_at = EXCLUDED.last_seen_at`,
		u.ID, u.DisplayName, u.Admin, u.CreatedAt, u.LastSeenAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*User, error) {
	u := &User{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, display_name, is_admin, created_at, last_seen_at
		FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.DisplayName, &u.Admin, &u.CreatedAt, &u.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*User, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, display_name, is_admin, created_at, last_seen_at
		FROM users
		ORDER BY last_seen_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*User
	for rows.Next() {
		u := &User{}
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Admin, &u.CreatedAt, &u.LastSeenAt); err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

var _ Store = (*PostgresStore)(nil)
