package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"riskwatch/pkg/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            BIGSERIAL PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	email         TEXT NOT NULL DEFAULT '',
	first_name    TEXT NOT NULL DEFAULT '',
	last_name     TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	is_staff      BOOLEAN NOT NULL DEFAULT FALSE,
	is_superuser  BOOLEAN NOT NULL DEFAULT FALSE,
	is_active     BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS user_groups (
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name    TEXT NOT NULL,
	PRIMARY KEY (user_id, name)
);`

// PostgresRepo stores accounts in users/user_groups via database/sql (pgx driver).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) (*PostgresRepo, error) {
	if db == nil {
		return nil, errors.New("users: db is nil")
	}
	return &PostgresRepo{db: db}, nil
}

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("users schema: %w", err)
	}
	return nil
}

const selectUser = `
SELECT u.id, u.username, u.email, u.first_name, u.last_name, u.password_hash,
       u.is_staff, u.is_superuser, u.is_active,
       COALESCE(string_agg(g.name, ',' ORDER BY g.name), '')
FROM users u
LEFT JOIN user_groups g ON g.user_id = u.id
`

func (r *PostgresRepo) FindByUsername(ctx context.Context, username string) (User, bool, error) {
	return r.findOne(ctx, selectUser+`WHERE u.username = $1 GROUP BY u.id`, username)
}

func (r *PostgresRepo) FindByID(ctx context.Context, id int64) (User, bool, error) {
	return r.findOne(ctx, selectUser+`WHERE u.id = $1 GROUP BY u.id`, id)
}

func (r *PostgresRepo) findOne(ctx context.Context, query string, arg any) (User, bool, error) {
	var u User
	var groups string
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Username, &u.Email, &u.FirstName, &u.LastName, &u.PasswordHash,
		&u.IsStaff, &u.IsSuperuser, &u.IsActive, &groups,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("users lookup: %w", err)
	}
	if groups != "" {
		u.Groups = strings.Split(groups, ",")
	}
	return u, true, nil
}

// Create inserts the user and its groups in one transaction.
func (r *PostgresRepo) Create(ctx context.Context, u User) (User, error) {
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`, u.Username).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrUsernameTaken, u.Username)
		}
		err := tx.QueryRowContext(ctx, `
INSERT INTO users (username, email, first_name, last_name, password_hash, is_staff, is_superuser, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			u.Username, u.Email, u.FirstName, u.LastName, u.PasswordHash, u.IsStaff, u.IsSuperuser, u.IsActive,
		).Scan(&u.ID)
		if err != nil {
			return err
		}
		for _, g := range u.Groups {
			if _, err := tx.ExecContext(ctx, `INSERT INTO user_groups (user_id, name) VALUES ($1, $2)`, u.ID, g); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return User{}, fmt.Errorf("users create: %w", err)
	}
	return u, nil
}
