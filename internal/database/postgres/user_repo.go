package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"sessiongate/internal/models"
)

var ErrUserNotFound = errors.New("postgres: user not found")

// UserRepository is the durable store backing Auth & Identity: the gateway
// treats usernames, not generated IDs, as the primary key.
type UserRepository struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (username, email, password_hash, role, created_at, last_login)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		user.Username, user.Email, user.PasswordHash, user.Role, user.CreatedAt, user.LastLogin,
	)
	return err
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := r.db.GetContext(ctx, &user, `SELECT * FROM users WHERE username = $1`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return &user, err
}

func (r *UserRepository) UpdatePasswordHash(ctx context.Context, username, hash string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET password_hash = $2 WHERE username = $1`, username, hash)
	return err
}

func (r *UserRepository) UpdateLastLogin(ctx context.Context, username string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET last_login = $2 WHERE username = $1`, username, at)
	return err
}

func (r *UserRepository) UpdateRole(ctx context.Context, username string, role models.Role) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET role = $2 WHERE username = $1`, username, role)
	return err
}

func (r *UserRepository) Delete(ctx context.Context, username string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE username = $1`, username)
	return err
}

func (r *UserRepository) ListUsernames(ctx context.Context) ([]string, error) {
	var usernames []string
	err := r.db.SelectContext(ctx, &usernames, `SELECT username FROM users ORDER BY username`)
	return usernames, err
}

// ListUsers returns every durable user record, for the admin fleet-wide
// user listing endpoint.
func (r *UserRepository) ListUsers(ctx context.Context) ([]*models.User, error) {
	var users []*models.User
	err := r.db.SelectContext(ctx, &users, `SELECT * FROM users ORDER BY username`)
	return users, err
}
