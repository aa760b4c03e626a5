package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/qrave1/MedCall/internal/domain/models"
)

const userColumns = "id, username, password, role, created_at, updated_at"

type UserRepository interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	// Exists - проверка ссылок звонка на участников
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

type userRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) UserRepository {
	return &userRepo{db: db}
}

func (r *userRepo) CreateUser(ctx context.Context, user *models.User) error {
	res, err := r.db.ExecContext(
		ctx,
		"INSERT INTO users (id, username, password, role, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)",
		user.ID,
		user.Username,
		user.Password,
		user.Role,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user: %w", classify(err))
	}

	if aff, err := res.RowsAffected(); aff == 0 || err != nil {
		return fmt.Errorf("create user no rows affected: %w", err)
	}

	return nil
}

func (r *userRepo) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User

	err := withReadRetry(ctx, func(ctx context.Context) error {
		return r.db.GetContext(ctx, &user, "SELECT "+userColumns+" FROM users WHERE id = $1", id)
	})
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}

	return &user, nil
}

func (r *userRepo) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User

	err := withReadRetry(ctx, func(ctx context.Context) error {
		return r.db.GetContext(ctx, &user, "SELECT "+userColumns+" FROM users WHERE username = $1", username)
	})
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", username, err)
	}

	return &user, nil
}

func (r *userRepo) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool

	err := withReadRetry(ctx, func(ctx context.Context) error {
		return r.db.GetContext(ctx, &exists, "SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)", id)
	})
	if err != nil {
		return false, fmt.Errorf("check user %s: %w", id, err)
	}

	return exists, nil
}
