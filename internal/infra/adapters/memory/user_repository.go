package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/qrave1/MedCall/internal/domain"
	"github.com/qrave1/MedCall/internal/domain/models"
	"github.com/qrave1/MedCall/internal/infra/adapters/postgres/repository"
)

var _ repository.UserRepository = (*userRepository)(nil)

type userRepository struct {
	users map[uuid.UUID]*models.User

	mu sync.RWMutex
}

func NewUserRepository() repository.UserRepository {
	return &userRepository{
		users: make(map[uuid.UUID]*models.User, 10),
	}
}

func (r *userRepository) CreateUser(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range r.users {
		if u.Username == user.Username {
			return fmt.Errorf("create user: username %q taken", user.Username)
		}
	}

	stored := *user
	r.users[user.ID] = &stored

	return nil
}

func (r *userRepository) GetUserByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return nil, fmt.Errorf("get user %s: %w", id, domain.ErrNotFound)
	}

	cp := *user

	return &cp, nil
}

func (r *userRepository) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}

	return nil, fmt.Errorf("get user %q: %w", username, domain.ErrNotFound)
}

func (r *userRepository) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.users[id]

	return ok, nil
}
