package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/qrave1/MedCall/internal/domain/input"
	"github.com/qrave1/MedCall/internal/domain/models"
	"github.com/qrave1/MedCall/internal/domain/output"
	"github.com/qrave1/MedCall/internal/infra/adapters/memory"
	"github.com/qrave1/MedCall/internal/infra/adapters/postgres/repository"
)

const tokenTTL = 72 * time.Hour

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidUserInput   = errors.New("invalid user input")
)

// UserUsecase определяет интерфейс для работы с пользователями
type UserUsecase interface {
	// Регистрация пациента или врача
	CreateUser(ctx context.Context, in input.RegisterUserInput) (*models.User, error)

	// Получение пользователей из БД
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	// Аутентификация
	ValidateCredentials(ctx context.Context, username, password string) (*models.User, error)
	GenerateJWT(user *models.User) (string, error)

	// Врачи на ленте входящих звонков
	GetOnlineDoctors(ctx context.Context) ([]output.OnlineDoctorInfo, error)
}

type userUsecase struct {
	jwtSecret []byte

	userRepo repository.UserRepository
	wsRepo   memory.WebsocketConnectionRepository
}

func NewUserUsecase(
	jwtSecret []byte,
	userRepo repository.UserRepository,
	wsRepo memory.WebsocketConnectionRepository,
) UserUsecase {
	return &userUsecase{
		jwtSecret: jwtSecret,
		userRepo:  userRepo,
		wsRepo:    wsRepo,
	}
}

func (uc *userUsecase) CreateUser(ctx context.Context, in input.RegisterUserInput) (*models.User, error) {
	role := models.RolePatient
	if in.Role != "" {
		role = models.Role(in.Role)
	}

	if !role.Valid() || in.Username == "" || len(in.Password) < 6 {
		return nil, ErrInvalidUserInput
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := models.NewUser()
	user.Username = in.Username
	user.Password = string(hashedPassword)
	user.Role = role

	if err = uc.userRepo.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	// Убираем пароль из ответа
	user.Password = ""
	return user, nil
}

func (uc *userUsecase) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return uc.userRepo.GetUserByID(ctx, id)
}

func (uc *userUsecase) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return uc.userRepo.GetUserByUsername(ctx, username)
}

func (uc *userUsecase) ValidateCredentials(ctx context.Context, username, password string) (*models.User, error) {
	user, err := uc.userRepo.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}

	if err = bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	user.Password = ""
	return user, nil
}

// GenerateJWT - роль кладём в токен, чтобы middleware не ходил в БД
func (uc *userUsecase) GenerateJWT(user *models.User) (string, error) {
	claims := &models.Claims{
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(uc.jwtSecret)
}

func (uc *userUsecase) GetOnlineDoctors(ctx context.Context) ([]output.OnlineDoctorInfo, error) {
	connected := uc.wsRepo.GetAllConnected()

	result := make([]output.OnlineDoctorInfo, 0, len(connected))

	for _, userID := range connected {
		user, err := uc.userRepo.GetUserByID(ctx, userID)
		if err != nil {
			continue // пропускаем удалённых
		}

		result = append(result, output.OnlineDoctorInfo{
			ID:       user.ID.String(),
			Username: user.Username,
		})
	}

	return result, nil
}
