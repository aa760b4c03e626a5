package repository_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qrave1/MedCall/internal/application/config"
	"github.com/qrave1/MedCall/internal/domain"
	"github.com/qrave1/MedCall/internal/domain/models"
	"github.com/qrave1/MedCall/internal/infra/adapters/postgres"
	"github.com/qrave1/MedCall/internal/infra/adapters/postgres/repository"
)

// openTestDB - реальная база из POSTGRES_URL с накатанными миграциями и пустыми таблицами
func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		t.Skip("POSTGRES_URL is not set")
	}

	ctx := context.Background()

	db, err := postgres.NewPostgres(ctx, config.PostgresConfig{URL: url, MaxOpenConns: 4, MaxIdleConns: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, postgres.Migrate(ctx, db))

	_, err = db.ExecContext(ctx, "TRUNCATE calls, users")
	require.NoError(t, err)

	return db
}

func createUser(t *testing.T, users repository.UserRepository, name string, role models.Role) *models.User {
	t.Helper()

	now := time.Now().UTC()
	user := &models.User{
		ID:        uuid.New(),
		Username:  name,
		Password:  "hash",
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, users.CreateUser(context.Background(), user))

	return user
}

func ptr(id uuid.UUID) *uuid.UUID {
	return &id
}

func TestCallRepoCreateAndGet(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	calls := repository.NewCallRepo(db)
	users := repository.NewUserRepo(db)

	patient := createUser(t, users, "cuddy", models.RolePatient)

	call := models.NewCall(&patient.ID, nil, time.Now().UTC())
	require.NoError(t, calls.Create(ctx, call))

	got, err := calls.GetByID(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, call.ID.String(), got.RoomID)
	assert.Equal(t, patient.ID, *got.CallerID)
	assert.Nil(t, got.ReceiverID)
	assert.Equal(t, models.CallStatusPending, got.Status)
	assert.WithinDuration(t, call.CreatedAt, got.CreatedAt, time.Millisecond)

	_, err = calls.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// несуществующий участник - нарушение ссылочной целостности
	orphan := models.NewCall(ptr(uuid.New()), nil, time.Now().UTC())
	assert.ErrorIs(t, calls.Create(ctx, orphan), domain.ErrReferentialIntegrity)

	// живая комната занята
	dup := models.NewCall(nil, nil, time.Now().UTC())
	dup.RoomID = call.RoomID
	assert.ErrorIs(t, calls.Create(ctx, dup), domain.ErrRoomInUse)
}

func TestCallRepoUpdateStatus(t *testing.T) {
	ctx := context.Background()
	calls := repository.NewCallRepo(openTestDB(t))

	call := models.NewCall(nil, nil, time.Now().UTC())
	require.NoError(t, calls.Create(ctx, call))

	startedAt := time.Now().UTC()

	active, err := calls.UpdateStatus(ctx, call.ID, models.CallStatusActive, startedAt)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusActive, active.Status)
	require.NotNil(t, active.StartedAt)
	assert.WithinDuration(t, startedAt, *active.StartedAt, time.Millisecond)
	assert.Nil(t, active.EndedAt)

	_, err = calls.UpdateStatus(ctx, call.ID, models.CallStatusDeclined, time.Now().UTC())
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	ended, err := calls.UpdateStatus(ctx, call.ID, models.CallStatusEnded, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusEnded, ended.Status)
	assert.NotNil(t, ended.EndedAt)
	assert.WithinDuration(t, startedAt, *ended.StartedAt, time.Millisecond)

	// terminal - окончательный
	for _, next := range []models.CallStatus{models.CallStatusActive, models.CallStatusDeclined, models.CallStatusEnded} {
		_, err = calls.UpdateStatus(ctx, call.ID, next, time.Now().UTC())
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, next)
	}

	_, err = calls.UpdateStatus(ctx, call.ID, models.CallStatusPending, time.Now().UTC())
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = calls.UpdateStatus(ctx, uuid.New(), models.CallStatusEnded, time.Now().UTC())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCallRepoFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	calls := repository.NewCallRepo(openTestDB(t))

	call := models.NewCall(nil, nil, time.Now().UTC())
	require.NoError(t, calls.Create(ctx, call))

	var (
		wg      sync.WaitGroup
		results = make([]error, 2)
	)

	for i, next := range []models.CallStatus{models.CallStatusActive, models.CallStatusDeclined} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = calls.UpdateStatus(ctx, call.ID, next, time.Now().UTC())
		}()
	}
	wg.Wait()

	failed := 0
	for _, err := range results {
		if err != nil {
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestCallRepoClaim(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	calls := repository.NewCallRepo(db)
	users := repository.NewUserRepo(db)

	house := createUser(t, users, "house", models.RoleDoctor)
	wilson := createUser(t, users, "wilson", models.RoleDoctor)

	open := models.NewCall(nil, nil, time.Now().UTC())
	require.NoError(t, calls.Create(ctx, open))

	addressed := models.NewCall(nil, &house.ID, time.Now().UTC())
	require.NoError(t, calls.Create(ctx, addressed))

	_, err := calls.Claim(ctx, addressed.ID, wilson.ID, time.Now().UTC())
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	claimed, err := calls.Claim(ctx, addressed.ID, house.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusActive, claimed.Status)
	assert.Equal(t, house.ID, *claimed.ReceiverID)

	claimed, err = calls.Claim(ctx, open.ID, wilson.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, wilson.ID, *claimed.ReceiverID)
	assert.NotNil(t, claimed.StartedAt)

	_, err = calls.Claim(ctx, open.ID, house.ID, time.Now().UTC())
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = calls.Claim(ctx, uuid.New(), house.ID, time.Now().UTC())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCallRepoListPending(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	calls := repository.NewCallRepo(db)
	users := repository.NewUserRepo(db)

	house := createUser(t, users, "house", models.RoleDoctor)
	wilson := createUser(t, users, "wilson", models.RoleDoctor)

	now := time.Now().UTC()

	older := models.NewCall(nil, nil, now.Add(-time.Minute))
	newer := models.NewCall(nil, nil, now)
	forHouse := models.NewCall(nil, &house.ID, now.Add(-30*time.Second))
	forWilson := models.NewCall(nil, &wilson.ID, now)
	answered := models.NewCall(nil, nil, now)

	for _, c := range []*models.Call{older, newer, forHouse, forWilson, answered} {
		require.NoError(t, calls.Create(ctx, c))
	}

	_, err := calls.UpdateStatus(ctx, answered.ID, models.CallStatusActive, now)
	require.NoError(t, err)

	ids := func(list []*models.Call) []uuid.UUID {
		out := make([]uuid.UUID, 0, len(list))
		for _, c := range list {
			out = append(out, c.ID)
		}
		return out
	}

	// без врача - только звонки "любому врачу", новые первыми
	anyDoctor, err := calls.ListPending(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{newer.ID, older.ID}, ids(anyDoctor))

	forDoctor, err := calls.ListPending(ctx, &house.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{newer.ID, forHouse.ID, older.ID}, ids(forDoctor))
}

func TestCallRepoExpirePending(t *testing.T) {
	ctx := context.Background()
	calls := repository.NewCallRepo(openTestDB(t))

	now := time.Now().UTC()

	stale := models.NewCall(nil, nil, now.Add(-time.Hour))
	fresh := models.NewCall(nil, nil, now)
	staleActive := models.NewCall(nil, nil, now.Add(-time.Hour))

	for _, c := range []*models.Call{stale, fresh, staleActive} {
		require.NoError(t, calls.Create(ctx, c))
	}

	_, err := calls.UpdateStatus(ctx, staleActive.ID, models.CallStatusActive, now)
	require.NoError(t, err)

	n, err := calls.ExpirePending(ctx, now.Add(-10*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := calls.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusEnded, got.Status)
	assert.NotNil(t, got.EndedAt)

	got, err = calls.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusPending, got.Status)

	got, err = calls.GetByID(ctx, staleActive.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusActive, got.Status)
}
