package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/qrave1/MedCall/internal/domain"
	"github.com/qrave1/MedCall/internal/domain/models"
)

const (
	defaultRetryBase = 100 * time.Millisecond

	callColumns = "id, room_id, caller_id, receiver_id, status, created_at, started_at, ended_at, updated_at"
)

// CallRepository - реестр звонков. Статус меняется только условным обновлением:
// запись должна находиться в одном из статусов, из которых переход разрешён.
type CallRepository interface {
	Create(ctx context.Context, call *models.Call) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Call, error)

	// UpdateStatus возвращает domain.ErrInvalidTransition, если запись уже ушла
	// из допустимого исходного статуса, и domain.ErrNotFound, если её нет.
	UpdateStatus(ctx context.Context, id uuid.UUID, next models.CallStatus, at time.Time) (*models.Call, error)

	// Claim переводит pending в active и закрепляет звонок за ответившим врачом.
	// Звонок, адресованный другому врачу или уже не pending, даёт domain.ErrInvalidTransition.
	Claim(ctx context.Context, id, doctorID uuid.UUID, at time.Time) (*models.Call, error)

	// ListPending: receiverID != nil - адресованные ему и "любому врачу",
	// receiverID == nil - только "любому врачу". Новые первыми.
	ListPending(ctx context.Context, receiverID *uuid.UUID) ([]*models.Call, error)

	// ExpirePending переводит pending старше before в ended
	ExpirePending(ctx context.Context, before, at time.Time) (int64, error)
}

type callRepo struct {
	db *sqlx.DB
}

func NewCallRepo(db *sqlx.DB) CallRepository {
	return &callRepo{db: db}
}

func (r *callRepo) Create(ctx context.Context, call *models.Call) error {
	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO calls (id, room_id, caller_id, receiver_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		call.ID,
		call.RoomID,
		call.CallerID,
		call.ReceiverID,
		call.Status,
		call.CreatedAt,
		call.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call: %w", classify(err))
	}

	return nil
}

func (r *callRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Call, error) {
	var call models.Call

	err := withReadRetry(ctx, func(ctx context.Context) error {
		return r.db.GetContext(ctx, &call, "SELECT "+callColumns+" FROM calls WHERE id = $1", id)
	})
	if err != nil {
		return nil, fmt.Errorf("get call %s: %w", id, err)
	}

	return &call, nil
}

func (r *callRepo) UpdateStatus(
	ctx context.Context,
	id uuid.UUID,
	next models.CallStatus,
	at time.Time,
) (*models.Call, error) {
	sources := models.SourcesOf(next)
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: nothing transitions to %s", domain.ErrInvalidTransition, next)
	}

	query, args, err := sqlx.In(
		`UPDATE calls
		 SET status     = ?,
		     started_at = CASE WHEN ? THEN ? ELSE started_at END,
		     ended_at   = CASE WHEN ? THEN ? ELSE ended_at END,
		     updated_at = ?
		 WHERE id = ? AND status IN (?)
		 RETURNING `+callColumns,
		next,
		next == models.CallStatusActive, at,
		next.Terminal(), at,
		at,
		id,
		sources,
	)
	if err != nil {
		return nil, fmt.Errorf("build update query: %w", err)
	}

	var call models.Call

	err = r.db.GetContext(ctx, &call, r.db.Rebind(query), args...)
	if err == nil {
		return &call, nil
	}

	err = classify(err)
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("update call %s: %w", id, err)
	}

	// ни одна строка не обновилась - либо записи нет, либо статус уже другой
	current, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}

	return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.Status, next)
}

func (r *callRepo) Claim(ctx context.Context, id, doctorID uuid.UUID, at time.Time) (*models.Call, error) {
	var call models.Call

	err := r.db.GetContext(
		ctx,
		&call,
		`UPDATE calls
		 SET status = $1, receiver_id = $2, started_at = $3, updated_at = $3
		 WHERE id = $4 AND status = $5 AND (receiver_id IS NULL OR receiver_id = $2)
		 RETURNING `+callColumns,
		models.CallStatusActive,
		doctorID,
		at,
		id,
		models.CallStatusPending,
	)
	if err == nil {
		return &call, nil
	}

	err = classify(err)
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("claim call %s: %w", id, err)
	}

	current, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}

	return nil, fmt.Errorf("%w: %s call is not claimable by %s", domain.ErrInvalidTransition, current.Status, doctorID)
}

func (r *callRepo) ListPending(ctx context.Context, receiverID *uuid.UUID) ([]*models.Call, error) {
	calls := make([]*models.Call, 0)

	query := "SELECT " + callColumns + " FROM calls WHERE status = $1 AND receiver_id IS NULL ORDER BY created_at DESC"
	args := []any{models.CallStatusPending}

	if receiverID != nil {
		query = "SELECT " + callColumns + ` FROM calls
			WHERE status = $1 AND (receiver_id = $2 OR receiver_id IS NULL)
			ORDER BY created_at DESC`
		args = append(args, *receiverID)
	}

	err := withReadRetry(ctx, func(ctx context.Context) error {
		calls = calls[:0]
		return r.db.SelectContext(ctx, &calls, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("list pending calls: %w", err)
	}

	return calls, nil
}

func (r *callRepo) ExpirePending(ctx context.Context, before, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE calls SET status = $1, ended_at = $2, updated_at = $2
		 WHERE status = $3 AND created_at < $4`,
		models.CallStatusEnded,
		at,
		models.CallStatusPending,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("expire pending calls: %w", classify(err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire pending rows affected: %w", err)
	}

	return n, nil
}
