package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qrave1/MedCall/internal/domain"
	"github.com/qrave1/MedCall/internal/domain/models"
	"github.com/qrave1/MedCall/internal/infra/adapters/postgres/repository"
)

var _ repository.CallRepository = (*callRepository)(nil)

// callRepository - реестр звонков в памяти процесса, CALL_STORE=memory и тесты.
// Наружу всегда отдаются копии записей.
type callRepository struct {
	calls map[uuid.UUID]*models.Call

	mu sync.RWMutex
}

func NewCallRepository() repository.CallRepository {
	return &callRepository{
		calls: make(map[uuid.UUID]*models.Call, 10),
	}
}

func (r *callRepository) Create(_ context.Context, call *models.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[call.ID]; exists {
		return fmt.Errorf("insert call: %w: %s", domain.ErrRoomInUse, call.ID)
	}

	for _, c := range r.calls {
		if c.RoomID == call.RoomID && c.Status.Live() {
			return fmt.Errorf("insert call: %w: %s", domain.ErrRoomInUse, call.RoomID)
		}
	}

	stored := *call
	r.calls[call.ID] = &stored

	return nil
}

func (r *callRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	call, ok := r.calls[id]
	if !ok {
		return nil, fmt.Errorf("get call %s: %w", id, domain.ErrNotFound)
	}

	cp := *call

	return &cp, nil
}

func (r *callRepository) UpdateStatus(
	_ context.Context,
	id uuid.UUID,
	next models.CallStatus,
	at time.Time,
) (*models.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[id]
	if !ok {
		return nil, fmt.Errorf("update call %s: %w", id, domain.ErrNotFound)
	}

	if !call.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, call.Status, next)
	}

	call.Apply(next, at)

	cp := *call

	return &cp, nil
}

func (r *callRepository) Claim(_ context.Context, id, doctorID uuid.UUID, at time.Time) (*models.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.calls[id]
	if !ok {
		return nil, fmt.Errorf("claim call %s: %w", id, domain.ErrNotFound)
	}

	if call.Status != models.CallStatusPending || !call.AddressedTo(doctorID) {
		return nil, fmt.Errorf("%w: %s call is not claimable by %s", domain.ErrInvalidTransition, call.Status, doctorID)
	}

	call.Apply(models.CallStatusActive, at)
	call.ReceiverID = &doctorID

	cp := *call

	return &cp, nil
}

func (r *callRepository) ListPending(_ context.Context, receiverID *uuid.UUID) ([]*models.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	calls := make([]*models.Call, 0)

	for _, c := range r.calls {
		if c.Status != models.CallStatusPending {
			continue
		}

		if c.ReceiverID != nil && (receiverID == nil || *c.ReceiverID != *receiverID) {
			continue
		}

		cp := *c
		calls = append(calls, &cp)
	}

	sort.Slice(calls, func(i, j int) bool {
		return calls[i].CreatedAt.After(calls[j].CreatedAt)
	})

	return calls, nil
}

func (r *callRepository) ExpirePending(_ context.Context, before, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64

	for _, c := range r.calls {
		if c.Status == models.CallStatusPending && c.CreatedAt.Before(before) {
			c.Apply(models.CallStatusEnded, at)
			n++
		}
	}

	return n, nil
}
