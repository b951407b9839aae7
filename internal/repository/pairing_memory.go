package repository

import (
	"context"
	"sync"
	"time"

	"github.com/qrpair/pairing-server/internal/model"
)

type memoryPairingRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.PairingSession
}

// NewMemoryPairingRepository returns a store backed by a map guarded by one
// store-wide lock. Values are copied on the way in and out.
func NewMemoryPairingRepository() PairingSessionRepository {
	return &memoryPairingRepo{sessions: make(map[string]*model.PairingSession)}
}

func (r *memoryPairingRepo) Put(ctx context.Context, session *model.PairingSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return ErrDuplicateSession
	}
	r.sessions[session.ID] = session.Clone()
	return nil
}

func (r *memoryPairingRepo) Get(ctx context.Context, id string) (*model.PairingSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (r *memoryPairingRepo) CompareAndSwapStatus(
	ctx context.Context,
	id string,
	expected, next model.Status,
	mutate SessionMutator,
) (*model.PairingSession, error) {
	if err := checkTransition(expected, next); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.Status != expected {
		return nil, ErrStatusConflict
	}

	updated := applyTransition(s, next, mutate)
	r.sessions[id] = updated
	return updated.Clone(), nil
}

func (r *memoryPairingRepo) CountPendingByIssuer(ctx context.Context, issuer string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, s := range r.sessions {
		if s.Issuer == issuer && s.Status == model.StatusPending && !s.IsExpiredAt(now) {
			count++
		}
	}
	return count, nil
}

func (r *memoryPairingRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, s := range r.sessions {
		if s.ExpiresAt.Before(before) {
			delete(r.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *memoryPairingRepo) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[model.Status]int)
	for _, s := range r.sessions {
		counts[s.Status]++
	}
	return counts, nil
}
