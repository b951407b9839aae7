package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qrpair/pairing-server/internal/model"
)

var (
	ErrSessionNotFound   = errors.New("pairing session not found")
	ErrStatusConflict    = errors.New("pairing session status changed concurrently")
	ErrInvalidTransition = errors.New("invalid pairing status transition")
	ErrDuplicateSession  = errors.New("pairing session already exists")
)

// SessionMutator sets the fields that belong to a transition (subject,
// activation or consumption time). The store re-applies the target status
// after it runs.
type SessionMutator func(s *model.PairingSession)

// PairingSessionRepository is the only shared mutable resource of the
// handshake. CompareAndSwapStatus is the only path that changes a status and
// must be atomic with respect to concurrent callers.
type PairingSessionRepository interface {
	Put(ctx context.Context, session *model.PairingSession) error
	Get(ctx context.Context, id string) (*model.PairingSession, error)
	CompareAndSwapStatus(
		ctx context.Context,
		id string,
		expected, next model.Status,
		mutate SessionMutator,
	) (*model.PairingSession, error)
	CountPendingByIssuer(ctx context.Context, issuer string, now time.Time) (int, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[model.Status]int, error)
}

func checkTransition(expected, next model.Status) error {
	if !expected.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	return nil
}

// applyTransition runs the mutator on a copy and pins the status to next.
func applyTransition(s *model.PairingSession, next model.Status, mutate SessionMutator) *model.PairingSession {
	updated := s.Clone()
	if mutate != nil {
		mutate(updated)
	}
	updated.ID = s.ID
	updated.TokenHash = s.TokenHash
	updated.Kind = s.Kind
	updated.Status = next
	return updated
}
