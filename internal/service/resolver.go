package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/qrpair/pairing-server/internal/errors"
	"github.com/qrpair/pairing-server/internal/model"
	"github.com/qrpair/pairing-server/internal/repository"
)

// Statuses only move forward, so a lost swap settles within one re-read.
const maxResolveAttempts = 3

// ResolveResult is what a poller sees. Subject, Context and ActivatedAt are
// set only on the active-consumed hand-off.
type ResolveResult struct {
	SessionID   string
	Kind        model.Kind
	Status      model.ResolveStatus
	ExpiresAt   time.Time
	Subject     *model.Subject
	Context     *model.SessionContext
	ActivatedAt *time.Time
}

// SessionResolver is the part of Resolver the poll loop needs.
type SessionResolver interface {
	Resolve(ctx context.Context, id string) (*ResolveResult, error)
}

type Resolver struct {
	store repository.PairingSessionRepository
	settings
}

func NewResolver(store repository.PairingSessionRepository, opts ...Option) (*Resolver, error) {
	if store == nil {
		return nil, errInvalidOption
	}
	s, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Resolver{store: store, settings: s}, nil
}

// Resolve reports the session's state to a poller, lazily expiring stale
// pending sessions and performing the one-time active -> used hand-off.
// Repeated calls after the hand-off report used.
func (r *Resolver) Resolve(ctx context.Context, id string) (*ResolveResult, error) {
	result, err := r.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	r.metrics.SessionResolved(string(result.Status))
	return result, nil
}

// Check reports whether the session exists without touching its status.
// Callers that must not consume the hand-off use it before committing to a
// stream.
func (r *Resolver) Check(ctx context.Context, id string) error {
	_, err := r.store.Get(ctx, id)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return apperrors.NotFound("Pairing session")
	}
	if err != nil {
		return apperrors.StoreUnavailable(err)
	}
	return nil
}

func (r *Resolver) resolve(ctx context.Context, id string) (*ResolveResult, error) {
	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		session, err := r.store.Get(ctx, id)
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, apperrors.NotFound("Pairing session")
		}
		if err != nil {
			return nil, apperrors.StoreUnavailable(err)
		}

		switch session.Status {
		case model.StatusPending:
			if !session.IsExpiredAt(r.now()) {
				return statusResult(session, model.ResolvePending), nil
			}
			_, err := r.store.CompareAndSwapStatus(ctx, id, model.StatusPending, model.StatusExpired, nil)
			if errors.Is(err, repository.ErrStatusConflict) {
				continue
			}
			if err != nil {
				return nil, apperrors.StoreUnavailable(err)
			}
			log.Debug().Str("sessionId", id).Msg("pairing session expired")
			return statusResult(session, model.ResolveExpired), nil

		case model.StatusActive:
			consumedAt := r.now()
			updated, err := r.store.CompareAndSwapStatus(ctx, id, model.StatusActive, model.StatusUsed,
				func(s *model.PairingSession) {
					s.ConsumedAt = &consumedAt
				})
			if errors.Is(err, repository.ErrStatusConflict) {
				return statusResult(session, model.ResolveUsed), nil
			}
			if err != nil {
				return nil, apperrors.StoreUnavailable(err)
			}
			log.Info().
				Str("sessionId", id).
				Str("kind", string(updated.Kind)).
				Str("subjectId", subjectID(updated.Subject)).
				Msg("pairing session handed off")
			return handOffResult(updated), nil

		case model.StatusExpired:
			return statusResult(session, model.ResolveExpired), nil

		case model.StatusUsed:
			return statusResult(session, model.ResolveUsed), nil

		default:
			return nil, apperrors.Internal("Unknown pairing session status")
		}
	}
	return nil, apperrors.StoreUnavailable(repository.ErrStatusConflict)
}

func statusResult(s *model.PairingSession, status model.ResolveStatus) *ResolveResult {
	return &ResolveResult{
		SessionID: s.ID,
		Kind:      s.Kind,
		Status:    status,
		ExpiresAt: s.ExpiresAt,
	}
}

func handOffResult(s *model.PairingSession) *ResolveResult {
	result := statusResult(s, model.ResolveActiveConsumed)
	result.Subject = s.Subject
	sessionCtx := s.Context
	result.Context = &sessionCtx
	result.ActivatedAt = s.ActivatedAt
	return result
}

func subjectID(s *model.Subject) string {
	if s == nil {
		return ""
	}
	return s.ID
}
