package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/qrpair/pairing-server/internal/errors"
	"github.com/qrpair/pairing-server/internal/identity"
	"github.com/qrpair/pairing-server/internal/model"
	"github.com/qrpair/pairing-server/internal/repository"
	"github.com/qrpair/pairing-server/internal/util"
)

type ActivateRequest struct {
	SessionID string
	Token     string
	Caller    identity.Identity
	// CallerContext is where the caller scanned from (for panel-login, the
	// class the teacher had open).
	CallerContext model.SessionContext
}

type ActivateResult struct {
	SessionID   string
	Kind        model.Kind
	Context     model.SessionContext
	ActivatedAt time.Time
}

type Activator struct {
	store    repository.PairingSessionRepository
	registry *Registry
	settings
}

func NewActivator(store repository.PairingSessionRepository, registry *Registry, opts ...Option) (*Activator, error) {
	if store == nil || registry == nil {
		return nil, errInvalidOption
	}
	s, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Activator{store: store, registry: registry, settings: s}, nil
}

// Activate binds the caller to a pending session. Checks run in a fixed
// order: existence, expiry, status, token, then the kind's own predicate.
// Nothing is written unless every check passes, except the lazy expiry.
func (a *Activator) Activate(ctx context.Context, req ActivateRequest) (*ActivateResult, error) {
	result, kind, err := a.activate(ctx, req)

	outcome := "ok"
	if err != nil {
		outcome = string(apperrors.GetCode(err))
	}
	a.metrics.ActivationFinished(string(kind), outcome)

	if err != nil {
		event := log.Info()
		if !apperrors.IsRecoverable(err) {
			event = log.Error().Err(err)
		}
		event.
			Str("sessionId", req.SessionID).
			Str("subjectId", req.Caller.UserID).
			Str("code", outcome).
			Msg("pairing activation refused")
		return nil, err
	}

	log.Info().
		Str("sessionId", result.SessionID).
		Str("kind", string(result.Kind)).
		Str("subjectId", req.Caller.UserID).
		Msg("pairing session activated")

	if a.notifier != nil {
		if err := a.notifier.Publish(ctx, result.SessionID); err != nil {
			log.Warn().Err(err).Str("sessionId", result.SessionID).Msg("failed to publish activation")
		}
	}

	return result, nil
}

func (a *Activator) activate(ctx context.Context, req ActivateRequest) (*ActivateResult, model.Kind, error) {
	session, err := a.store.Get(ctx, req.SessionID)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return nil, "", apperrors.NotFound("Pairing session")
	}
	if err != nil {
		return nil, "", apperrors.StoreUnavailable(err)
	}

	if session.IsExpiredAt(a.now()) {
		a.expire(ctx, session)
		return nil, session.Kind, apperrors.Expired()
	}

	switch session.Status {
	case model.StatusPending:
	case model.StatusExpired:
		return nil, session.Kind, apperrors.Expired()
	default:
		return nil, session.Kind, apperrors.AlreadyConsumed()
	}

	if !util.TokenMatchesHash(req.Token, session.TokenHash) {
		return nil, session.Kind, apperrors.InvalidToken("QR token does not match")
	}

	proto, ok := a.registry.Lookup(session.Kind)
	if !ok {
		return nil, session.Kind, apperrors.Internal("No protocol registered for session kind")
	}
	if err := proto.Authorize(ctx, session, req); err != nil {
		return nil, session.Kind, err
	}

	// The predicate may have taken a round trip; expiry is re-checked
	// against the time the swap records.
	activatedAt := a.now()
	if session.IsExpiredAt(activatedAt) {
		a.expire(ctx, session)
		return nil, session.Kind, apperrors.Expired()
	}

	subject := req.Caller.Subject()
	updated, err := a.store.CompareAndSwapStatus(ctx, session.ID, model.StatusPending, model.StatusActive,
		func(s *model.PairingSession) {
			s.Subject = subject
			s.ActivatedAt = &activatedAt
		})
	if errors.Is(err, repository.ErrStatusConflict) {
		return nil, session.Kind, a.settledError(ctx, session.ID)
	}
	if err != nil {
		return nil, session.Kind, apperrors.StoreUnavailable(err)
	}

	return &ActivateResult{
		SessionID:   updated.ID,
		Kind:        updated.Kind,
		Context:     updated.Context,
		ActivatedAt: activatedAt,
	}, updated.Kind, nil
}

// expire records a lazily observed expiry. Losing the race to another
// writer is fine: the caller reports Expired either way.
func (a *Activator) expire(ctx context.Context, session *model.PairingSession) {
	if session.Status != model.StatusPending {
		return
	}
	_, err := a.store.CompareAndSwapStatus(ctx, session.ID, model.StatusPending, model.StatusExpired, nil)
	if err != nil && !errors.Is(err, repository.ErrStatusConflict) {
		log.Warn().Err(err).Str("sessionId", session.ID).Msg("failed to mark pairing session expired")
	}
}

// settledError maps the state another writer left behind after a lost swap.
func (a *Activator) settledError(ctx context.Context, id string) error {
	current, err := a.store.Get(ctx, id)
	if errors.Is(err, repository.ErrSessionNotFound) {
		return apperrors.NotFound("Pairing session")
	}
	if err != nil {
		return apperrors.StoreUnavailable(err)
	}
	if current.Status == model.StatusExpired {
		return apperrors.Expired()
	}
	return apperrors.AlreadyConsumed()
}
