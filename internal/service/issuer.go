package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/qrpair/pairing-server/internal/errors"
	"github.com/qrpair/pairing-server/internal/model"
	"github.com/qrpair/pairing-server/internal/repository"
	"github.com/qrpair/pairing-server/internal/util"
)

const maxIssueAttempts = 3

type IssueRequest struct {
	Kind    model.Kind
	Context model.SessionContext
	// Issuer identifies the issuing context (client address) for the
	// outstanding-session cap. Empty disables the cap for this call.
	Issuer string
}

type IssueResult struct {
	SessionID    string
	Payload      model.QRPayload
	QRData       string
	ExpiresAt    time.Time
	PollInterval time.Duration
}

type Issuer struct {
	store    repository.PairingSessionRepository
	registry *Registry
	settings
}

func NewIssuer(store repository.PairingSessionRepository, registry *Registry, opts ...Option) (*Issuer, error) {
	if store == nil || registry == nil {
		return nil, errInvalidOption
	}
	s, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Issuer{store: store, registry: registry, settings: s}, nil
}

func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	proto, ok := i.registry.Lookup(req.Kind)
	if !ok {
		return nil, apperrors.ValidationError("Unknown pairing kind").
			WithDetails(map[string]any{"kinds": i.registry.Kinds()})
	}

	sessionCtx, err := proto.PrepareContext(req.Context)
	if err != nil {
		return nil, err
	}

	now := i.now()

	if i.maxPending > 0 && req.Issuer != "" {
		pending, err := i.store.CountPendingByIssuer(ctx, req.Issuer, now)
		if err != nil {
			return nil, apperrors.StoreUnavailable(err)
		}
		if pending >= i.maxPending {
			log.Warn().
				Str("issuer", req.Issuer).
				Int("pending", pending).
				Msg("pending session cap reached")
			return nil, apperrors.TooManyPending(i.maxPending)
		}
	}

	token, err := util.GenerateToken()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to generate token", err)
	}

	session := &model.PairingSession{
		TokenHash: util.HashToken(token),
		Kind:      proto.Kind,
		Context:   sessionCtx,
		Issuer:    req.Issuer,
		Status:    model.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(proto.TTL),
	}

	if err := i.put(ctx, session); err != nil {
		return nil, err
	}

	payload := session.Payload(token)
	qrData, err := payload.Encode()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to encode QR payload", err)
	}

	i.metrics.SessionIssued(string(proto.Kind))

	log.Info().
		Str("sessionId", session.ID).
		Str("kind", string(session.Kind)).
		Time("expiresAt", session.ExpiresAt).
		Msg("pairing session issued")

	return &IssueResult{
		SessionID:    session.ID,
		Payload:      payload,
		QRData:       qrData,
		ExpiresAt:    session.ExpiresAt,
		PollInterval: i.pollInterval,
	}, nil
}

// put stores the session under a fresh id, drawing a new one on the
// vanishingly unlikely collision.
func (i *Issuer) put(ctx context.Context, session *model.PairingSession) error {
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		id, err := util.GenerateID()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCodeInternal, "Failed to generate session id", err)
		}
		session.ID = id

		err = i.store.Put(ctx, session)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrDuplicateSession) {
			return apperrors.StoreUnavailable(err)
		}
	}
	return apperrors.Internal("Failed to allocate a session id")
}
