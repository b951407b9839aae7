package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/qrpair/pairing-server/internal/errors"
	"github.com/qrpair/pairing-server/internal/identity"
	"github.com/qrpair/pairing-server/internal/model"
	"github.com/qrpair/pairing-server/internal/util"
)

// Protocol is everything kind-specific about a pairing flow. Issuer,
// Activator and Resolver look the protocol up by kind and never branch on it
// themselves.
type Protocol struct {
	Kind model.Kind
	TTL  time.Duration

	// PrepareContext validates and completes the caller-supplied context at
	// issue time.
	PrepareContext func(in model.SessionContext) (model.SessionContext, error)

	// Authorize decides whether the caller may activate the session. It runs
	// after the token check and must return an *apperrors.AppError.
	Authorize func(ctx context.Context, session *model.PairingSession, req ActivateRequest) error
}

type Registry struct {
	protocols map[model.Kind]*Protocol
}

func NewRegistry(protocols ...*Protocol) (*Registry, error) {
	r := &Registry{protocols: make(map[model.Kind]*Protocol, len(protocols))}
	for _, p := range protocols {
		if p == nil || p.Kind == "" || p.TTL <= 0 || p.PrepareContext == nil || p.Authorize == nil {
			return nil, fmt.Errorf("incomplete pairing protocol %q", kindOf(p))
		}
		if _, dup := r.protocols[p.Kind]; dup {
			return nil, fmt.Errorf("duplicate pairing protocol %q", p.Kind)
		}
		r.protocols[p.Kind] = p
	}
	return r, nil
}

func kindOf(p *Protocol) model.Kind {
	if p == nil {
		return ""
	}
	return p.Kind
}

func (r *Registry) Lookup(kind model.Kind) (*Protocol, bool) {
	p, ok := r.protocols[kind]
	return p, ok
}

func (r *Registry) Kinds() []model.Kind {
	kinds := make([]model.Kind, 0, len(r.protocols))
	for k := range r.protocols {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ProtocolConfig carries the per-kind knobs for the built-in flows.
type ProtocolConfig struct {
	DeviceLoginTTL   time.Duration
	PanelLoginTTL    time.Duration
	DeviceLoginRoles []string
	PanelLoginRoles  []string
}

// NewDefaultRegistry registers device-login and panel-login.
func NewDefaultRegistry(cfg ProtocolConfig, assignments identity.AssignmentChecker) (*Registry, error) {
	if assignments == nil {
		return nil, fmt.Errorf("panel-login needs an assignment checker")
	}
	return NewRegistry(
		DeviceLoginProtocol(cfg.DeviceLoginTTL, cfg.DeviceLoginRoles),
		PanelLoginProtocol(cfg.PanelLoginTTL, cfg.PanelLoginRoles, assignments),
	)
}

// prepareDeviceID keeps a caller-supplied device id when it is a UUID and
// generates one otherwise.
func prepareDeviceID(deviceID string) (string, error) {
	if deviceID == "" {
		return uuid.NewString(), nil
	}
	if !util.IsValidUUID(deviceID) {
		return "", apperrors.InvalidInput("deviceId", "must be a lowercase UUID")
	}
	return deviceID, nil
}

// DeviceLoginProtocol logs a desktop browser in as the scanning mobile user.
func DeviceLoginProtocol(ttl time.Duration, roles []string) *Protocol {
	return &Protocol{
		Kind: model.KindDeviceLogin,
		TTL:  ttl,
		PrepareContext: func(in model.SessionContext) (model.SessionContext, error) {
			deviceID, err := prepareDeviceID(in.DeviceID)
			if err != nil {
				return model.SessionContext{}, err
			}
			return model.SessionContext{DeviceID: deviceID}, nil
		},
		Authorize: func(ctx context.Context, session *model.PairingSession, req ActivateRequest) error {
			if !util.ContainsString(roles, req.Caller.Role) {
				return apperrors.Forbidden("Role is not allowed to log in a device")
			}
			return nil
		},
	}
}

// PanelLoginProtocol pairs a studio control panel with a class. The caller
// must scan from inside that class and be assigned to it.
func PanelLoginProtocol(ttl time.Duration, roles []string, assignments identity.AssignmentChecker) *Protocol {
	return &Protocol{
		Kind: model.KindPanelLogin,
		TTL:  ttl,
		PrepareContext: func(in model.SessionContext) (model.SessionContext, error) {
			if in.ResourceID == "" {
				return model.SessionContext{}, apperrors.MissingRequired("resourceId")
			}
			deviceID, err := prepareDeviceID(in.DeviceID)
			if err != nil {
				return model.SessionContext{}, err
			}
			return model.SessionContext{DeviceID: deviceID, ResourceID: in.ResourceID}, nil
		},
		Authorize: func(ctx context.Context, session *model.PairingSession, req ActivateRequest) error {
			if req.CallerContext.ResourceID != session.Context.ResourceID {
				return apperrors.ContextMismatch("QR code belongs to a different class")
			}
			if !util.ContainsString(roles, req.Caller.Role) {
				return apperrors.Forbidden("Role is not allowed to pair a panel")
			}
			assigned, err := assignments.IsAssigned(ctx, req.Caller.UserID, session.Context.ResourceID)
			if err != nil {
				return apperrors.StoreUnavailable(err)
			}
			if !assigned {
				return apperrors.Forbidden("Not assigned to this class")
			}
			return nil
		},
	}
}
