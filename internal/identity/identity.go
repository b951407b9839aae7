package identity

import (
	"context"
	"sync"

	"github.com/qrpair/pairing-server/internal/model"
	"github.com/qrpair/pairing-server/internal/util"
)

// Identity is an authenticated caller as established by the bearer token.
type Identity struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Name   string `json:"name,omitempty"`
}

// Subject is the form stored on an activated pairing session.
func (i Identity) Subject() *model.Subject {
	return &model.Subject{ID: i.UserID, Role: i.Role, Name: i.Name}
}

// Authenticator resolves a bearer token. Unknown or revoked tokens yield a
// nil identity and a nil error.
type Authenticator interface {
	Authenticate(ctx context.Context, bearerToken string) (*Identity, error)
}

// AssignmentChecker answers whether a user is assigned to a resource (for
// panel-login, whether a teacher teaches the class).
type AssignmentChecker interface {
	IsAssigned(ctx context.Context, userID, resourceID string) (bool, error)
}

// Directory is both collaborators backed by one store.
type Directory interface {
	Authenticator
	AssignmentChecker
}

// Registrar issues and revokes bearer tokens for the admin API.
type Registrar interface {
	Grant(ctx context.Context, token string, id Identity, resourceIDs []string) error
	Revoke(ctx context.Context, token string) (bool, error)
}

type assignmentKey struct {
	userID     string
	resourceID string
}

// StaticDirectory is an in-memory Directory. Tokens are kept hashed.
type StaticDirectory struct {
	mu          sync.RWMutex
	tokens      map[string]Identity
	assignments map[assignmentKey]bool
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		tokens:      make(map[string]Identity),
		assignments: make(map[assignmentKey]bool),
	}
}

// AddToken registers a bearer token for id.
func (d *StaticDirectory) AddToken(token string, id Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens[util.HashToken(token)] = id
}

func (d *StaticDirectory) RevokeToken(token string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tokens, util.HashToken(token))
}

func (d *StaticDirectory) Grant(ctx context.Context, token string, id Identity, resourceIDs []string) error {
	d.AddToken(token, id)
	for _, resourceID := range resourceIDs {
		d.Assign(id.UserID, resourceID)
	}
	return nil
}

func (d *StaticDirectory) Revoke(ctx context.Context, token string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hash := util.HashToken(token)
	_, ok := d.tokens[hash]
	delete(d.tokens, hash)
	return ok, nil
}

// Assign records that userID may act on resourceID.
func (d *StaticDirectory) Assign(userID, resourceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assignments[assignmentKey{userID, resourceID}] = true
}

func (d *StaticDirectory) Authenticate(ctx context.Context, bearerToken string) (*Identity, error) {
	if bearerToken == "" {
		return nil, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.tokens[util.HashToken(bearerToken)]
	if !ok {
		return nil, nil
	}
	return &id, nil
}

func (d *StaticDirectory) IsAssigned(ctx context.Context, userID, resourceID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.assignments[assignmentKey{userID, resourceID}], nil
}
