package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/qrpair/pairing-server/internal/identity"
	"github.com/qrpair/pairing-server/internal/model"
	"github.com/qrpair/pairing-server/internal/repository"
	"github.com/qrpair/pairing-server/internal/util"
	"github.com/qrpair/pairing-server/internal/watch"
)

const testTTL = 60 * time.Second

var (
	teacher    = identity.Identity{UserID: "t-1", Role: "teacher", Name: "Kim"}
	influencer = identity.Identity{UserID: "i-1", Role: "influencer", Name: "Lee"}
	student    = identity.Identity{UserID: "s-1", Role: "student", Name: "Park"}
	// otherTeacher is not assigned to class-42.
	otherTeacher = identity.Identity{UserID: "t-2", Role: "teacher", Name: "Choi"}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock     *fakeClock
	store     repository.PairingSessionRepository
	directory *identity.StaticDirectory
	notifier  *watch.LocalBroker
	registry  *Registry
	issuer    *Issuer
	activator *Activator
	resolver  *Resolver
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithStore(t, repository.NewMemoryPairingRepository(), opts...)
}

func newFixtureWithStore(t *testing.T, store repository.PairingSessionRepository, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		clock:     newFakeClock(),
		store:     store,
		directory: identity.NewStaticDirectory(),
		notifier:  watch.NewLocalBroker(),
	}
	t.Cleanup(f.notifier.Close)
	f.directory.Assign(teacher.UserID, "class-42")

	registry, err := NewDefaultRegistry(ProtocolConfig{
		DeviceLoginTTL:   testTTL,
		PanelLoginTTL:    testTTL,
		DeviceLoginRoles: []string{"teacher", "influencer"},
		PanelLoginRoles:  []string{"teacher"},
	}, f.directory)
	require.NoError(t, err)
	f.registry = registry

	all := append([]Option{WithClock(f.clock.Now), WithNotifier(f.notifier)}, opts...)

	f.issuer, err = NewIssuer(store, registry, all...)
	require.NoError(t, err)
	f.activator, err = NewActivator(store, registry, all...)
	require.NoError(t, err)
	f.resolver, err = NewResolver(store, all...)
	require.NoError(t, err)
	return f
}

func (f *fixture) issue(t *testing.T, kind model.Kind, sc model.SessionContext) *IssueResult {
	t.Helper()
	res, err := f.issuer.Issue(context.Background(), IssueRequest{Kind: kind, Context: sc, Issuer: "198.51.100.7"})
	require.NoError(t, err)
	return res
}

func (f *fixture) stored(t *testing.T, id string) *model.PairingSession {
	t.Helper()
	s, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func withHash(s *model.PairingSession, token string) *model.PairingSession {
	s.TokenHash = util.HashToken(token)
	return s
}

// mockStore is a PairingSessionRepository driven by testify expectations.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) Put(ctx context.Context, session *model.PairingSession) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *mockStore) Get(ctx context.Context, id string) (*model.PairingSession, error) {
	args := m.Called(ctx, id)
	if s := args.Get(0); s != nil {
		return s.(*model.PairingSession), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) CompareAndSwapStatus(
	ctx context.Context,
	id string,
	expected, next model.Status,
	mutate repository.SessionMutator,
) (*model.PairingSession, error) {
	args := m.Called(ctx, id, expected, next, mutate)
	if s := args.Get(0); s != nil {
		return s.(*model.PairingSession), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockStore) CountPendingByIssuer(ctx context.Context, issuer string, now time.Time) (int, error) {
	args := m.Called(ctx, issuer, now)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	args := m.Called(ctx)
	if c := args.Get(0); c != nil {
		return c.(map[model.Status]int), args.Error(1)
	}
	return nil, args.Error(1)
}
