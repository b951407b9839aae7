package service

import (
	"errors"
	"time"

	"github.com/qrpair/pairing-server/internal/metrics"
	"github.com/qrpair/pairing-server/internal/watch"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxPending   = 5
)

var errInvalidOption = errors.New("invalid service option")

// settings are shared by Issuer, Activator and Resolver; each reads the
// fields it needs.
type settings struct {
	now          func() time.Time
	metrics      *metrics.Metrics
	notifier     watch.Notifier
	maxPending   int
	pollInterval time.Duration
}

func defaultSettings() settings {
	return settings{
		now:          func() time.Time { return time.Now().UTC() },
		maxPending:   DefaultMaxPending,
		pollInterval: DefaultPollInterval,
	}
}

// Option configures a pairing service.
type Option func(*settings) error

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *settings) error {
		if now == nil {
			return errInvalidOption
		}
		s.now = now
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) error {
		s.metrics = m
		return nil
	}
}

// WithNotifier makes the Activator announce successful activations.
func WithNotifier(n watch.Notifier) Option {
	return func(s *settings) error {
		s.notifier = n
		return nil
	}
}

// WithMaxPending caps outstanding pending sessions per issuer. Zero disables
// the cap.
func WithMaxPending(n int) Option {
	return func(s *settings) error {
		if n < 0 {
			return errInvalidOption
		}
		s.maxPending = n
		return nil
	}
}

// WithPollInterval sets the interval advertised to pollers.
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) error {
		if d <= 0 {
			return errInvalidOption
		}
		s.pollInterval = d
		return nil
	}
}

func applyOptions(opts []Option) (settings, error) {
	s := defaultSettings()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&s); err != nil {
			return s, err
		}
	}
	return s, nil
}
