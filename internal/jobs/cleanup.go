package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qrpair/pairing-server/internal/metrics"
	"github.com/qrpair/pairing-server/internal/repository"
)

const cleanupTimeout = 30 * time.Second

// CleanupJob reaps pairing sessions that expired more than retention ago.
// Lazy expiry already makes them unusable, so this only bounds storage.
type CleanupJob struct {
	store     repository.PairingSessionRepository
	metrics   *metrics.Metrics
	interval  time.Duration
	retention time.Duration
	now       func() time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

func NewCleanupJob(
	store repository.PairingSessionRepository,
	m *metrics.Metrics,
	interval, retention time.Duration,
) *CleanupJob {
	return &CleanupJob{
		store:     store,
		metrics:   m,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	j.wg.Add(1)
	go j.run()
	log.Info().Dur("interval", j.interval).Dur("retention", j.retention).Msg("cleanup job started")
}

// Stop waits for an in-flight cleanup to finish.
func (j *CleanupJob) Stop() {
	close(j.done)
	j.wg.Wait()
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	cutoff := j.now().Add(-j.retention)
	count, err := j.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("failed to cleanup pairing sessions")
		return
	}
	j.metrics.SessionsReaped(count)
	if count > 0 {
		log.Info().Int64("count", count).Time("cutoff", cutoff).Msg("cleaned up pairing sessions")
	}
}
