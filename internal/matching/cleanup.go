package matching

import (
	"context"
	"time"

	"github.com/animatch/matchmaker/internal/logging"
	"github.com/animatch/matchmaker/internal/metrics"
)

const defaultCleanupInterval = time.Minute

// Janitor is what the cleanup loop needs from the queue.
type Janitor interface {
	PurgeExpired(ctx context.Context) (int, error)
	Size(ctx context.Context) (int64, error)
}

// Cleanup periodically drops expired queue members and refreshes the queue
// size gauge. It implements suture.Service.
type Cleanup struct {
	queue    Janitor
	interval time.Duration
}

// NewCleanup creates the cleanup loop. A non-positive interval falls back to
// one minute.
func NewCleanup(queue Janitor, interval time.Duration) *Cleanup {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	return &Cleanup{queue: queue, interval: interval}
}

// Serve runs until ctx is cancelled.
func (c *Cleanup) Serve(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	log := logging.Component("queue-cleanup")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("cleanup loop stopped")
			return ctx.Err()
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cleanup pass.
func (c *Cleanup) RunOnce(ctx context.Context) {
	log := logging.Component("queue-cleanup")

	removed, err := c.queue.PurgeExpired(ctx)
	if err != nil {
		log.Error().Err(err).Msg("purge expired entries")
	} else if removed > 0 {
		log.Info().Int("removed", removed).Msg("removed expired queue entries")
	}

	size, err := c.queue.Size(ctx)
	if err != nil {
		log.Error().Err(err).Msg("queue size")
		return
	}
	metrics.QueueSize.Set(float64(size))
}

func (c *Cleanup) String() string { return "queue-cleanup" }
