package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/animatch/matchmaker/internal/logging"
)

// Job runs fn every interval until the context is cancelled. A failing run is
// logged and retried on the next tick; it does not restart the service.
type Job struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
	logger   zerolog.Logger
}

// NewJob creates a periodic job.
func NewJob(name string, interval time.Duration, fn func(ctx context.Context) error) *Job {
	return &Job{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logging.Component(name),
	}
}

// Serve implements suture.Service. The first run happens one interval after
// start.
func (j *Job) Serve(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce runs the job body once.
func (j *Job) RunOnce(ctx context.Context) {
	start := time.Now()
	if err := j.fn(ctx); err != nil {
		j.logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("job run failed")
		return
	}
	j.logger.Debug().Dur("elapsed", time.Since(start)).Msg("job run complete")
}

func (j *Job) String() string {
	return j.name
}
