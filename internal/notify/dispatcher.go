package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/animatch/matchmaker/internal/logging"
	"github.com/animatch/matchmaker/internal/metrics"
	"github.com/animatch/matchmaker/internal/protocol"
)

// Publisher delivers an encoded event to one user. *messaging.NATSClient
// satisfies it through PublishNotify.
type Publisher interface {
	PublishNotify(userID string, data []byte) error
}

// BreakerConfig tunes the circuit breaker in front of the publisher.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultBreakerConfig trips after five consecutive publish failures and
// probes again after 30 seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "notify",
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// Dispatcher publishes notifications. Delivery is best effort: failures are
// logged and counted but never returned to the caller, so a broken transport
// cannot fail the state change that produced the notification.
type Dispatcher struct {
	pub     Publisher
	breaker *gobreaker.CircuitBreaker[interface{}]
	logger  zerolog.Logger
}

// NewDispatcher wraps pub with a circuit breaker.
func NewDispatcher(pub Publisher, cfg BreakerConfig) *Dispatcher {
	logger := logging.Component("notify")
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}
	return &Dispatcher{
		pub:     pub,
		breaker: gobreaker.NewCircuitBreaker[interface{}](settings),
		logger:  logger,
	}
}

// Dispatch publishes each notification in order. It returns the number that
// were handed to the transport successfully.
func (d *Dispatcher) Dispatch(ctx context.Context, notes []Notification) int {
	sent := 0
	for _, n := range notes {
		if n.Recipient == "" {
			continue
		}
		if err := d.publish(n); err != nil {
			result := "failed"
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				result = "rejected"
			}
			metrics.NotificationsTotal.WithLabelValues(result).Inc()
			logging.Ctx(ctx).Warn().Err(err).
				Str("recipient", n.Recipient).
				Str("type", n.Type).
				Msg("notification not delivered")
			continue
		}
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
		sent++
	}
	return sent
}

// State reports the breaker state for health output.
func (d *Dispatcher) State() string {
	return d.breaker.State().String()
}

func (d *Dispatcher) publish(n Notification) error {
	data, err := protocol.EncodeEvent(protocol.NewEvent(n.Type, n.Payload))
	if err != nil {
		return err
	}
	_, err = d.breaker.Execute(func() (interface{}, error) {
		return nil, d.pub.PublishNotify(n.Recipient, data)
	})
	return err
}
