// Package breaker builds circuit breakers for outbound clients.
package breaker

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Config holds circuit breaker settings.
type Config struct {
	MaxRequests         uint32        // probes allowed while half-open
	Interval            time.Duration // closed-state count reset period
	OpenTimeout         time.Duration // how long the breaker stays open
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

func DefaultConfig() Config {
	return Config{
		MaxRequests:         1,
		Interval:            time.Minute,
		OpenTimeout:         30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         20,
	}
}

// New returns a breaker named after the remote service. isFailure decides which errors count
// against the breaker; nil counts every error.
func New(name string, cfg Config, logger *slog.Logger, isFailure func(error) bool) *gobreaker.CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultConfig().ConsecutiveFailures
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.MinRequests == 0 || counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "component", "breaker", "service", name, "from", from.String(), "to", to.String())
		},
	}
	if isFailure != nil {
		settings.IsSuccessful = func(err error) bool { return err == nil || !isFailure(err) }
	}
	return gobreaker.NewCircuitBreaker(settings)
}

// IsOpen reports whether err was produced by a breaker refusing the call.
func IsOpen(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}
