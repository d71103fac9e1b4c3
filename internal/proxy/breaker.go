package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avamtls/internal/config"
	"github.com/vyrodovalexey/avamtls/internal/observability"
)

// Circuit breaker defaults applied when the route leaves a field unset.
const (
	defaultBreakerThreshold = 5
	defaultBreakerTimeout   = 30 * time.Second
	defaultBreakerHalfOpen  = 1
)

// BreakerStateFunc is called when a breaker changes state.
// state is 0 for closed, 1 for half-open and 2 for open.
type BreakerStateFunc func(route string, state int)

// errServerStatus marks a 5xx response as a breaker failure.
type errServerStatus int

func (e errServerStatus) Error() string {
	return fmt.Sprintf("upstream returned status %d", int(e))
}

// Breaker guards one route with a gobreaker.CircuitBreaker.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	logger observability.Logger
}

// NewBreaker creates a breaker for route. It trips after Threshold
// consecutive failures and probes again after Timeout.
func NewBreaker(
	route string,
	cfg *config.CircuitBreakerConfig,
	logger observability.Logger,
	onState BreakerStateFunc,
) *Breaker {
	if logger == nil {
		logger = observability.NopLogger()
	}

	threshold := uint32(defaultBreakerThreshold)
	if cfg.Threshold > 0 {
		threshold = safeUint32(cfg.Threshold)
	}
	timeout := defaultBreakerTimeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout.Duration()
	}
	halfOpen := uint32(defaultBreakerHalfOpen)
	if cfg.HalfOpenMax > 0 {
		halfOpen = safeUint32(cfg.HalfOpenMax)
	}

	b := &Breaker{logger: logger}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        route,
		MaxRequests: halfOpen,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A client that hung up says nothing about the upstream.
			var upErr *UpstreamError
			return err == nil || (errors.As(err, &upErr) && upErr.Reason == ReasonCanceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Info("circuit breaker state change",
				observability.String("route", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			if onState != nil {
				onState(name, int(to))
			}
		},
	})

	return b
}

func safeUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n) //nolint:gosec // bounds checked above
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Do runs next through the breaker. A status of 500 or above or a
// transport failure recorded on the writer counts as a failure. When the
// breaker rejects the request next is not called and the gobreaker error
// is returned.
func (b *Breaker) Do(w *statusWriter, r *http.Request, next http.Handler) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		next.ServeHTTP(w, r)

		if w.upstreamErr != nil {
			return nil, w.upstreamErr
		}
		if w.status >= http.StatusInternalServerError {
			return nil, errServerStatus(w.status)
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return err
	}
	return nil
}
