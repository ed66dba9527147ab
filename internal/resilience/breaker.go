// Package resilience wraps outbound dependencies in circuit breakers so a
// flapping vector store or LLM endpoint fails fast instead of piling up
// blocked requests.
package resilience

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Breaker guards one outbound dependency.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker that opens after 5+ requests with a failure
// ratio of at least 0.6, and probes again after 30 seconds.
func NewBreaker(name string) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && ratio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Do runs fn through the breaker. While the breaker is open, fn is not
// invoked and gobreaker.ErrOpenState is returned immediately.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// State returns the current breaker state for health reporting.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
