package githubapp

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// breakerSet holds one circuit breaker per (installation, resource) pair so
// a dying Checks API does not take artifact downloads with it.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerSet() *breakerSet {
	return &breakerSet{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (s *breakerSet) get(installation int64, resource string) *gobreaker.CircuitBreaker {
	key := fmt.Sprintf("%d/%s", installation, resource)

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[key]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Host circuit breaker state changed")
		},
	})
	s.breakers[key] = cb
	return cb
}

// execute runs fn through the breaker for the pair.
func (s *breakerSet) execute(installation int64, resource string, fn func() error) error {
	_, err := s.get(installation, resource).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}
