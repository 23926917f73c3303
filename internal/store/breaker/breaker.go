// Package breaker guards an index store with a circuit breaker so a failing
// backend is shed quickly instead of stalling every search.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/ehr/fhirindex/internal/index"
)

// Config holds circuit breaker settings.
type Config struct {
	Name string
	// MaxRequests is the number of probes let through while half-open.
	MaxRequests uint32
	// Interval clears the counts while closed. Zero never clears them.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// FailureThreshold opens the breaker after that many consecutive failures.
	FailureThreshold uint32
}

// DefaultConfig returns settings suited to a local or pooled backend.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// StateReporter is told about every state transition, e.g. to export a gauge.
type StateReporter interface {
	BreakerState(name string, state gobreaker.State)
}

// Store decorates an index.Store with a circuit breaker.
type Store struct {
	next   index.Store
	cb     *gobreaker.CircuitBreaker
	logger zerolog.Logger
}

var _ index.Store = (*Store)(nil)

// New wraps next. reporter may be nil.
func New(next index.Store, cfg Config, logger zerolog.Logger, reporter StateReporter) *Store {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	s := &Store{next: next, logger: logger}
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			if reporter != nil {
				reporter.BreakerState(name, to)
			}
		},
		IsSuccessful: isSuccessful,
	})
	if reporter != nil {
		reporter.BreakerState(cfg.Name, gobreaker.StateClosed)
	}
	return s
}

// Caller cancellations say nothing about the backend's health.
func isSuccessful(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsOpen reports whether the breaker is an error condition for err.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// State returns the current breaker state.
func (s *Store) State() gobreaker.State {
	return s.cb.State()
}

func (s *Store) Put(ctx context.Context, docs ...index.Document) error {
	_, err := s.cb.Execute(func() (any, error) {
		return nil, s.next.Put(ctx, docs...)
	})
	return err
}

func (s *Store) Delete(ctx context.Context, filter index.Predicate) (int, error) {
	n, err := s.cb.Execute(func() (any, error) {
		return s.next.Delete(ctx, filter)
	})
	if err != nil {
		return 0, err
	}
	return n.(int), nil
}

func (s *Store) Find(ctx context.Context, q index.Query) ([]index.Document, error) {
	docs, err := s.cb.Execute(func() (any, error) {
		return s.next.Find(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return docs.([]index.Document), nil
}

func (s *Store) Count(ctx context.Context, filter index.Predicate) (int, error) {
	n, err := s.cb.Execute(func() (any, error) {
		return s.next.Count(ctx, filter)
	})
	if err != nil {
		return 0, err
	}
	return n.(int), nil
}

func (s *Store) Clean(ctx context.Context) error {
	_, err := s.cb.Execute(func() (any, error) {
		return nil, s.next.Clean(ctx)
	})
	return err
}

// Ping checks the wrapped store when it supports it. Pings bypass the
// breaker so health checks keep reporting the backend's real state.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.next.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *Store) Close() error {
	return s.next.Close()
}
