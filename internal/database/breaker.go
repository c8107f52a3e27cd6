package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	applog "github.com/Aidin1998/leaguecore/pkg/logger"
)

// BreakerState is the externally visible state of a Breaker.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `json:"failure_threshold" yaml:"failure_threshold"`
	OpenTimeout      time.Duration `json:"open_timeout" yaml:"open_timeout"`
	FailureWindow    time.Duration `json:"failure_window" yaml:"failure_window"`
	HealthInterval   time.Duration `json:"health_interval" yaml:"health_interval"`
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		FailureWindow:    60 * time.Second,
		HealthInterval:   30 * time.Second,
	}
}

// Breaker gates calls to one backend. A single Breaker is shared by every
// caller of that backend.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// BreakerOption customises a Breaker.
type BreakerOption func(*gobreaker.Settings)

// WithSuccessClassifier overrides which errors count as backend failures.
// fn returns true for errors that should not count.
func WithSuccessClassifier(fn func(error) bool) BreakerOption {
	return func(s *gobreaker.Settings) {
		s.IsSuccessful = func(err error) bool { return err == nil || fn(err) }
	}
}

// NewBreaker creates a breaker named after the backend it protects.
func NewBreaker(name string, cfg BreakerConfig, logger *zap.Logger, opts ...BreakerOption) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	logger = applog.OrNop(logger)

	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.Named("breaker").With(zap.String("backend", name)),
		stopCh: make(chan struct{}),
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.FailureWindow,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				b.logger.Error("Circuit breaker opened, requests will fast-fail",
					zap.String("from", from.String()), zap.Duration("open_timeout", cfg.OpenTimeout))
			case gobreaker.StateHalfOpen:
				b.logger.Info("Circuit breaker half-open, probing backend recovery")
			case gobreaker.StateClosed:
				b.logger.Info("Circuit breaker closed, backend is healthy", zap.String("from", from.String()))
			}
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isCallerError(err)
		},
	}
	for _, opt := range opts {
		opt(&settings)
	}

	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Name returns the backend name.
func (b *Breaker) Name() string { return b.name }

// Execute runs op unless the breaker is open. Rejected calls return
// ErrCircuitOpen without invoking op; op's own error is returned unchanged.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, op(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.logger.Debug("Request rejected by circuit breaker", zap.String("state", string(b.State())))
		return fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
	}
	return err
}

// Allow reports whether a call would currently be admitted.
func (b *Breaker) Allow() bool {
	return b.cb.State() != gobreaker.StateOpen
}

// RecordFailure counts err against the backend outside of Execute. It is a
// no-op while the breaker is open.
func (b *Breaker) RecordFailure(err error) {
	if err == nil {
		return
	}
	_, _ = b.cb.Execute(func() (interface{}, error) { return nil, err })
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() uint32 {
	return b.cb.Counts().ConsecutiveFailures
}

// StartHealthLoop probes the backend every HealthInterval through Execute,
// so a successful probe closes a half-open breaker and a failed probe counts
// as an ordinary failure.
func (b *Breaker) StartHealthLoop(ctx context.Context, probe func(ctx context.Context) error) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ticker := time.NewTicker(b.cfg.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, b.cfg.HealthInterval)
				if err := b.Execute(probeCtx, probe); err != nil && !errors.Is(err, ErrCircuitOpen) {
					b.logger.Warn("Health probe failed",
						zap.Error(err), zap.Uint32("failures", b.Failures()))
				}
				cancel()
			}
		}
	}()
}

// Stop halts the health loop. It is safe to call more than once.
func (b *Breaker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}
