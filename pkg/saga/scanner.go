package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ScannerConfig controls the timeout scanner.
type ScannerConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// BatchSize caps how many expired sagas one sweep picks up.
	BatchSize int
	// RatePerSecond paces compensation triggers within a sweep so a large
	// backlog of expired sagas does not stampede downstream services.
	RatePerSecond float64
}

// DefaultScannerConfig returns the default sweep policy.
func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{
		Interval:      10 * time.Second,
		BatchSize:     100,
		RatePerSecond: 20,
	}
}

// TimeoutScanner periodically sweeps for sagas whose deadline passed: active
// sagas are moved to TIMEOUT and handed to the compensation engine, and
// COMPENSATING sagas left behind by a crash are re-driven through the engine
// so a partially-compensated saga settles after a restart. Running one
// scanner per node is safe: the optimistic version guard makes losing
// sweepers skip records a peer already claimed, and compensation actions are
// idempotent by contract.
type TimeoutScanner struct {
	store   Store
	engine  *Engine
	cfg     ScannerConfig
	limiter *rate.Limiter
	metrics MetricsRecorder
	logger  Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewTimeoutScanner creates a scanner. Zero config fields fall back to
// defaults.
func NewTimeoutScanner(store Store, engine *Engine, cfg ScannerConfig, metrics MetricsRecorder, logger Logger) (*TimeoutScanner, error) {
	if store == nil {
		return nil, fmt.Errorf("saga: scanner store cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("saga: scanner engine cannot be nil")
	}
	defaults := DefaultScannerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaults.RatePerSecond
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &TimeoutScanner{
		store:   store,
		engine:  engine,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		metrics: metrics,
		logger:  logger,
	}, nil
}

// Start launches the sweep loop in a goroutine.
func (s *TimeoutScanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("saga: timeout scanner already running")
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(ctx, s.stop, s.done)
	s.logger.Info("timeout scanner started",
		"interval", s.cfg.Interval,
		"batchSize", s.cfg.BatchSize)
	return nil
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *TimeoutScanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
	s.logger.Info("timeout scanner stopped")
}

func (s *TimeoutScanner) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("timeout sweep failed", "error", err)
			}
		}
	}
}

// RunOnce performs one sweep and returns how many sagas it drove, whether
// timed out or resumed.
func (s *TimeoutScanner) RunOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	expired, err := s.store.ListExpired(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("saga: list expired: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	claimed := 0
	for _, rec := range expired {
		if err := s.limiter.Wait(ctx); err != nil {
			return claimed, err
		}
		if rec.Status == StatusCompensating {
			if s.resume(ctx, rec) {
				claimed++
			}
			continue
		}
		if s.timeOut(ctx, rec) {
			claimed++
		}
	}
	s.metrics.RecordTimeoutSweep(claimed)
	s.logger.Info("timeout sweep finished",
		"expired", len(expired),
		"claimed", claimed)
	return claimed, nil
}

// resume re-drives a compensation run that was interrupted mid-flight. No
// status claim is needed: the engine resumes COMPENSATING records and the
// settle write is version guarded, so a concurrent resumer loses harmlessly.
func (s *TimeoutScanner) resume(ctx context.Context, rec *Record) bool {
	s.logger.Warn("resuming interrupted compensation",
		"sagaId", rec.SagaID,
		"sagaType", rec.SagaType,
		"userId", rec.UserID)
	if _, err := s.engine.ExecuteCompensation(ctx, rec.SagaID, "Compensation resumed after restart"); err != nil {
		s.logger.Error("compensation resume failed",
			"sagaId", rec.SagaID,
			"error", err)
		return false
	}
	return true
}

// timeOut claims one expired saga and triggers compensation. Losing the
// version race means another worker handled it; that is not an error.
func (s *TimeoutScanner) timeOut(ctx context.Context, rec *Record) bool {
	rec.SetFailure("TIMEOUT", "saga execution timeout")
	if err := rec.TransitionTo(StatusTimeout); err != nil {
		s.logger.Warn("timeout transition rejected",
			"sagaId", rec.SagaID,
			"status", rec.Status,
			"error", err)
		return false
	}
	if err := s.store.Update(ctx, rec); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			s.logger.Debug("timeout claim lost", "sagaId", rec.SagaID)
			return false
		}
		s.logger.Error("timeout update failed",
			"sagaId", rec.SagaID,
			"error", err)
		return false
	}

	s.logger.Warn("saga timed out",
		"sagaId", rec.SagaID,
		"sagaType", rec.SagaType,
		"userId", rec.UserID,
		"currentStep", rec.CurrentStep,
		"timeoutAt", rec.TimeoutAt)
	if _, err := s.engine.ExecuteCompensation(ctx, rec.SagaID, "Saga timeout"); err != nil {
		s.logger.Error("timeout compensation failed",
			"sagaId", rec.SagaID,
			"error", err)
	}
	return true
}
