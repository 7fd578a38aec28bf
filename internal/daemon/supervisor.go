// Package daemon drives refresh cycles back to back and gives up after
// repeated failures so that a service manager can restart the process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bryan-buckman/feedreader/internal/config"
	"github.com/bryan-buckman/feedreader/internal/metrics"
)

// ErrTooManyFailures is returned by Run when the failure score reaches the
// threshold.
var ErrTooManyFailures = errors.New("too many failed refresh cycles")

// Refresher runs one refresh cycle and recommends the next sleep.
type Refresher interface {
	Refresh(ctx context.Context) (time.Duration, error)
}

// Policy is the failure counter configuration.
type Policy struct {
	FailurePenalty   int
	SuccessCredit    int
	FailureThreshold int
	ErrorSleep       time.Duration
}

// PolicyFrom extracts the supervisor policy from the application config.
func PolicyFrom(c config.Config) Policy {
	return Policy{
		FailurePenalty:   c.Daemon.FailurePenalty,
		SuccessCredit:    c.Daemon.SuccessCredit,
		FailureThreshold: c.Daemon.FailureThreshold,
		ErrorSleep:       c.Refresh.ErrorSleep,
	}
}

// Supervisor repeats refresh cycles.
type Supervisor struct {
	refresher Refresher
	policy    Policy
	logger    *zap.Logger
	trigger   chan struct{}
	failures  int
}

// NewSupervisor creates a supervisor. A nil logger disables logging.
func NewSupervisor(r Refresher, p Policy, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		refresher: r,
		policy:    p,
		logger:    logger,
		trigger:   make(chan struct{}, 1),
	}
}

// Trigger requests an immediate cycle. Requests made while one is already
// pending are merged.
func (s *Supervisor) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Failures returns the current failure score. Not safe to call while Run
// is active.
func (s *Supervisor) Failures() int { return s.failures }

// Run performs a cycle right away and then whenever the recommended sleep
// has passed or Trigger was called. It returns nil once ctx is cancelled;
// a cycle in progress is finished first. It returns ErrTooManyFailures
// when the failure score reaches the threshold.
func (s *Supervisor) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopping")
			return nil
		case <-timer.C:
		case <-s.trigger:
			s.logger.Info("forced refresh")
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		sleep, err := s.cycle(ctx)
		if err != nil {
			return err
		}
		timer.Reset(sleep)
	}
}

func (s *Supervisor) cycle(ctx context.Context) (time.Duration, error) {
	// Shutdown must not interrupt a cycle's transactions.
	sleep, err := s.refresher.Refresh(context.WithoutCancel(ctx))
	if err == nil {
		s.failures = max(s.failures-s.policy.SuccessCredit, 0)
		metrics.SetFailureScore(s.failures)
		s.logger.Debug("refresh cycle succeeded",
			zap.Duration("sleep", sleep), zap.Int("failure_score", s.failures))
		return sleep, nil
	}

	s.failures += s.policy.FailurePenalty
	metrics.SetFailureScore(s.failures)
	s.logger.Error("refresh cycle failed",
		zap.Error(err), zap.Int("failure_score", s.failures))
	if s.failures >= s.policy.FailureThreshold {
		return 0, fmt.Errorf("%w: %w", ErrTooManyFailures, err)
	}
	return s.policy.ErrorSleep, nil
}
