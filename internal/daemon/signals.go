package daemon

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
)

// ErrInterrupted is returned by RunWithSignals after SIGINT.
var ErrInterrupted = errors.New("interrupted by SIGINT")

// RunWithSignals runs the supervisor until ctx ends or a signal stops it.
// SIGHUP forces a refresh, SIGTERM stops cleanly and SIGINT stops with
// ErrInterrupted.
func (s *Supervisor) RunWithSignals(ctx context.Context) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				switch sig {
				case syscall.SIGHUP:
					s.logger.Info("SIGHUP: triggering refresh")
					s.Trigger()
				case syscall.SIGTERM:
					s.logger.Info("SIGTERM: terminating")
					cancel(nil)
					return
				case syscall.SIGINT:
					cancel(ErrInterrupted)
					return
				}
			}
		}
	}()

	if err := s.Run(ctx); err != nil {
		return err
	}
	if cause := context.Cause(ctx); errors.Is(cause, ErrInterrupted) {
		return cause
	}
	return nil
}
