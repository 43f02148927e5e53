// Package jobs runs periodic maintenance on a cron schedule.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/local-heroes/internal/metrics"
)

// TokenSweeper deletes expired refresh token records.
type TokenSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Scheduler wraps a cron runner whose jobs never overlap themselves.
type Scheduler struct {
	cron *cron.Cron
	log  logrus.FieldLogger
}

func NewScheduler(log logrus.FieldLogger) *Scheduler {
	log = log.WithField("component", "jobs")
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log}))),
		log:  log,
	}
}

// AddTokenSweep schedules SweepExpired on spec, a standard five-field
// cron expression or descriptor such as "@weekly".
func (s *Scheduler) AddTokenSweep(spec string, sweeper TokenSweeper) error {
	_, err := s.cron.AddFunc(spec, func() { RunTokenSweep(context.Background(), sweeper, s.log) })
	if err != nil {
		return fmt.Errorf("schedule token sweep %q: %w", spec, err)
	}
	s.log.WithField("schedule", spec).Info("token sweep scheduled")
	return nil
}

// RunTokenSweep performs one sweep and records the result.
func RunTokenSweep(ctx context.Context, sweeper TokenSweeper, log logrus.FieldLogger) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	n, err := sweeper.SweepExpired(ctx)
	if err != nil {
		log.WithError(err).Error("token sweep failed")
		return 0, err
	}
	metrics.ObserveSweep(n)
	return n, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop prevents new runs and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out")
	}
}

// cronLogger routes cron's own messages to logrus.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.WithFields(kv(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.WithError(err).WithFields(kv(keysAndValues)).Error(msg)
}

func kv(pairs []any) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(pairs); i += 2 {
		f[fmt.Sprint(pairs[i])] = pairs[i+1]
	}
	return f
}
