package doclock

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"pkt.systems/doclock/internal/core"
	"pkt.systems/doclock/internal/loggingutil"
	"pkt.systems/pslog"
)

// reapTimeout bounds a single sweep so a stuck backend cannot pin the
// scheduler goroutine forever.
const reapTimeout = 2 * time.Minute

// cronLogger adapts pslog to cron.Logger.
type cronLogger struct {
	logger pslog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("server.reaper.cron", append([]any{"message", msg}, keysAndValues...)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("server.reaper.cron", append([]any{"message", msg, "error", err}, keysAndValues...)...)
}

func (s *Server) newReaper(spec string) (*cron.Cron, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("reap schedule %q: %w", spec, err)
	}
	logger := cronLogger{logger: loggingutil.WithSubsystem(s.logger, "server.reaper")}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(schedule, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
		defer cancel()
		_, _ = s.ReapNow(ctx)
	}))
	return c, nil
}

func (s *Server) startReaper() {
	if s.reaper == nil {
		return
	}
	s.reaperOnce.Do(s.reaper.Start)
}

func (s *Server) stopReaper() {
	if s.reaper == nil {
		return
	}
	<-s.reaper.Stop().Done()
}

// ReapNow runs one expired-lock sweep immediately, independent of the
// configured schedule.
func (s *Server) ReapNow(ctx context.Context) (*core.ReapResult, error) {
	logger := loggingutil.WithSubsystem(s.logger, "server.reaper")
	started := time.Now()
	result, err := s.Service().ReapExpired(ctx)
	if err != nil {
		logger.Warn("server.reaper.sweep_failed", "error", err)
		return result, err
	}
	if result.Reaped > 0 || result.Failed > 0 {
		logger.Info("server.reaper.sweep",
			"scanned", result.Scanned,
			"reaped", result.Reaped,
			"failed", result.Failed,
			"elapsed", time.Since(started),
		)
	} else {
		logger.Debug("server.reaper.sweep", "scanned", result.Scanned, "elapsed", time.Since(started))
	}
	return result, nil
}
