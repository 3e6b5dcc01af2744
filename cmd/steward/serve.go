package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/steward/internal/broadcast"
	"github.com/nugget/steward/internal/buildinfo"
	"github.com/nugget/steward/internal/chat"
	"github.com/nugget/steward/internal/config"
	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/monitor"
	"github.com/nugget/steward/internal/mqtt"
	"github.com/nugget/steward/internal/scheduler"
)

// pruneInterval is how often execution history is trimmed to the
// configured retention while serving.
const pruneInterval = 24 * time.Hour

// runServe handles "steward serve". It opens the history database and
// plan file, bootstraps the configured sessions, and runs the scheduler
// until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. The signal cancels ctx, which stops the scheduler loops and watchers
//  2. Every session is closed, failing any exchange still in flight
//  3. In-flight executions are awaited
//  4. MQTT publishes "offline" and disconnects
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, logCloser, err := newLogger(stdout, cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("starting Steward",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
		"backend", cfg.Backend.Kind,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()

	// --- Execution history ---
	var history *scheduler.Store
	if cfg.Scheduler.HistoryDB != "" {
		history, err = scheduler.NewStore(cfg.Scheduler.HistoryDB)
		if err != nil {
			return fmt.Errorf("open history database: %w", err)
		}
		defer history.Close()
		logger.Info("execution history enabled", "path", cfg.Scheduler.HistoryDB)
		pruneHistory(history, cfg.Scheduler.HistoryRetention, logger)
	}

	// --- Task plans ---
	var plans *scheduler.PlanStore
	if cfg.Plans.Path != "" {
		plans, err = scheduler.NewPlanStore(cfg.Plans.Path, logger)
		if err != nil {
			return fmt.Errorf("open task plans: %w", err)
		}
		logger.Info("task plans loaded", "path", plans.Path(), "plans", len(plans.List()))
	}

	// --- Scheduler, transcript hub, continuation monitor ---
	sched := scheduler.New(sessionFactory(cfg, logger), scheduler.Options{
		Tick:      cfg.Scheduler.Tick,
		QueueSize: cfg.Scheduler.QueueSize,
		Logger:    logger,
		History:   history,
		Plans:     plans,
		Bus:       bus,
		Debug:     cfg.Debug,
	})

	hub := broadcast.New(broadcast.Options{Bus: bus, Logger: logger})
	mon := monitor.New(monitor.PolicyFromConfig(cfg.Monitoring), cfg.Monitoring.Enabled, sched, hub, logger)
	sched.SetBroadcaster(hub)
	sched.SetMonitor(mon)

	// --- MQTT ---
	// The publisher outlives ctx so it can relay session shutdown events
	// and announce "offline" before disconnecting.
	var pub *mqtt.Publisher
	pubDone := make(chan struct{})
	pubCtx, pubCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer pubCancel()
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load instance id: %w", err)
		}
		pub = mqtt.New(cfg.MQTT, instanceID, bus, schedulerStats{sched}, logger)
		go func() {
			defer close(pubDone)
			if err := pub.Start(pubCtx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"instance_id", instanceID,
		)
	} else {
		close(pubDone)
		logger.Info("mqtt publishing disabled (not configured)")
	}

	bootstrapSessions(ctx, sched, cfg.Sessions, logger)

	logger.Info("sessions ready",
		"configured", len(cfg.Sessions),
		"started", len(sched.Sessions()),
		"tasks", len(sched.AllTasks()),
	)

	stopDebugToggle := watchDebugToggle(ctx, sched, cfg.Debug, logger)
	defer stopDebugToggle()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })

	if plans != nil && cfg.Plans.Watch {
		g.Go(func() error {
			err := plans.Watch(gctx, func() {
				logger.Info("task plans changed on disk", "plans", len(plans.List()))
			})
			if err != nil {
				// Plans still work from memory; only live reload is lost.
				logger.Warn("task plan watcher stopped", "error", err)
			}
			return nil
		})
	}

	if history != nil && cfg.Scheduler.HistoryRetention > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(pruneInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					pruneHistory(history, cfg.Scheduler.HistoryRetention, logger)
				}
			}
		})
	}

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("scheduler stopped", "error", runErr)
	}
	logger.Info("shutting down", "sessions", len(sched.Sessions()))

	if err := sched.Close(); err != nil {
		logger.Warn("session close errors", "error", err)
	}

	if pub != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := pub.Stop(stopCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
		stopCancel()
	}
	pubCancel()
	<-pubDone

	st := mon.Stats()
	logger.Info("Steward stopped",
		"uptime", buildinfo.Uptime().Round(time.Second),
		"continuations_sent", st.ContinuationsSent,
		"chains_capped", st.ChainsCapped,
	)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// sessionFactory returns the scheduler's session constructor: one fresh
// transport per session, started before registration.
func sessionFactory(cfg *config.Config, logger *slog.Logger) scheduler.SessionFactory {
	opts := chat.OptionsFromConfig(cfg, logger)
	return func(ctx context.Context, id string) (scheduler.Session, error) {
		t, err := chat.NewTransport(cfg, logger)
		if err != nil {
			return nil, err
		}
		sess := chat.NewSession(id, t, opts)
		if err := sess.Start(ctx); err != nil {
			_ = sess.Close()
			return nil, err
		}
		return sess, nil
	}
}

// bootstrapSessions creates the configured sessions and schedules their
// tasks. A session that fails to start is logged and skipped so the
// rest still run.
func bootstrapSessions(ctx context.Context, sched *scheduler.Scheduler, sessions []config.SessionConfig, logger *slog.Logger) {
	for _, sc := range sessions {
		sess, err := sched.CreateSession(ctx, sc.ID)
		if err != nil {
			logger.Error("session failed to start", "session", sc.ID, "error", err)
			continue
		}
		id := sess.ID()

		if sc.Plan != "" {
			if _, err := sched.LoadPlan(sc.Plan, id); err != nil {
				logger.Error("task plan not loaded", "session", id, "plan", sc.Plan, "error", err)
			}
		}
		for _, tc := range sc.Tasks {
			if _, err := sched.Schedule(id, tc.Message, tc.Schedule); err != nil {
				logger.Error("task not scheduled",
					"session", id,
					"message", tc.Message,
					"schedule", tc.Schedule,
					"error", err,
				)
			}
		}
	}
}

// pruneHistory drops history rows older than retention.
func pruneHistory(history *scheduler.Store, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	n, err := history.PruneExecutions(time.Now().Add(-retention))
	if err != nil {
		logger.Warn("history prune failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("execution history pruned", "rows", n, "retention", retention)
	}
}

// schedulerStats adapts the scheduler to [mqtt.StatsSource].
type schedulerStats struct {
	sched *scheduler.Scheduler
}

func (s schedulerStats) SessionCount() int { return len(s.sched.Sessions()) }
func (s schedulerStats) TaskCount() int    { return len(s.sched.AllTasks()) }
