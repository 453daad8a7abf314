// Package reaper periodically sweeps the session registry, tearing down
// sessions whose process died and sessions that have been idle too long.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/AltairaLabs/sessionbridge/internal/config"
	"github.com/AltairaLabs/sessionbridge/internal/session"
)

// Registry is the part of the session registry the reaper drives
type Registry interface {
	ListAll() []session.Info
	IsAlive(id string) bool
	Destroy(ctx context.Context, id, reason string) error
	ReapIfIdle(id string, idleTimeout time.Duration) bool
	MarkIdle(id string, idleAfter time.Duration) bool
}

// Observer is told about every completed sweep
type Observer interface {
	SweepCompleted(res SweepResult, took time.Duration)
}

// Config controls sweep timing. A zero IdleTimeout disables idle reaping.
type Config struct {
	Interval    time.Duration
	IdleAfter   time.Duration
	IdleTimeout time.Duration
}

// ConfigFromConfig builds reaper settings from the loaded configuration
func ConfigFromConfig(cfg config.Config) Config {
	return Config{
		Interval:    cfg.Reaper.Interval,
		IdleAfter:   cfg.Sessions.IdleAfter,
		IdleTimeout: cfg.Sessions.IdleTimeout,
	}
}

// SweepResult counts what one sweep did
type SweepResult struct {
	Crashed int
	Idled   int
	Reaped  int
}

// Reaper sweeps a registry on a fixed interval
type Reaper struct {
	registry Registry
	cfg      Config
	logger   *slog.Logger
	observer Observer
}

// New creates a reaper over registry
func New(registry Registry, cfg Config, logger *slog.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultReapInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
}

// SetObserver attaches a sweep observer. Call before Start.
func (r *Reaper) SetObserver(o Observer) {
	r.observer = o
}

// Start runs sweeps until ctx is canceled
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("Session reaper started",
		"interval", r.cfg.Interval,
		"idle_after", r.cfg.IdleAfter,
		"idle_timeout", r.cfg.IdleTimeout,
	)

	for {
		select {
		case <-ticker.C:
			started := time.Now()
			res := r.Sweep(ctx)
			if r.observer != nil {
				r.observer.SweepCompleted(res, time.Since(started))
			}
			if res.Crashed > 0 || res.Reaped > 0 {
				r.logger.Info("Reaped sessions",
					"crashed", res.Crashed,
					"idle", res.Reaped,
				)
			}
		case <-ctx.Done():
			r.logger.Info("Session reaper stopped")
			return
		}
	}
}

// Sweep makes one pass over the registry. Sessions still starting are left
// to their creator.
func (r *Reaper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	for _, info := range r.registry.ListAll() {
		if ctx.Err() != nil {
			return res
		}
		if info.State != session.StateActive && info.State != session.StateIdle {
			continue
		}

		if !r.registry.IsAlive(info.ID) {
			r.logger.Debug("Session process is gone", "session_id", info.ID, "owner", info.Owner)
			if err := r.registry.Destroy(ctx, info.ID, session.ReasonProcessExited); err != nil {
				r.logger.Warn("Failed to destroy crashed session", "session_id", info.ID, "error", err)
				continue
			}
			res.Crashed++
			continue
		}

		if r.cfg.IdleTimeout > 0 && r.registry.ReapIfIdle(info.ID, r.cfg.IdleTimeout) {
			res.Reaped++
			continue
		}
		if r.cfg.IdleAfter > 0 && r.registry.MarkIdle(info.ID, r.cfg.IdleAfter) {
			res.Idled++
		}
	}
	return res
}
