// Package sweeper closes help requests that stayed Pending past the timeout.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/frontdesk/internal/escalation"
	"github.com/kalambet/frontdesk/internal/metrics"
	"github.com/kalambet/frontdesk/internal/storage"
)

const (
	DefaultThreshold = 90 * time.Second
	DefaultInterval  = 5 * time.Second
)

// PendingLister lists requests still awaiting an answer.
type PendingLister interface {
	ListHelpRequestsByStatus(status storage.Status) ([]storage.HelpRequest, error)
}

// PendingCounter is implemented by stores that can count rows by status.
// The pending gauge uses it when available.
type PendingCounter interface {
	CountHelpRequestsByStatus(status storage.Status) (int, error)
}

// Expirer performs the timeout transition.
type Expirer interface {
	Expire(ctx context.Context, id string) (storage.HelpRequest, error)
}

// Config controls the sweep cadence. Zero values use the defaults.
type Config struct {
	Threshold time.Duration
	Interval  time.Duration
}

// Sweeper periodically expires stale Pending requests. Exactly one Sweeper
// must run against a store.
type Sweeper struct {
	store     PendingLister
	expirer   Expirer
	metrics   *metrics.Metrics
	threshold time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Sweeper.
func New(store PendingLister, expirer Expirer, m *metrics.Metrics, cfg Config) *Sweeper {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if m == nil {
		m = metrics.New()
	}
	return &Sweeper{
		store:     store,
		expirer:   expirer,
		metrics:   m,
		threshold: cfg.Threshold,
		interval:  cfg.Interval,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// Run sweeps every interval until ctx is cancelled. A failed tick is logged
// and the next tick runs as usual.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("timeout sweeper started", "threshold", s.threshold, "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("timeout sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.metrics.SweepErrors.Inc()
				s.logger.Error("timeout sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce expires every Pending request older than the threshold and
// returns how many it closed. Per-record failures are logged and skipped;
// only a failure to list pending requests is returned.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	s.metrics.Sweeps.Inc()

	pending, err := s.store.ListHelpRequestsByStatus(storage.StatusPending)
	var malformed *storage.MalformedRecordsError
	if errors.As(err, &malformed) {
		s.metrics.MalformedSkips.Add(float64(len(malformed.IDs)))
		for _, e := range malformed.Errs {
			s.logger.Warn("skipping malformed help request", "error", e)
		}
	} else if err != nil {
		return 0, fmt.Errorf("listing pending requests: %w", err)
	}

	now := s.now()
	expired := 0
	for _, hr := range pending {
		if ctx.Err() != nil {
			break
		}
		if now.Sub(hr.CreatedAt) <= s.threshold {
			continue
		}
		_, err := s.expirer.Expire(ctx, hr.ID)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, escalation.ErrAlreadyResolved):
			s.logger.Debug("request resolved before timeout", "request_id", hr.ID)
		default:
			s.logger.Warn("expiring help request failed", "request_id", hr.ID, "error", err)
		}
	}

	s.setPendingGauge(len(pending) - expired)
	if expired > 0 {
		s.logger.Info("timed out help requests", "count", expired)
	}
	return expired, nil
}

// setPendingGauge reports the stored Pending count, which includes requests
// created during the sweep and rows that could not be decoded. fallback is
// used when the store cannot count.
func (s *Sweeper) setPendingGauge(fallback int) {
	n := fallback
	if c, ok := s.store.(PendingCounter); ok {
		count, err := c.CountHelpRequestsByStatus(storage.StatusPending)
		if err != nil {
			s.logger.Warn("counting pending requests failed", "error", err)
		} else {
			n = count
		}
	}
	s.metrics.PendingRequests.Set(float64(n))
}
