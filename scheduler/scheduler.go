// Package scheduler periodically scans the item store and applies the
// automatic lifecycle transitions.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/slashbinslashnoname/agromarket-bot/lifecycle"
	"github.com/slashbinslashnoname/agromarket-bot/metrics"
	"github.com/slashbinslashnoname/agromarket-bot/models"
)

const (
	DefaultPollInterval = 5 * time.Minute
	DefaultPageSize     = 100
)

// Store is the read side of the item store a scan pass needs
type Store interface {
	FetchPage(ctx context.Context, kind models.Kind, status models.Status, afterID int64, limit int) ([]models.Item, error)
}

// Applier persists a transition and performs its best-effort effects
type Applier interface {
	Apply(ctx context.Context, it models.Item, tr *lifecycle.Transition) (bool, error)
	Failed(ctx context.Context, logger zerolog.Logger, effect string, err error, summary string)
}

// Prompter opens the completion dialog for an expired ad
type Prompter interface {
	Begin(ctx context.Context, it models.Item) error
}

// Options configures a Scheduler
type Options struct {
	PollInterval time.Duration
	PageSize     int
	StoreTimeout time.Duration
	Rules        lifecycle.Rules
}

// Scheduler runs expiration scan passes on a fixed cadence
type Scheduler struct {
	store    Store
	applier  Applier
	prompter Prompter
	opts     Options
	now      func() time.Time
}

// scan is one (kind, status) slice of a pass, in scan order
type scan struct {
	kind   models.Kind
	status models.Status
}

// Pending requests go first so a request never expires and is deleted in
// the same pass.
var scans = []scan{
	{models.KindAd, models.StatusActive},
	{models.KindRequest, models.StatusPendingResponse},
	{models.KindRequest, models.StatusActive},
}

// New creates a Scheduler. Zero options fall back to the defaults.
func New(store Store, applier Applier, prompter Prompter, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 10 * time.Second
	}
	if opts.Rules == (lifecycle.Rules{}) {
		opts.Rules = lifecycle.DefaultRules
	}
	if opts.Rules.MinNotice <= 0 {
		opts.Rules.MinNotice = opts.PollInterval
	}
	return &Scheduler{
		store:    store,
		applier:  applier,
		prompter: prompter,
		opts:     opts,
		now:      time.Now,
	}
}

// Run sleeps and scans until ctx is cancelled. Failed passes are logged and
// retried on the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().
		Dur("poll_interval", s.opts.PollInterval).
		Int("page_size", s.opts.PageSize).
		Msg("Expiration scheduler started")

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Expiration scheduler stopped")
			return nil
		case <-ticker.C:
		}

		if err := s.Pass(ctx); err != nil && ctx.Err() == nil {
			metrics.PassFailuresTotal.Inc()
			log.Error().Err(err).Msg("Expiration pass failed")
		}
	}
}

// Pass performs one full scan of all eligible items against a single now
func (s *Scheduler) Pass(ctx context.Context) error {
	started := time.Now()
	defer func() { metrics.PassDuration.Observe(time.Since(started).Seconds()) }()

	now := s.now()
	var transitioned int
	for _, sc := range scans {
		n, err := s.scan(ctx, sc, now)
		transitioned += n
		if err != nil {
			return err
		}
	}

	log.Debug().Int("transitioned", transitioned).Dur("took", time.Since(started)).Msg("Expiration pass finished")
	return nil
}

func (s *Scheduler) scan(ctx context.Context, sc scan, now time.Time) (int, error) {
	var (
		afterID      int64
		transitioned int
	)
	for {
		// Shutdown is honoured between pages only.
		if err := ctx.Err(); err != nil {
			return transitioned, err
		}

		pageCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
		page, err := s.store.FetchPage(pageCtx, sc.kind, sc.status, afterID, s.opts.PageSize)
		cancel()
		if err != nil {
			s.applier.Failed(ctx, log.Logger, "fetch", err, fmt.Sprintf("Failed to scan %s items in %s", sc.kind, sc.status))
			return transitioned, errors.Wrapf(err, "scan %s/%s", sc.kind, sc.status)
		}

		// A started page is finished even if shutdown begins meanwhile;
		// every call below carries its own timeout.
		pageWork := context.WithoutCancel(ctx)
		for _, it := range page {
			afterID = it.ID
			if s.process(pageWork, it, now) {
				transitioned++
			}
		}

		if len(page) < s.opts.PageSize {
			return transitioned, nil
		}
	}
}

// process applies the due transition for one item, containing every failure
func (s *Scheduler) process(ctx context.Context, it models.Item, now time.Time) bool {
	logger := log.With().
		Str("kind", string(it.Kind)).
		Str("unique_id", it.UniqueID).
		Str("status", string(it.Status)).
		Logger()

	tr, err := s.opts.Rules.Decide(it, now)
	if errors.Is(err, lifecycle.ErrMissingTimestamp) {
		metrics.SkippedItemsTotal.WithLabelValues(string(it.Kind), "timestamp").Inc()
		logger.Warn().Str("created_at", it.CreatedAtRaw).Msg("Skipping item with unparsable created_at")
		return false
	}
	if err != nil || tr == nil {
		return false
	}

	applied, err := s.applier.Apply(ctx, it, tr)
	if err != nil {
		metrics.SkippedItemsTotal.WithLabelValues(string(it.Kind), "store").Inc()
		s.applier.Failed(ctx, logger, "transition", err, fmt.Sprintf("Failed to move %s %s to %s", it.Kind, it.UniqueID, tr.To))
		return false
	}
	if !applied {
		return false
	}

	if tr.Has(lifecycle.EffectPromptPrice) && s.prompter != nil {
		if err := s.prompter.Begin(ctx, it); err != nil {
			s.applier.Failed(ctx, logger, "prompt", err, fmt.Sprintf("Failed to prompt user %d about ad %s", it.OwnerID, it.UniqueID))
		}
	}
	return true
}
