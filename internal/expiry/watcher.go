// Package expiry watches open rounds and reports the ones whose deadline
// passes before every depositor has paid in.
package expiry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jmerrifield20/fundround/internal/funding/model"
	"github.com/jmerrifield20/fundround/internal/funding/repository"
	"github.com/jmerrifield20/fundround/internal/webhooks"
	"github.com/jmerrifield20/fundround/pkg/address"
	"go.uber.org/zap"
)

// Config holds watcher configuration.
type Config struct {
	Interval time.Duration
	PageSize int
}

// RoundLister pages through rounds, newest first.
type RoundLister interface {
	ListRounds(ctx context.Context, limit, offset int) ([]*model.Ledger, error)
}

// Notifier receives expiry events.
type Notifier interface {
	Dispatch(ctx context.Context, eventType, ledger string, payload map[string]string)
}

// OpenRoundsFunc is an optional callback receiving the open round count after
// each scan.
type OpenRoundsFunc func(open int)

// Watcher scans rounds on an interval.
type Watcher struct {
	lister   RoundLister
	cfg      Config
	now      func() time.Time
	since    time.Time
	notified map[address.Address]bool
	mu       sync.Mutex
	notify   Notifier
	onOpen   OpenRoundsFunc
	logger   *zap.Logger
}

// New creates a Watcher. Only rounds that expire after New is called are
// reported, so a restart does not replay old expiries.
func New(lister RoundLister, cfg Config, logger *zap.Logger) *Watcher {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.PageSize <= 0 || cfg.PageSize > repository.MaxPageSize {
		cfg.PageSize = repository.MaxPageSize
	}
	return &Watcher{
		lister:   lister,
		cfg:      cfg,
		now:      time.Now,
		since:    time.Now(),
		notified: make(map[address.Address]bool),
		logger:   logger,
	}
}

// SetClock replaces the time source. The reporting window restarts at the
// clock's current time.
func (w *Watcher) SetClock(now func() time.Time) {
	w.now = now
	w.since = now()
}

// SetNotifier configures the event sink.
func (w *Watcher) SetNotifier(n Notifier) {
	w.notify = n
}

// SetOpenRoundsFunc configures the open round callback.
func (w *Watcher) SetOpenRoundsFunc(fn OpenRoundsFunc) {
	w.onOpen = fn
}

// Start runs the scan loop until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			scanCtx, cancel := context.WithTimeout(ctx, w.cfg.Interval)
			w.CheckAll(scanCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll scans every round once. It returns the number of newly expired
// rounds.
func (w *Watcher) CheckAll(ctx context.Context) int {
	now := w.now()
	open, expired := 0, 0

	for offset := 0; ; {
		page, err := w.lister.ListRounds(ctx, w.cfg.PageSize, offset)
		if err != nil {
			w.logger.Error("expiry: list rounds", zap.Int("offset", offset), zap.Error(err))
			return expired
		}

		for _, l := range page {
			complete := int(l.DepositorsCount) == len(l.AllowedDepositors)
			switch {
			case complete:
			case !l.Expired(now):
				open++
			case l.ExpiresAt.Before(w.since):
				// expired before this process started watching
			default:
				if w.markNotified(l.Address) {
					expired++
					w.report(ctx, l)
				}
			}
		}

		if len(page) == 0 {
			break
		}
		offset += len(page)
	}

	if w.onOpen != nil {
		w.onOpen(open)
	}
	return expired
}

func (w *Watcher) markNotified(a address.Address) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.notified[a] {
		return false
	}
	w.notified[a] = true
	return true
}

func (w *Watcher) report(ctx context.Context, l *model.Ledger) {
	missing := len(l.AllowedDepositors) - int(l.DepositorsCount)
	w.logger.Warn("expiry: round closed incomplete",
		zap.String("ledger", l.Address.String()),
		zap.Time("expires_at", l.ExpiresAt),
		zap.Uint64("total_collected", l.TotalCollected),
		zap.Int("missing_depositors", missing),
	)
	if w.notify != nil {
		w.notify.Dispatch(ctx, webhooks.EventRoundExpired, l.Address.String(), map[string]string{
			"vault":              l.Vault().String(),
			"total_collected":    strconv.FormatUint(l.TotalCollected, 10),
			"missing_depositors": strconv.Itoa(missing),
		})
	}
}
