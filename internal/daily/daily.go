// Package daily clears the completed flag of daily tasks once per day.
package daily

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/sadopc/doflow/internal/store"
)

const dateLayout = "2006-01-02"

// Store is the part of the task store the resetter uses.
type Store interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	ResetDaily(ctx context.Context) (int, error)
}

type Resetter struct {
	store  Store
	now    func() time.Time
	logger *log.Logger
}

func NewResetter(st Store, now func() time.Time, logger *log.Logger) *Resetter {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Resetter{store: st, now: now, logger: logger}
}

// RunOnce resets the daily tasks unless that already happened today. It
// returns the number of tasks reset.
func (r *Resetter) RunOnce(ctx context.Context) (int, error) {
	today := r.now().Local().Format(dateLayout)
	last, err := r.store.GetSetting(ctx, store.SettingLastDailyReset)
	if err != nil {
		return 0, err
	}
	if last == today {
		return 0, nil
	}

	n, err := r.store.ResetDaily(ctx)
	if err != nil {
		return 0, fmt.Errorf("reset daily tasks: %w", err)
	}
	if err := r.store.SetSetting(ctx, store.SettingLastDailyReset, today); err != nil {
		return n, err
	}
	r.logger.Printf("daily reset for %s: %d tasks", today, n)
	return n, nil
}

// Run resets at start and then after every local midnight until ctx is done.
func (r *Resetter) Run(ctx context.Context) error {
	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Printf("daily reset: %v", err)
	}
	for {
		timer := time.NewTimer(UntilMidnight(r.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Printf("daily reset: %v", err)
			}
		}
	}
}

// UntilMidnight returns the time left until the next local midnight, plus a
// second so the new date is in effect.
func UntilMidnight(now time.Time) time.Duration {
	now = now.Local()
	y, m, d := now.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, time.Local)
	return next.Sub(now) + time.Second
}
