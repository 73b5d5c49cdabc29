package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/lewta/admit/internal/config"
)

// gate is the part of Scheduler that dispatch windows drive.
type gate interface {
	Start(ctx context.Context)
	Stop()
}

// Windows runs the scheduler only during cron-scheduled periods. Outside a
// window, queued requests wait.
type Windows struct {
	entries []config.WindowEntry
	gate    gate

	mu         sync.Mutex
	closeTimer *time.Timer
}

// NewWindows creates Windows for the given entries.
func NewWindows(entries []config.WindowEntry, g gate) *Windows {
	return &Windows{entries: entries, gate: g}
}

// Start registers every window with cron and returns immediately. Cron and
// any pending close are stopped when ctx is cancelled.
func (w *Windows) Start(ctx context.Context) error {
	c := cron.New()
	for _, entry := range w.entries {
		e := entry
		d := time.Duration(e.DurationMinutes) * time.Minute
		if _, err := c.AddFunc(e.Cron, func() { w.open(ctx, d) }); err != nil {
			return fmt.Errorf("window %q: %w", e.Cron, err)
		}
	}

	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
		w.mu.Lock()
		if w.closeTimer != nil {
			w.closeTimer.Stop()
		}
		w.mu.Unlock()
	}()
	return nil
}

// open starts the scheduler and (re)arms the single close timer, so
// overlapping windows extend rather than stack.
func (w *Windows) open(ctx context.Context, d time.Duration) {
	if ctx.Err() != nil {
		return
	}
	log.Info().Dur("duration", d).Msg("dispatch window opening")
	w.gate.Start(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closeTimer != nil {
		w.closeTimer.Stop()
	}
	w.closeTimer = time.AfterFunc(d, func() {
		w.gate.Stop()
		log.Info().Msg("dispatch window closed")
	})
}
