package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	applog "friendcal/internal/log"
)

// Refresher drives periodic background refresh of every registered
// friend feed on a cron schedule.
type Refresher struct {
	cron *cron.Cron
	svc  *Service
}

// NewRefresher creates a Refresher with the given cron spec
// (e.g. "*/15 * * * *").
func NewRefresher(svc *Service, spec string) (*Refresher, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		svc.RefreshAll(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	applog.Info("refresh schedule installed", "spec", spec)
	return &Refresher{cron: c, svc: svc}, nil
}

// Start begins running the schedule in its own goroutine.
func (r *Refresher) Start() {
	r.cron.Start()
}

// Stop stops the scheduler and waits for a running refresh to finish.
func (r *Refresher) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}
