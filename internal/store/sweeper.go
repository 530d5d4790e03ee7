package store

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepSchedule is how often a Sweeper reclaims expired entries.
const DefaultSweepSchedule = "@every 1m"

// Sweeper periodically reclaims expired entries from a Memory store.
type Sweeper struct {
	cron *cron.Cron
}

// NewSweeper schedules m.Sweep on the given cron schedule.
func NewSweeper(m *Memory, schedule string, logger zerolog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if n := m.Sweep(); n > 0 {
			logger.Debug().Int("removed", n).Msg("swept expired entries")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("store: sweep schedule %q: %w", schedule, err)
	}
	return &Sweeper{cron: c}, nil
}

// Run starts the schedule and blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
