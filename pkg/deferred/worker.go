package deferred

import (
	"context"
	"time"

	"github.com/hil-network/hil/pkg/util"
)

// DefaultInterval is how often Run drains the queue when given no interval.
const DefaultInterval = 5 * time.Second

// Run applies pending actions every interval until ctx is cancelled. A
// failed drain is logged and retried on the next tick.
func (q *Queue) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	util.Infof("apply worker started, interval %s", interval)
	for {
		sum, err := q.Apply(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			util.Errorf("apply: %v", err)
		case sum.Total() > 0:
			util.WithFields(map[string]interface{}{
				"done":     sum.Done,
				"failed":   sum.Failed,
				"deferred": sum.Deferred,
			}).Info("apply pass finished")
		}

		select {
		case <-ctx.Done():
			util.Infof("apply worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}
