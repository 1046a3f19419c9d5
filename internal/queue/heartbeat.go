package queue

import (
	"context"
	"time"

	"github.com/textvault/coordinator/internal/logging"
)

// HeartbeatInterval matches the original ao3_saver_backend heartbeat loop's
// 120-second cadence.
const HeartbeatInterval = 120 * time.Second

// RunHeartbeat sweeps exhausted jobs on a fixed interval until ctx is
// cancelled, generalizing heartbeat.py's do_heartbeat/clear_queue_by_attempts
// loop into the coordinator's own maintenance goroutine.
func (q *Queue) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.Sweep(ctx)
			if err != nil {
				logging.Log(ctx).Warn("heartbeat sweep failed", "err", err)
				continue
			}
			if n > 0 {
				logging.Log(ctx).Info("heartbeat swept exhausted jobs", "count", n)
			}
		}
	}
}
