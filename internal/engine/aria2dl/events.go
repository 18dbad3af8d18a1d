package aria2dl

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Watch subscribes to aria2 notifications and nudges the poll loop whenever a
// download changes state. It reconnects until ctx is done.
func (a *Adapter) Watch(ctx context.Context, nudge func()) {
	// Tag this run with a stable operation_id for correlation.
	lg := a.log.With("operation_id", uuid.NewString())
	for {
		ch, err := a.cl.Notifications(ctx)
		if err != nil {
			lg.Debug("aria2 notifications unavailable", "err", err)
		} else {
			for n := range ch {
				lg.Debug("aria2 notification", "method", n.Method, "count", len(n.Params))
				if a.nudges.Allow() {
					nudge()
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}
