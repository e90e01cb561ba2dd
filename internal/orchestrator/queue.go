package orchestrator

import (
	"context"
	"strings"

	"github.com/me/dammer/pkg/model"
)

// AwaitQueued checks once that the scheduler lists every handle. It is a
// quick sanity check right after submission, separate from completion
// tracking: a missing handle fails with NotRunning and a failed listing
// with SchedulerUnavailable.
func (o *Orchestrator) AwaitQueued(ctx context.Context, handles []model.JobHandle) error {
	queued, err := o.sched.ListQueued(ctx)
	if err != nil {
		return model.WrapError(model.KindSchedulerUnavailable, string(o.sched.Kind()), err)
	}

	var missing []string
	found := make(map[model.JobHandle]bool, len(handles))
	for _, h := range handles {
		if queued[h] {
			found[h] = true
		} else {
			missing = append(missing, string(h))
		}
	}

	o.mu.Lock()
	for _, u := range o.units {
		if found[u.handle] {
			u.seenQueued = true
		}
	}
	o.mu.Unlock()

	if len(missing) > 0 {
		return model.NewError(model.KindNotRunning, strings.Join(missing, ","),
			"%d of %d jobs not in the queue", len(missing), len(handles))
	}
	o.logger.Debug("jobs queued", "count", len(handles))
	return nil
}
