package websocket

import (
	"context"

	"github.com/openmusicplayer/mediafetch/internal/download"
)

// Forward relays aggregator events to the hub until ctx ends or sub is
// closed. The caller owns sub.
func Forward(ctx context.Context, hub *Hub, sub *download.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			job, batch := ev.Job, ev.Batch
			hub.Broadcast(ctx, &ProgressMessage{
				Type:    MessageProgress,
				BatchID: job.BatchID,
				Job:     &job,
				Batch:   &batch,
			})
		}
	}
}
