package daemon

import (
	"context"
	"time"
)

// EventLoop periodically reports queue load and live conversations.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates an event loop ticking every interval.
func NewEventLoop(d *Daemon, interval time.Duration) *EventLoop {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &EventLoop{daemon: d, interval: interval}
}

// Run ticks until ctx is done.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.log.Debug().Dur("interval", e.interval).Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.log.Debug().Msg("Event loop stopping")
			return
		case <-ticker.C:
			e.report()
		}
	}
}

func (e *EventLoop) report() {
	for _, name := range e.daemon.queue.Queues() {
		stats := e.daemon.queue.Stats(name)
		if stats.Queued == 0 && stats.Running == 0 {
			continue
		}
		e.daemon.log.Debug().
			Str("queue", name).
			Int("queued", stats.Queued).
			Int("running", stats.Running).
			Int64("completed", stats.Completed).
			Int64("failed", stats.Failed).
			Msg("Queue stats")
	}
	if active := e.daemon.host.Running(); len(active) > 0 {
		e.daemon.log.Info().Int("conversations", len(active)).Msg("Conversations in progress")
	}
}
