// Package notify carries alert notifications to their delivery
// channels. Delivery is best-effort: the engine does not retry, a sink
// may.
package notify

import (
	"context"
	"log/slog"

	"github.com/alitto/pond/v2"
)

// Channel selects the delivery mechanism for one notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPopup Channel = "popup"
)

// Notification is one outbound message tied to an alert.
type Notification struct {
	Channel     Channel
	RecipientID int64
	Title       string
	Body        string
	AlertID     int64
}

// Sink delivers notifications.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the log. It is the fallback when no
// delivery backend is configured, and keeps the alert path observable
// in development.
type LogSink struct {
	Log *slog.Logger
}

func (s *LogSink) Send(_ context.Context, n Notification) error {
	s.Log.Info("Notification",
		"channel", string(n.Channel),
		"recipient", n.RecipientID,
		"alertID", n.AlertID,
		"title", n.Title,
		"body", n.Body,
	)
	return nil
}

// Dispatcher fans notifications out to a sink on a bounded worker
// pool, so a slow delivery backend never stalls alert evaluation.
type Dispatcher struct {
	log  *slog.Logger
	sink Sink
	pool pond.Pool
}

func NewDispatcher(log *slog.Logger, sink Sink, maxWorkers int) *Dispatcher {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &Dispatcher{
		log:  log,
		sink: sink,
		pool: pond.NewPool(maxWorkers),
	}
}

// Dispatch queues one notification for delivery and returns
// immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notification) {
	d.pool.Submit(func() {
		if err := d.sink.Send(ctx, n); err != nil {
			d.log.Warn("Failed to deliver notification",
				"channel", string(n.Channel), "alertID", n.AlertID, "error", err)
		}
	})
}

// Close waits for queued deliveries to finish.
func (d *Dispatcher) Close() {
	d.pool.StopAndWait()
}
