// Package dispatch is the task transport between pipeline stages:
// fire-and-forget named jobs with JSON payloads, no ordering
// guarantee across jobs.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/taleweave/taleweave-core/internal/bus"
)

// Dispatcher publishes tasks onto the bus.
type Dispatcher interface {
	Enqueue(ctx context.Context, subject string, payload any) error
}

// BusDispatcher publishes tasks to the bus. When a JetStream stream
// covers the subject the task is additionally retained for replay;
// live delivery to subscribers is core NATS either way.
type BusDispatcher struct {
	bus *bus.Client
	log *slog.Logger
}

func New(busClient *bus.Client, log *slog.Logger) *BusDispatcher {
	return &BusDispatcher{
		bus: busClient,
		log: log.With(slog.String("component", "dispatch")),
	}
}

func (d *BusDispatcher) Enqueue(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}
	if js := d.bus.JetStream(); js != nil {
		if _, err := js.Publish(subject, data, nats.Context(ctx)); err == nil {
			return nil
		}
	}
	if err := d.bus.Conn().Publish(subject, data); err != nil {
		return fmt.Errorf("publish task %s: %w", subject, err)
	}
	d.log.Debug("task enqueued", slog.String("subject", subject))
	return nil
}

// Subscribe registers a queue-group consumer for a task subject. The
// queue group shares each subject across the worker pool rather than
// fanning out to every instance. Delivery is core NATS: a task is
// handled at most once and is dropped when no worker is subscribed at
// publish time.
func Subscribe(busClient *bus.Client, subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error) {
	sub, err := busClient.Conn().QueueSubscribe(subject, queue, handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}
