// Package events implements the Event Notifier and its adaptive poll
// interval: shorten on activity, lengthen on idle, so the Daemon Loop wakes
// promptly after a dependency resolves without busy-polling the database.
package events

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/aipm-orchestrator/internal/model"
	"github.com/swarmguard/aipm-orchestrator/internal/telemetry"
)

// Store is the slice of internal/store.Store this package depends on.
type Store interface {
	EmitEvent(ctx context.Context, projectID string, typ model.EventType, taskID, payload string) error
	PollUnconsumedEvents(ctx context.Context, projectID string, limit int) ([]model.Event, error)
	MarkConsumed(ctx context.Context, id int64) error
}

// Poller tracks an adaptive interval between DB polls for unconsumed
// events: it resets to the minimum on a poll that found activity and
// doubles on an idle poll, clamped to [min, max].
type Poller struct {
	store Store

	interval    time.Duration
	minInterval time.Duration
	maxInterval time.Duration
}

func NewPoller(store Store, minInterval, maxInterval time.Duration) *Poller {
	return &Poller{
		store:       store,
		interval:    minInterval,
		minInterval: minInterval,
		maxInterval: maxInterval,
	}
}

// Interval returns the current recommended wait before the next Poll call.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Poll fetches unconsumed events, marks them consumed, and adjusts the
// interval based on whether anything was found.
func (p *Poller) Poll(ctx context.Context, projectID string) ([]model.Event, error) {
	events, err := p.store.PollUnconsumedEvents(ctx, projectID, 100)
	if err != nil {
		return nil, err
	}

	meter := otel.Meter(telemetry.Meter)
	counter, _ := meter.Int64Counter("aipm_events_consumed_total")

	for _, e := range events {
		if err := p.store.MarkConsumed(ctx, e.ID); err != nil {
			return events, err
		}
	}
	counter.Add(ctx, int64(len(events)))

	if len(events) > 0 {
		p.interval = p.minInterval
	} else {
		p.interval *= 2
		if p.interval > p.maxInterval {
			p.interval = p.maxInterval
		}
	}
	return events, nil
}

// Emit is a thin pass-through kept here so callers needing both emit and
// poll only depend on one package.
func (p *Poller) Emit(ctx context.Context, projectID string, typ model.EventType, taskID, payload string) error {
	return p.store.EmitEvent(ctx, projectID, typ, taskID, payload)
}
