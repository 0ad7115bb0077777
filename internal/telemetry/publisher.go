// Package telemetry bridges committed locker events onto the outbound
// integrations: retained MQTT state topics for kiosk front-ends and
// InfluxDB points for usage and reliability dashboards.
//
// The publisher consumes an eventbus subscription, so it sees exactly
// the transitions the state manager committed, in order, without ever
// sitting on the transition hot path.
package telemetry

import (
	"context"
	"encoding/json"

	"github.com/kioskworks/locker-core/internal/infrastructure/mqtt"
	"github.com/kioskworks/locker-core/internal/locker"
)

// MessagePublisher is the outbound MQTT surface the publisher needs.
// *mqtt.Client satisfies it.
type MessagePublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// PointWriter is the outbound time-series surface the publisher needs.
// *influxdb.Client satisfies it.
type PointWriter interface {
	WriteTransitionMetric(kioskID string, lockerID int, from, to string)
}

// StateReader resolves a locker's current record after a transition.
// *locker.Manager satisfies it.
type StateReader interface {
	Get(ctx context.Context, kioskID string, id int) (*locker.Locker, error)
}

// Logger is the minimal logging surface used by the publisher.
type Logger interface {
	Warn(msg string, args ...any)
}

// transitions maps an event type to the status the locker moved into.
// The prior status is carried in the event details where it matters.
var transitions = map[string]locker.Status{
	locker.EventReserved:           locker.StatusReserved,
	locker.EventReservationExpired: locker.StatusFree,
	locker.EventOwnershipConfirmed: locker.StatusOwned,
	locker.EventReleased:           locker.StatusFree,
	locker.EventBlocked:            locker.StatusBlocked,
	locker.EventUnblocked:          locker.StatusFree,
	locker.EventOpeningStarted:     locker.StatusOpening,
}

// Publisher forwards locker events to MQTT and InfluxDB.
//
// Either sink may be nil; the publisher forwards to whichever are
// configured. Publish failures are logged and skipped - telemetry must
// never block or fail a locker operation.
type Publisher struct {
	kioskID string
	qos     byte

	events <-chan locker.Event
	states StateReader

	broker MessagePublisher
	points PointWriter
	logger Logger

	topics mqtt.Topics
}

// Options configures a Publisher.
type Options struct {
	KioskID string
	QoS     byte

	// Events is the subscription channel feeding the publisher,
	// typically eventbus.Subscription.Events().
	Events <-chan locker.Event

	// States resolves retained state payloads after each event.
	States StateReader

	// Broker and Points are the optional outbound sinks.
	Broker MessagePublisher
	Points PointWriter

	Logger Logger
}

// New creates a Publisher. Call Run to start forwarding.
func New(opts Options) *Publisher {
	return &Publisher{
		kioskID: opts.KioskID,
		qos:     opts.QoS,
		events:  opts.Events,
		states:  opts.States,
		broker:  opts.Broker,
		points:  opts.Points,
		logger:  opts.Logger,
	}
}

// Run consumes events until the channel closes or ctx is cancelled.
// It is intended to run in its own goroutine.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-p.events:
			if !ok {
				return
			}
			p.forward(ctx, evt)
		}
	}
}

// forward pushes one event to every configured sink.
func (p *Publisher) forward(ctx context.Context, evt locker.Event) {
	p.publishEvent(evt)
	p.publishState(ctx, evt)
	p.writePoint(evt)
}

// publishEvent publishes the event itself, non-retained.
func (p *Publisher) publishEvent(evt locker.Event) {
	if p.broker == nil {
		return
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		p.warn("marshal event failed", "event_id", evt.ID, "error", err)
		return
	}

	topic := p.topics.Event(p.kioskID, evt.Type)
	if err := p.broker.Publish(topic, payload, p.qos, false); err != nil {
		p.warn("publish event failed", "topic", topic, "error", err)
	}
}

// publishState re-reads the locker and publishes its record retained,
// so fresh subscribers see the bank's current shape immediately.
func (p *Publisher) publishState(ctx context.Context, evt locker.Event) {
	if p.broker == nil || p.states == nil {
		return
	}

	l, err := p.states.Get(ctx, evt.KioskID, evt.LockerID)
	if err != nil {
		p.warn("resolve locker state failed", "locker_id", evt.LockerID, "error", err)
		return
	}

	payload, err := json.Marshal(l)
	if err != nil {
		p.warn("marshal locker state failed", "locker_id", evt.LockerID, "error", err)
		return
	}

	topic := p.topics.LockerState(p.kioskID, evt.LockerID)
	if err := p.broker.Publish(topic, payload, p.qos, true); err != nil {
		p.warn("publish locker state failed", "topic", topic, "error", err)
	}
}

// writePoint records the transition in the time-series store.
func (p *Publisher) writePoint(evt locker.Event) {
	if p.points == nil {
		return
	}

	to, ok := transitions[evt.Type]
	if !ok {
		// Recovery and completion events describe pulse outcomes, not
		// status changes worth charting.
		return
	}

	from := ""
	if v, ok := evt.Details["prior_status"].(string); ok {
		from = v
	}

	p.points.WriteTransitionMetric(evt.KioskID, evt.LockerID, from, string(to))
}

func (p *Publisher) warn(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Warn(msg, args...)
	}
}
