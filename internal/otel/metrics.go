package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/outpost/internal/bridge"
	"github.com/basket/outpost/internal/bus"
)

// Metrics holds all Outpost metrics instruments.
type Metrics struct {
	OutboundSent     metric.Int64Counter
	OutboundBlocked  metric.Int64Counter
	DesktopDuration  metric.Float64Histogram
	VLMCalls         metric.Int64Counter
	MemoryHits       metric.Int64Counter
	HighRiskMisfires metric.Int64Counter
	MutexCooldowns   metric.Int64Counter
	PairingRequests  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.OutboundSent, err = meter.Int64Counter("outpost.outbound.sent",
		metric.WithDescription("Outbound sends with receipt evidence"),
	)
	if err != nil {
		return nil, err
	}

	m.OutboundBlocked, err = meter.Int64Counter("outpost.outbound.blocked",
		metric.WithDescription("Outbound attempts stopped by a gate"),
	)
	if err != nil {
		return nil, err
	}

	m.DesktopDuration, err = meter.Float64Histogram("outpost.desktop.duration",
		metric.WithDescription("Desktop send duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.VLMCalls, err = meter.Int64Counter("outpost.desktop.vlm_calls",
		metric.WithDescription("Vision-language selector calls"),
	)
	if err != nil {
		return nil, err
	}

	m.MemoryHits, err = meter.Int64Counter("outpost.desktop.memory_hits",
		metric.WithDescription("Sends planned from hot action memory"),
	)
	if err != nil {
		return nil, err
	}

	m.HighRiskMisfires, err = meter.Int64Counter("outpost.desktop.high_risk_misfires",
		metric.WithDescription("High-risk sends that hit the wrong target"),
	)
	if err != nil {
		return nil, err
	}

	m.MutexCooldowns, err = meter.Int64Counter("outpost.mutex.cooldowns",
		metric.WithDescription("Sessions placed in input-mutex cooldown"),
	)
	if err != nil {
		return nil, err
	}

	m.PairingRequests, err = meter.Int64Counter("outpost.pairing.requests",
		metric.WithDescription("Pairing requests from unknown contacts"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveOutcome implements bridge.OutcomeObserver.
func (m *Metrics) ObserveOutcome(ctx context.Context, outcome bridge.Outcome) {
	attrs := metric.WithAttributes(
		attribute.String("channel", outcome.Plan.Intent.Channel),
		attribute.String("route", string(outcome.Plan.Route)),
	)
	m.DesktopDuration.Record(ctx, float64(outcome.LatencyMs)/1000, attrs)
	if outcome.Plan.VLMCallsUsed > 0 {
		m.VLMCalls.Add(ctx, int64(outcome.Plan.VLMCallsUsed), attrs)
	}
	if outcome.Plan.MemoryHit {
		m.MemoryHits.Add(ctx, 1, attrs)
	}
	if outcome.HighRiskMisfire {
		m.HighRiskMisfires.Add(ctx, 1, attrs)
	}
}

// WatchBus exports bus traffic as counters until ctx ends.
func (m *Metrics) WatchBus(ctx context.Context, b *bus.Bus) {
	outbound := b.Subscribe("outbound.")
	mutexEvents := b.Subscribe(bus.TopicMutexCooldown)
	pairing := b.Subscribe(bus.TopicPairingRequest)
	go func() {
		defer b.Unsubscribe(outbound)
		defer b.Unsubscribe(mutexEvents)
		defer b.Unsubscribe(pairing)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound.Ch():
				if !ok {
					return
				}
				event, ok := msg.Payload.(bus.OutboundEvent)
				if !ok {
					continue
				}
				attrs := metric.WithAttributes(attribute.String("channel", event.Channel))
				if event.Blocked {
					m.OutboundBlocked.Add(ctx, 1, metric.WithAttributes(
						attribute.String("channel", event.Channel),
						attribute.String("reason", event.Reason),
					))
				} else {
					m.OutboundSent.Add(ctx, 1, attrs)
				}
			case _, ok := <-mutexEvents.Ch():
				if !ok {
					return
				}
				m.MutexCooldowns.Add(ctx, 1)
			case _, ok := <-pairing.Ch():
				if !ok {
					return
				}
				m.PairingRequests.Add(ctx, 1)
			}
		}
	}()
}
