package auction

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	bidsAccepted    metric.Int64Counter
	bidsRejected    metric.Int64Counter
	playersResolved metric.Int64Counter
	countdowns      metric.Int64UpDownCounter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(instrumentationName)

	var (
		m   metrics
		err error
	)
	if m.bidsAccepted, err = meter.Int64Counter("auction.bids.accepted",
		metric.WithDescription("Bids admitted by the arbitrator.")); err != nil {
		return nil, fmt.Errorf("creating bids accepted counter: %w", err)
	}
	if m.bidsRejected, err = meter.Int64Counter("auction.bids.rejected",
		metric.WithDescription("Bids rejected by the arbitrator, by reason.")); err != nil {
		return nil, fmt.Errorf("creating bids rejected counter: %w", err)
	}
	if m.playersResolved, err = meter.Int64Counter("auction.players.resolved",
		metric.WithDescription("Players closed, by outcome.")); err != nil {
		return nil, fmt.Errorf("creating players resolved counter: %w", err)
	}
	if m.countdowns, err = meter.Int64UpDownCounter("auction.countdowns.running",
		metric.WithDescription("Countdown tasks currently running.")); err != nil {
		return nil, fmt.Errorf("creating countdowns gauge: %w", err)
	}
	return &m, nil
}

func (m *metrics) bidRejected(ctx context.Context, err error) {
	m.bidsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", rejectReason(err))))
}

func (m *metrics) resolved(ctx context.Context, r PlayerResolved) {
	outcome := "none"
	if r.Player != nil {
		outcome = string(r.Player.Status)
	}
	m.playersResolved.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
