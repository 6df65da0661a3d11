package auction

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jensholdgaard/player-auction/internal/broadcast"
)

// countdownTask is the handle of a running countdown goroutine.
type countdownTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// stop cancels the task and waits for it to exit. The session lock must
// not be held.
func (t *countdownTask) stop() {
	t.cancel()
	<-t.done
}

// launchCountdown starts the countdown goroutine for s unless one is
// already running. The caller holds s.mu.
func (m *Manager) launchCountdown(s *session) {
	if s.timer != nil || s.deleted || s.status != StatusCountdown || m.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	task := &countdownTask{cancel: cancel, done: make(chan struct{})}
	s.timer = task
	interval := s.countdown.interval

	m.wg.Add(1)
	m.metrics.countdowns.Add(ctx, 1)
	go func() {
		defer m.wg.Done()
		defer close(task.done)
		defer m.metrics.countdowns.Add(context.Background(), -1)
		m.runCountdown(ctx, s, interval)
	}()
}

// runCountdown ticks until the countdown expires, then activates the
// auction. A failed activation is retried every interval.
func (m *Manager) runCountdown(ctx context.Context, s *session, interval time.Duration) {
	zeroAnnounced := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(interval):
		}

		s.mu.Lock()
		if s.deleted || s.status != StatusCountdown {
			s.mu.Unlock()
			return
		}
		remaining := s.tick()
		s.mu.Unlock()

		if !zeroAnnounced {
			m.publish(ctx, m.message(s.id, broadcast.CountdownTick, CountdownTick{Remaining: remaining}))
			zeroAnnounced = remaining == 0
		}
		if remaining > 0 {
			continue
		}

		err := m.exec(ctx, s, func(now time.Time) ([]broadcast.Message, error) {
			current, err := s.activate(now)
			if err != nil {
				return nil, err
			}
			return []broadcast.Message{
				m.message(s.id, broadcast.CountdownExpired, CountdownExpired{CurrentPlayer: current}),
			}, nil
		})
		switch {
		case err == nil:
			m.logger.InfoContext(ctx, "auction activated", slog.String("auction_id", s.id))
			return
		case errors.Is(err, ErrAuctionNotFound), errors.Is(err, ErrInvalidState):
			return
		case ctx.Err() != nil:
			return
		default:
			m.logger.WarnContext(ctx, "activating auction failed, retrying",
				slog.String("auction_id", s.id),
				slog.Any("error", err),
			)
		}
	}
}

// remainingTicks computes how many ticks of a countdown started at
// startedAt are left at now.
func remainingTicks(c countdownState, now time.Time) int {
	if c.interval <= 0 {
		return 0
	}
	left := c.ticks - int(now.Sub(c.startedAt)/c.interval)
	return max(0, min(left, c.ticks))
}
