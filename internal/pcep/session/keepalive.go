package session

import (
	"context"
	"time"

	"github.com/signalsfoundry/pce-controller/internal/logging"
	"github.com/signalsfoundry/pce-controller/internal/pcep"
)

// RunKeepalive sends a keepalive every keepalive interval and tears the
// session down when nothing was received for the dead interval. It returns
// pcep.ErrDeadTimerExpired after such a teardown, nil once the session is
// disconnected by someone else, ctx.Err() when ctx ends, or the first send
// failure.
func (s *Session) RunKeepalive(ctx context.Context) error {
	codec, err := s.Codec()
	if err != nil {
		return err
	}

	nextKeepalive := s.clock.Now()
	for {
		s.mu.RLock()
		state := s.state
		keepalive := time.Duration(s.keepalive) * time.Second
		dead := time.Duration(s.deadTime) * time.Second
		lastRecv := s.lastRecv
		s.mu.RUnlock()

		if state == Disconnected {
			return nil
		}

		now := s.clock.Now()
		if dead > 0 && now.Sub(lastRecv) >= dead {
			s.expire(ctx, codec)
			return pcep.ErrDeadTimerExpired
		}
		if keepalive > 0 && !now.Before(nextKeepalive) {
			if err := s.Send(ctx, codec.Keepalive()); err != nil {
				return err
			}
			nextKeepalive = now.Add(keepalive)
		}

		wait := time.Duration(-1)
		if keepalive > 0 {
			wait = nextKeepalive.Sub(now)
		}
		if dead > 0 {
			if d := lastRecv.Add(dead).Sub(now); wait < 0 || d < wait {
				wait = d
			}
		}
		if wait < 0 {
			<-ctx.Done()
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(wait):
		}
	}
}

func (s *Session) expire(ctx context.Context, codec pcep.Codec) {
	s.mu.RLock()
	log := s.log
	s.mu.RUnlock()

	log.Warn(ctx, "dead timer expired; closing session",
		logging.Int("dead_time_seconds", int(s.DeadTime())),
	)
	if s.deadObserver != nil {
		s.deadObserver.IncDeadTimerExpiry()
	}
	if err := s.Send(ctx, codec.Close(pcep.CloseDeadTimerExpired)); err != nil {
		log.Debug(ctx, "close message not delivered", logging.Err(err))
	}
	if err := s.Disconnect(ctx); err != nil {
		log.Warn(ctx, "disconnect after dead timer failed", logging.Err(err))
	}
}
