package agent

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/pce-controller/internal/logging"
	"github.com/signalsfoundry/pce-controller/internal/pcep"
	"github.com/signalsfoundry/pce-controller/internal/pcep/session"
)

// Serve runs the keepalive loop of every session received from sessions.
// Sessions beyond the configured limit are disconnected. Serve returns once
// sessions is closed and every served session ended, or when ctx ends, in
// which case the remaining sessions are disconnected first.
func (a *Agent) Serve(ctx context.Context, sessions <-chan *session.Session) error {
	g, gctx := errgroup.WithContext(ctx)
	if a.maxSessions > 0 {
		g.SetLimit(a.maxSessions)
	}

loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case s, ok := <-sessions:
			if !ok {
				break loop
			}
			if !g.TryGo(func() error { return a.runSession(gctx, s) }) {
				a.log.Warn(ctx, "session limit reached; refusing peer",
					logging.String("peer_id", s.ID().String()),
					logging.Int("limit", a.maxSessions),
				)
				_ = s.Disconnect(ctx)
			}
		}
	}
	return g.Wait()
}

// runSession never fails the group: one session ending must not cancel the
// others.
func (a *Agent) runSession(ctx context.Context, s *session.Session) error {
	err := s.RunKeepalive(ctx)
	switch {
	case err == nil:
	case errors.Is(err, pcep.ErrDeadTimerExpired):
		a.log.Warn(ctx, "session expired", logging.String("peer_id", s.ID().String()))
	case ctx.Err() != nil:
		if derr := s.Disconnect(context.WithoutCancel(ctx)); derr != nil {
			a.log.Warn(ctx, "disconnect on shutdown failed", logging.String("peer_id", s.ID().String()), logging.Err(derr))
		}
	default:
		a.log.Warn(ctx, "session failed", logging.String("peer_id", s.ID().String()), logging.Err(err))
		_ = s.Disconnect(context.WithoutCancel(ctx))
	}
	return nil
}
