package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/pce-controller/internal/logging"
	"github.com/signalsfoundry/pce-controller/internal/pcep"
	"github.com/signalsfoundry/pce-controller/internal/pcep/synccache"
	"github.com/signalsfoundry/pce-controller/internal/store"
)

// syncPeer is the part of a session the agent drives through the sync
// phases.
type syncPeer interface {
	pcep.Peer
	AppendSyncReport(report pcep.StateReport) error
	LspDbSyncStatus() pcep.SyncStatus
	SetLspDbSyncStatus(st pcep.SyncStatus)
	LabelDbSyncStatus() pcep.SyncStatus
	SetLabelDbSyncStatus(ctx context.Context, st pcep.SyncStatus) error
	BeginLabelSync(ctx context.Context) (string, error)
	MarkOperational() error
}

// DispatchMessage implements pcep.Agent.
func (a *Agent) DispatchMessage(ctx context.Context, peer pcep.PeerID, msg pcep.Message) error {
	p, ok := a.Session(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	if h, ok := a.handlers[msg.Kind()]; ok {
		return h(ctx, peer, msg)
	}

	switch m := msg.(type) {
	case *pcep.Keepalive:
		return nil
	case *pcep.Close:
		a.log.Info(ctx, "peer closed session",
			logging.String("peer_id", peer.String()),
			logging.Int("reason", int(m.Reason)),
		)
		return p.Disconnect(ctx)
	case *pcep.StateReport:
		return a.handleReport(ctx, p, m)
	default:
		a.log.Debug(ctx, "no handler for message",
			logging.String("peer_id", peer.String()),
			logging.String("kind", string(msg.Kind())),
		)
		return nil
	}
}

// handleReport buffers reports of an open label sync, treats a report with
// PLSP-ID 0 and no sync flag as the end-of-sync marker, and applies every
// other report immediately.
func (a *Agent) handleReport(ctx context.Context, p pcep.Peer, r *pcep.StateReport) error {
	sp, canSync := p.(syncPeer)
	switch {
	case r.Sync && canSync:
		err := sp.AppendSyncReport(*r)
		if err == nil {
			return nil
		}
		if !errors.Is(err, synccache.ErrNotInitialized) {
			return err
		}
	case !r.Sync && r.Key.PlspID == 0:
		if !canSync {
			return nil
		}
		return a.finishSync(ctx, sp)
	}
	_, err := a.applyReport(ctx, p, *r)
	return err
}

// finishSync closes whichever sync phase is open and moves the session on.
func (a *Agent) finishSync(ctx context.Context, sp syncPeer) error {
	switch {
	case sp.LspDbSyncStatus() == pcep.InSync:
		sp.SetLspDbSyncStatus(pcep.Synced)
		if a.needsLabelSync(ctx, sp) {
			_, err := sp.BeginLabelSync(ctx)
			return err
		}
		return sp.MarkOperational()
	case sp.LabelDbSyncStatus() == pcep.InSync:
		if err := sp.SetLabelDbSyncStatus(ctx, pcep.Synced); err != nil {
			return err
		}
		return sp.MarkOperational()
	default:
		return nil
	}
}

// needsLabelSync consults the pending set when a store is attached and
// falls back to the negotiated capability.
func (a *Agent) needsLabelSync(ctx context.Context, p pcep.Peer) bool {
	if a.store == nil {
		return p.Capability().RequiresLabelDbSync()
	}
	pending, err := a.store.IsPendingLabelSyncPeer(ctx, store.DeviceID(p.ID()))
	if err != nil {
		a.log.Warn(ctx, "pending label sync lookup failed", logging.String("peer_id", p.ID().String()), logging.Err(err))
		return p.Capability().RequiresLabelDbSync()
	}
	return pending
}
