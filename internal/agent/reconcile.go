package agent

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/pce-controller/internal/logging"
	"github.com/signalsfoundry/pce-controller/internal/observability"
	"github.com/signalsfoundry/pce-controller/internal/pcep"
	"github.com/signalsfoundry/pce-controller/internal/store"
	"github.com/signalsfoundry/pce-controller/internal/tunnel"
)

// ReconcileAfterLabelSync implements pcep.Agent. Reports are applied in
// order; a failing report does not stop the rest and every failure is
// returned joined.
func (a *Agent) ReconcileAfterLabelSync(ctx context.Context, peer pcep.PeerID, reports []pcep.StateReport) error {
	ctx, span := observability.StartSpan(ctx, "pce.agent.reconcile", peer.String(),
		attribute.Int("pcep.reports", len(reports)),
	)
	defer span.End()

	p, _ := a.Session(peer)
	var (
		errs    []error
		unknown int
	)
	for _, r := range reports {
		known, err := a.applyReport(ctx, p, r)
		if err != nil {
			errs = append(errs, fmt.Errorf("report %s for tunnel %q: %w", r.Key, r.TunnelID, err))
			continue
		}
		if !known {
			unknown++
		}
	}
	if a.store != nil {
		if _, err := a.store.RemovePendingLabelSyncPeer(ctx, store.DeviceID(peer)); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	a.collector.IncReconciliation(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	a.log.Info(ctx, "label sync reconciled",
		logging.String("peer_id", peer.String()),
		logging.Int("reports", len(reports)),
		logging.Int("unknown_tunnels", unknown),
		logging.Int("failures", len(errs)),
	)
	return err
}

// applyReport records the delegation flag on p, propagates the LSP state
// through the hierarchy and refreshes the tunnel's local labels. It
// reports whether the tunnel was known to either the hierarchy or the
// store. p may be nil.
func (a *Agent) applyReport(ctx context.Context, p pcep.Peer, r pcep.StateReport) (bool, error) {
	if p != nil {
		p.SetDelegation(r.Key, r.Delegated)
	}
	if r.TunnelID == "" {
		return false, nil
	}

	known := false
	if a.hierarchy != nil {
		st := TunnelState(r.State)
		ok, err := a.hierarchy.UpdateChildStatus(ctx, r.TunnelID, st)
		if err != nil {
			return false, err
		}
		if !ok {
			if ok, err = a.hierarchy.SetStatus(ctx, r.TunnelID, st); err != nil {
				return false, err
			}
		}
		known = ok
	}
	if a.store != nil && r.Labels != nil {
		ok, err := a.store.UpdateTunnelInfo(ctx, store.TunnelID(r.TunnelID), localLabels(r.Labels))
		if err != nil {
			return known, err
		}
		known = known || ok
	}
	if !known {
		a.log.Debug(ctx, "state report for unknown tunnel",
			logging.String("tunnel_id", r.TunnelID),
			logging.String("lsp", r.Key.String()),
		)
	}
	return known, nil
}

// TunnelState maps a reported LSP state onto the hierarchy's tunnel state.
func TunnelState(s pcep.LspState) tunnel.State {
	switch s {
	case pcep.LspActive:
		return tunnel.Active
	case pcep.LspUp, pcep.LspGoingUp:
		return tunnel.Established
	case pcep.LspGoingDown:
		return tunnel.Unstable
	default:
		return tunnel.Down
	}
}

func localLabels(entries []pcep.LabelEntry) []store.LocalLabelInfo {
	out := make([]store.LocalLabelInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, store.LocalLabelInfo{
			DeviceID: store.DeviceID(e.DeviceID),
			InLabel:  store.LabelID(e.InLabel),
			OutLabel: store.LabelID(e.OutLabel),
			InPort:   e.InPort,
			OutPort:  e.OutPort,
		})
	}
	return out
}
