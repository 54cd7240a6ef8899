// Package store is the PCE resource store: label assignments, per-tunnel
// local-label info, the bandwidth ledger, the failed-path retry set and the
// set of peers waiting on BGP-derived addressing before label sync.
//
// State lives in a kv.Substrate so several sessions, and several PCE
// instances when the substrate is Redis, share one view. Every mutation is
// a per-key atomic operation; nothing locks the store as a whole.
package store

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/signalsfoundry/pce-controller/internal/kv"
	"github.com/signalsfoundry/pce-controller/internal/logging"
	"github.com/signalsfoundry/pce-controller/internal/pcep"
)

// ErrInvalidArgument is returned before touching storage when a required
// key or value is missing or malformed.
var ErrInvalidArgument = pcep.ErrInvalidArgument

const (
	familyGlobalNodeLabels    = "global-node-labels"
	familyAdjacencyLabels     = "adjacency-labels"
	familyTunnelInfo          = "tunnel-info"
	familyFailedPaths         = "failed-paths"
	familyReservedBandwidth   = "reserved-bandwidth"
	familyUnreservedBandwidth = "unreserved-bandwidth"
	familyPendingLabelSync    = "pending-label-sync"
)

// DeviceID identifies a network device.
type DeviceID string

// LabelID is an allocated MPLS label resource.
type LabelID uint64

// TunnelID identifies a tunnel.
type TunnelID string

// ConnectPoint is a device port.
type ConnectPoint struct {
	Device DeviceID
	Port   uint32
}

func (c ConnectPoint) String() string {
	return string(c.Device) + "/" + strconv.FormatUint(uint64(c.Port), 10)
}

// Link is a directed link between two connect points. It also serves as
// the bandwidth ledger key.
type Link struct {
	Src ConnectPoint
	Dst ConnectPoint
}

// Key renders the link as a substrate key.
func (l Link) Key() string {
	return l.Src.String() + "->" + l.Dst.String()
}

func (l Link) String() string { return l.Key() }

func (l Link) valid() bool {
	return l.Src.Device != "" && l.Dst.Device != ""
}

// LocalLabelInfo is one device's label binding for a tunnel.
type LocalLabelInfo struct {
	DeviceID DeviceID
	InLabel  LabelID
	OutLabel LabelID
	InPort   uint32
	OutPort  uint32
}

// TunnelInfo is the per-tunnel state the store keeps.
type TunnelInfo struct {
	LocalLabels []LocalLabelInfo
	ConsumerID  string
}

// MetricsRecorder receives store-level measurements.
type MetricsRecorder interface {
	SetReservedBandwidth(link string, bandwidth float64)
	IncStoreConflict(family string)
}

// Option customises Store construction.
type Option func(*Store)

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetricsRecorder attaches a recorder for ledger gauges and CAS conflicts.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithRetries bounds per-key compare-and-swap retries.
func WithRetries(n int) Option {
	return func(s *Store) {
		s.retries = n
	}
}

// Store is the shared resource store.
type Store struct {
	log     logging.Logger
	metrics MetricsRecorder
	retries int

	globalNodeLabels *kv.Map[LabelID]
	adjLabels        *kv.Map[adjacencyRecord]
	tunnels          *kv.Map[TunnelInfo]
	failedPaths      *kv.Map[PathRequest]
	reservedBw       *kv.Map[float64]
	unreservedBw     *kv.Map[[]float64]
	pendingLabelSync *kv.Map[bool]
}

type adjacencyRecord struct {
	Link  Link
	Label LabelID
}

// New builds a Store over sub.
func New(sub kv.Substrate, opts ...Option) *Store {
	s := &Store{
		log:     logging.Noop(),
		retries: kv.DefaultRetries,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	mapOpts := []kv.MapOption{
		kv.WithRetries(s.retries),
		kv.WithConflictObserver(s.observeConflict),
	}
	s.globalNodeLabels = kv.NewMap[LabelID](sub, familyGlobalNodeLabels, mapOpts...)
	s.adjLabels = kv.NewMap[adjacencyRecord](sub, familyAdjacencyLabels, mapOpts...)
	s.tunnels = kv.NewMap[TunnelInfo](sub, familyTunnelInfo, mapOpts...)
	s.failedPaths = kv.NewMap[PathRequest](sub, familyFailedPaths, mapOpts...)
	s.reservedBw = kv.NewMap[float64](sub, familyReservedBandwidth, mapOpts...)
	s.unreservedBw = kv.NewMap[[]float64](sub, familyUnreservedBandwidth, mapOpts...)
	s.pendingLabelSync = kv.NewMap[bool](sub, familyPendingLabelSync, mapOpts...)
	return s
}

func (s *Store) observeConflict(family string) {
	if s.metrics != nil {
		s.metrics.IncStoreConflict(family)
	}
}

func invalid(what string) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, what)
}

func validAmount(bw float64) bool {
	return bw > 0 && !math.IsInf(bw, 0) && !math.IsNaN(bw)
}

// ---- Global node labels ----

// ExistsGlobalNodeLabel reports whether dev has a node label.
func (s *Store) ExistsGlobalNodeLabel(ctx context.Context, dev DeviceID) (bool, error) {
	if dev == "" {
		return false, invalid("device id is empty")
	}
	return s.globalNodeLabels.Contains(ctx, string(dev))
}

// GlobalNodeLabel returns dev's node label.
func (s *Store) GlobalNodeLabel(ctx context.Context, dev DeviceID) (LabelID, bool, error) {
	if dev == "" {
		return 0, false, invalid("device id is empty")
	}
	label, _, ok, err := s.globalNodeLabels.Get(ctx, string(dev))
	return label, ok, err
}

// AddGlobalNodeLabel assigns label to dev, replacing any previous one.
func (s *Store) AddGlobalNodeLabel(ctx context.Context, dev DeviceID, label LabelID) error {
	if dev == "" {
		return invalid("device id is empty")
	}
	_, err := s.globalNodeLabels.Put(ctx, string(dev), label)
	return err
}

// RemoveGlobalNodeLabel drops dev's node label. It returns false when dev
// had none.
func (s *Store) RemoveGlobalNodeLabel(ctx context.Context, dev DeviceID) (bool, error) {
	if dev == "" {
		return false, invalid("device id is empty")
	}
	removed, err := s.globalNodeLabels.Remove(ctx, string(dev))
	if err == nil && !removed {
		s.log.Debug(ctx, "node label removal for unknown device", logging.String("device_id", string(dev)))
	}
	return removed, err
}

// GlobalNodeLabelCount counts devices with a node label.
func (s *Store) GlobalNodeLabelCount(ctx context.Context) (int, error) {
	return s.globalNodeLabels.Len(ctx)
}

// GlobalNodeLabels snapshots every node label.
func (s *Store) GlobalNodeLabels(ctx context.Context) (map[DeviceID]LabelID, error) {
	out := make(map[DeviceID]LabelID)
	err := s.globalNodeLabels.Range(ctx, func(key string, label LabelID, _ uint64) bool {
		out[DeviceID(key)] = label
		return true
	})
	return out, err
}

// ---- Adjacency labels ----

// ExistsAdjLabel reports whether link has an adjacency label.
func (s *Store) ExistsAdjLabel(ctx context.Context, link Link) (bool, error) {
	if !link.valid() {
		return false, invalid("link endpoints are empty")
	}
	return s.adjLabels.Contains(ctx, link.Key())
}

// AdjLabel returns link's adjacency label.
func (s *Store) AdjLabel(ctx context.Context, link Link) (LabelID, bool, error) {
	if !link.valid() {
		return 0, false, invalid("link endpoints are empty")
	}
	rec, _, ok, err := s.adjLabels.Get(ctx, link.Key())
	return rec.Label, ok, err
}

// AddAdjLabel assigns label to link, replacing any previous one.
func (s *Store) AddAdjLabel(ctx context.Context, link Link, label LabelID) error {
	if !link.valid() {
		return invalid("link endpoints are empty")
	}
	_, err := s.adjLabels.Put(ctx, link.Key(), adjacencyRecord{Link: link, Label: label})
	return err
}

// RemoveAdjLabel drops link's adjacency label. It returns false when link
// had none.
func (s *Store) RemoveAdjLabel(ctx context.Context, link Link) (bool, error) {
	if !link.valid() {
		return false, invalid("link endpoints are empty")
	}
	removed, err := s.adjLabels.Remove(ctx, link.Key())
	if err == nil && !removed {
		s.log.Debug(ctx, "adjacency label removal for unknown link", logging.String("link", link.Key()))
	}
	return removed, err
}

// AdjLabelCount counts links with an adjacency label.
func (s *Store) AdjLabelCount(ctx context.Context) (int, error) {
	return s.adjLabels.Len(ctx)
}

// AdjLabels snapshots every adjacency label.
func (s *Store) AdjLabels(ctx context.Context) (map[Link]LabelID, error) {
	out := make(map[Link]LabelID)
	err := s.adjLabels.Range(ctx, func(_ string, rec adjacencyRecord, _ uint64) bool {
		out[rec.Link] = rec.Label
		return true
	})
	return out, err
}
