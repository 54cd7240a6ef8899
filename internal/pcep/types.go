// Package pcep holds the protocol vocabulary shared by the PCE core: peer
// identity, negotiated session parameters, decoded message shapes and the
// narrow interfaces the core consumes from its environment.
package pcep

import (
	"fmt"
	"net/netip"
)

// PeerID identifies a PCEP peer (the PCC router) by its address.
type PeerID string

// PeerIDFromAddr renders addr as a PeerID.
func PeerIDFromAddr(addr netip.Addr) PeerID {
	return PeerID(addr.Unmap().String())
}

// Addr parses the peer id back into an address.
func (p PeerID) Addr() (netip.Addr, error) {
	return netip.ParseAddr(string(p))
}

func (p PeerID) String() string { return string(p) }

// Version is the negotiated PCEP protocol version.
type Version uint8

// Version1 is the only version defined by RFC 5440.
const Version1 Version = 1

// Capability is the feature set negotiated during the Open exchange.
type Capability struct {
	StatefulPCE      bool `json:"stateful_pce" yaml:"stateful_pce"`
	LspInstantiation bool `json:"lsp_instantiation" yaml:"lsp_instantiation"`
	PCECC            bool `json:"pcecc" yaml:"pcecc"`
	SegmentRouting   bool `json:"segment_routing" yaml:"segment_routing"`
	LabelStack       bool `json:"label_stack" yaml:"label_stack"`
}

// RequiresLspDbSync reports whether the peer uploads its LSP database after
// the handshake.
func (c Capability) RequiresLspDbSync() bool { return c.StatefulPCE }

// RequiresLabelDbSync reports whether a label database sync follows the LSP
// database sync.
func (c Capability) RequiresLabelDbSync() bool { return c.PCECC }

// SyncStatus tracks one synchronization phase.
type SyncStatus int

const (
	NotSynchronized SyncStatus = iota
	InSync
	Synced
)

func (s SyncStatus) String() string {
	switch s {
	case NotSynchronized:
		return "NOT_SYNCHRONIZED"
	case InSync:
		return "IN_SYNC"
	case Synced:
		return "SYNCED"
	default:
		return fmt.Sprintf("SyncStatus(%d)", int(s))
	}
}

// LspKey identifies an LSP on a peer: the PCEP-specific LSP id plus the
// ingress-local LSP id.
type LspKey struct {
	PlspID     uint32
	LocalLspID uint16
}

func (k LspKey) String() string {
	return fmt.Sprintf("%d/%d", k.PlspID, k.LocalLspID)
}

// MessageKind classifies a decoded message for dispatch and logging.
type MessageKind string

const (
	KindOpen        MessageKind = "open"
	KindKeepalive   MessageKind = "keepalive"
	KindReport      MessageKind = "report"
	KindUpdate      MessageKind = "update"
	KindInitiate    MessageKind = "initiate"
	KindLabelUpdate MessageKind = "label-update"
	KindError       MessageKind = "error"
	KindClose       MessageKind = "close"
)

// Message is a decoded PCEP message. The core never inspects wire bytes;
// it only needs the kind for bookkeeping.
type Message interface {
	Kind() MessageKind
}

// LspState is the operational state carried in the LSP object of a report.
type LspState int

const (
	LspDown LspState = iota
	LspUp
	LspActive
	LspGoingDown
	LspGoingUp
)

func (s LspState) String() string {
	switch s {
	case LspDown:
		return "DOWN"
	case LspUp:
		return "UP"
	case LspActive:
		return "ACTIVE"
	case LspGoingDown:
		return "GOING_DOWN"
	case LspGoingUp:
		return "GOING_UP"
	default:
		return fmt.Sprintf("LspState(%d)", int(s))
	}
}

// LabelEntry is one hop's label binding carried in a report.
type LabelEntry struct {
	DeviceID string
	InLabel  uint32
	OutLabel uint32
	InPort   uint32
	OutPort  uint32
}

// StateReport is a decoded PCRpt entry for a single LSP.
type StateReport struct {
	Key       LspKey
	TunnelID  string
	State     LspState
	Delegated bool
	// Sync is set on reports sent as part of the initial database upload.
	Sync   bool
	Labels []LabelEntry
}

func (*StateReport) Kind() MessageKind { return KindReport }
