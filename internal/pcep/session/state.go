package session

import "fmt"

// State is the session lifecycle position.
type State int

const (
	Disconnected State = iota
	Connecting
	CapabilityExchanged
	LspSyncInProgress
	LspSynced
	LabelSyncInProgress
	LabelSynced
	Operational
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case CapabilityExchanged:
		return "CAPABILITY_EXCHANGED"
	case LspSyncInProgress:
		return "LSP_SYNC_IN_PROGRESS"
	case LspSynced:
		return "LSP_SYNCED"
	case LabelSyncInProgress:
		return "LABEL_SYNC_IN_PROGRESS"
	case LabelSynced:
		return "LABEL_SYNCED"
	case Operational:
		return "OPERATIONAL"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitions lists the forward moves out of each state. Disconnected is
// reachable from every state and is not listed.
var transitions = map[State][]State{
	Disconnected:        {Connecting},
	Connecting:          {CapabilityExchanged},
	CapabilityExchanged: {LspSyncInProgress, LabelSyncInProgress, Operational},
	LspSyncInProgress:   {LspSynced},
	LspSynced:           {LabelSyncInProgress, Operational},
	LabelSyncInProgress: {LabelSynced},
	LabelSynced:         {Operational},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	if to == Disconnected {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
