package pcep

// Open carries the session parameters a peer proposes.
type Open struct {
	Version    Version
	Keepalive  uint8
	DeadTimer  uint8
	SessionID  uint8
	Capability Capability
}

func (*Open) Kind() MessageKind { return KindOpen }

// Keepalive is the PCEP keepalive message.
type Keepalive struct{}

func (*Keepalive) Kind() MessageKind { return KindKeepalive }

// Close tears a session down with a reason code.
type Close struct {
	Reason uint8
}

func (*Close) Kind() MessageKind { return KindClose }

// Close reasons from RFC 5440 section 7.17.
const (
	CloseNoExplanation    uint8 = 1
	CloseDeadTimerExpired uint8 = 2
	CloseMalformed        uint8 = 3
)
