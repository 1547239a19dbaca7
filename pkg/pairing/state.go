package pairing

import (
	"fmt"
	"time"
)

// Kind is the trust state of a peer.
type Kind uint8

const (
	// Untrusted means no certificate is pinned and no request is pending.
	Untrusted Kind = iota

	// PendingIncoming means the peer asked to pair and the user has not
	// answered yet.
	PendingIncoming

	// PendingOutgoing means we asked to pair and the peer has not answered yet.
	PendingOutgoing

	// Trusted means the peer's certificate is pinned.
	Trusted
)

// String returns the state name.
func (k Kind) String() string {
	switch k {
	case Untrusted:
		return "untrusted"
	case PendingIncoming:
		return "pending-incoming"
	case PendingOutgoing:
		return "pending-outgoing"
	case Trusted:
		return "trusted"
	default:
		return "unknown"
	}
}

// State is a trust state plus its payload.
type State struct {
	Kind Kind

	// Deadline is when a pending request expires.
	Deadline time.Time

	// Fingerprint identifies the pinned certificate in the Trusted state.
	Fingerprint string
}

// Pending reports whether a pair request is outstanding.
func (s State) Pending() bool {
	return s.Kind == PendingIncoming || s.Kind == PendingOutgoing
}

// String returns a short description for logs.
func (s State) String() string {
	switch s.Kind {
	case PendingIncoming, PendingOutgoing:
		return fmt.Sprintf("%s(until %s)", s.Kind, s.Deadline.Format(time.TimeOnly))
	case Trusted:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Fingerprint)
	default:
		return s.Kind.String()
	}
}
