package device

import (
	"context"
	"time"
)

// PairPrompt describes an incoming pair request awaiting the user's answer.
type PairPrompt struct {
	DeviceID   string
	DeviceName string

	// PeerFingerprint and LocalFingerprint let the user compare keys
	// out of band.
	PeerFingerprint  string
	LocalFingerprint string

	// Deadline is when the request expires.
	Deadline time.Time

	// Accept and Reject answer the request. They block on the device loop
	// and must be called from another goroutine.
	Accept func(ctx context.Context) error
	Reject func(ctx context.Context) error
}

// Prompter presents pair requests to the user.
type Prompter interface {
	// ShowPairPrompt presents p. It is called on the device loop.
	ShowPairPrompt(p PairPrompt)

	// WithdrawPairPrompt removes the prompt for deviceID: the request was
	// answered, cancelled by the peer, or timed out.
	WithdrawPairPrompt(deviceID string)
}
