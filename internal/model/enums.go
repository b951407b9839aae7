package model

type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusUsed    Status = "used"
)

// IsTerminal reports whether no further transition may leave the status.
func (s Status) IsTerminal() bool {
	return s == StatusExpired || s == StatusUsed
}

// CanTransitionTo encodes the only legal edges of the pairing state machine:
// pending -> active -> used, and pending -> expired.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusActive || next == StatusExpired
	case StatusActive:
		return next == StatusUsed
	default:
		return false
	}
}

type Kind string

const (
	KindDeviceLogin Kind = "device-login"
	KindPanelLogin  Kind = "panel-login"
)

// ResolveStatus is what a poller observes. It mirrors Status except for the
// single hand-off tick, reported as active-consumed.
type ResolveStatus string

const (
	ResolvePending        ResolveStatus = "pending"
	ResolveExpired        ResolveStatus = "expired"
	ResolveUsed           ResolveStatus = "used"
	ResolveActiveConsumed ResolveStatus = "active-consumed"
)

// IsTerminal reports whether a poll loop should stop after observing s.
func (s ResolveStatus) IsTerminal() bool {
	return s != ResolvePending
}
