package bridge

import "fmt"

// StateKind is a step of the companion connection lifecycle.
type StateKind int

const (
	Idle StateKind = iota
	Connecting
	AwaitingPairingCode
	Connected
	Disconnected
	Failed
)

func (k StateKind) String() string {
	switch k {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case AwaitingPairingCode:
		return "awaiting_pairing"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(k))
}

// State is the observable bridge state. PairingCode is set while awaiting
// pairing, Name once connected, Reason for Disconnected and Failed.
type State struct {
	Kind        StateKind
	PairingCode string
	Name        string
	Reason      string
}

func (s State) String() string {
	if s.Reason != "" {
		return s.Kind.String() + ": " + s.Reason
	}
	return s.Kind.String()
}

// active reports whether a transport is open or being opened.
func (s State) active() bool {
	switch s.Kind {
	case Connecting, AwaitingPairingCode, Connected:
		return true
	}
	return false
}
