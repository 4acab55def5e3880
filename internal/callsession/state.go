package callsession

import (
	"errors"

	"github.com/tariel-x/curocall/internal/models"
)

var (
	// ErrConfiguration means the call credentials are missing or malformed.
	ErrConfiguration = errors.New("call configuration error")
	// ErrTransport means the room could not be joined or the connection was lost.
	ErrTransport = errors.New("call transport error")
)

type State int

const (
	StateConnecting State = iota
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Reason tells why a session ended.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonOperator
	ReasonClosed
	ReasonRejected
	ReasonEndedByRemote
	ReasonRemoteLeft
	ReasonConfiguration
	ReasonTransport
)

func (r Reason) String() string {
	switch r {
	case ReasonOperator:
		return "operator"
	case ReasonClosed:
		return "closed"
	case ReasonRejected:
		return "rejected"
	case ReasonEndedByRemote:
		return "ended_by_remote"
	case ReasonRemoteLeft:
		return "remote_left"
	case ReasonConfiguration:
		return "configuration"
	case ReasonTransport:
		return "transport"
	default:
		return "none"
	}
}

// Message is the text shown to the operator once the call is over.
func (r Reason) Message() string {
	switch r {
	case ReasonOperator:
		return "Call ended."
	case ReasonClosed:
		return "Call closed."
	case ReasonRejected:
		return "The patient declined the call."
	case ReasonEndedByRemote:
		return "The call was ended by the patient."
	case ReasonRemoteLeft:
		return "The patient ended the call."
	case ReasonConfiguration:
		return "Missing call credentials."
	case ReasonTransport:
		return "Connection lost."
	default:
		return ""
	}
}

// Remote reports whether the call ended because of the other side or the network.
func (r Reason) Remote() bool {
	switch r {
	case ReasonRejected, ReasonEndedByRemote, ReasonRemoteLeft, ReasonTransport:
		return true
	default:
		return false
	}
}

// machine holds the reconciled session state. Every method is a no-op when
// its transition already happened, so callers can feed it duplicate or late
// signals from either source.
type machine struct {
	state State
	// remoteSeen is set on the first evidence of the remote party and never cleared.
	remoteSeen bool
	// ending is set when teardown starts; every later trigger is ignored.
	ending  bool
	elapsed int
	reason  Reason
	err     error
}

// observePresence returns true when this observation moves the session to Active.
func (m *machine) observePresence() bool {
	if m.ending || m.remoteSeen {
		return false
	}
	m.remoteSeen = true
	m.state = StateActive
	return true
}

// observeDeparture handles a remote leave or stream removal. A departure
// before the remote party was ever seen is churn and does not end the call.
func (m *machine) observeDeparture() (Reason, bool) {
	if m.ending || !m.remoteSeen {
		return ReasonNone, false
	}
	return ReasonRemoteLeft, true
}

// observeStatus handles a status read from the backend call record.
func (m *machine) observeStatus(status models.CallStatus) (Reason, bool) {
	if m.ending {
		return ReasonNone, false
	}
	switch status {
	case models.CallStatusEnded:
		return ReasonEndedByRemote, true
	case models.CallStatusMissed:
		if !m.remoteSeen {
			return ReasonRejected, true
		}
	}
	return ReasonNone, false
}

// beginEnding flips the ending guard. Only the first caller gets true and
// must run the teardown.
func (m *machine) beginEnding(reason Reason, err error) bool {
	if m.ending {
		return false
	}
	m.ending = true
	m.state = StateEnded
	m.reason = reason
	m.err = err
	return true
}

func (m *machine) tick() bool {
	if m.ending || m.state != StateActive {
		return false
	}
	m.elapsed++
	return true
}

func isConfigurationError(err error) bool {
	return errors.Is(err, ErrConfiguration)
}
