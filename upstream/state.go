package upstream

type State int

const (
	StateLive State = iota
	StateDegraded
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateDegraded:
		return "degraded"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

type Event int

const (
	// EventResponseReceived is any packet coming back from the server.
	EventResponseReceived Event = iota
	// EventTimeout is a retry triggered because the server did not answer in time.
	EventTimeout
	// EventHealthCheckReplied is a packet from a server currently offline.
	EventHealthCheckReplied
)

type Status struct {
	Failures uint32
	Offline  bool
}

func (s Status) State() State {
	switch {
	case s.Offline:
		return StateOffline
	case s.Failures > 0:
		return StateDegraded
	default:
		return StateLive
	}
}

// Transition returns the status following ev.
//
// A response decrements the failure count even for a server that never went
// offline, so under intermittent loss the count may hover above zero.
func Transition(s Status, ev Event, maxFailures uint32) Status {
	switch ev {
	case EventResponseReceived:
		if s.Offline {
			return Status{}
		}
		if s.Failures > 0 {
			s.Failures--
		}
		return s
	case EventTimeout:
		if s.Failures >= maxFailures {
			s.Offline = true
			return s
		}
		s.Failures++
		return s
	case EventHealthCheckReplied:
		return Status{}
	default:
		return s
	}
}
