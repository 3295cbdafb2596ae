package hub

// State is the lifecycle position of one realtime connection.
//
//	Connecting -> Authenticating -> Authenticated -> Connected -> Disconnected
//	Connecting -> Anonymous -> Connected -> Disconnected
//
// A rejected handshake moves straight from Authenticating to Disconnected.
type State int32

const (
	Connecting State = iota
	Authenticating
	Anonymous
	Authenticated
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Anonymous:
		return "anonymous"
	case Authenticated:
		return "authenticated"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// canTransition reports whether from -> to is a legal step.
func canTransition(from, to State) bool {
	switch from {
	case Connecting:
		return to == Authenticating || to == Anonymous || to == Disconnected
	case Authenticating:
		return to == Authenticated || to == Disconnected
	case Anonymous, Authenticated:
		return to == Connected || to == Disconnected
	case Connected:
		return to == Disconnected
	}
	return false
}
