package imap

// State is the authentication state of a connection.
type State int32

const (
	StateNotAuthenticated State = iota
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateNotAuthenticated:
		return "not_authenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// anyState allows a command regardless of authentication.
var anyState = []State{StateNotAuthenticated, StateAuthenticated}

func stateAllowed(s State, allowed []State) bool {
	for _, a := range allowed {
		if a == s {
			return true
		}
	}
	return false
}
