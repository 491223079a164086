package sync

// State is a MailboxSession state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateFolderSelect
	StateListening
	StateFetching
	StateClosed
)

var stateNames = [...]string{
	StateDisconnected:   "disconnected",
	StateConnecting:     "connecting",
	StateAuthenticating: "authenticating",
	StateFolderSelect:   "folder_select",
	StateListening:      "listening",
	StateFetching:       "fetching",
	StateClosed:         "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// AllStates lists every state in declaration order.
func AllStates() []State {
	return []State{
		StateDisconnected, StateConnecting, StateAuthenticating,
		StateFolderSelect, StateListening, StateFetching, StateClosed,
	}
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
