package rdp

import (
	"encoding/json"
	"fmt"
)

// State is the connection state of a Session.
type State int

const (
	Initial    State = iota // nothing attempted, or the previous connection is torn down
	Connecting              // Connect was accepted; the worker has not resolved it yet
	Connected               // the engine reports an active session; the worker polls it
)

var stateNames = map[State]string{
	Initial:    "initial",
	Connecting: "connecting",
	Connected:  "connected",
}

var stateFromName = map[string]State{
	"initial":    Initial,
	"connecting": Connecting,
	"connected":  Connected,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	v, ok := stateFromName[n]
	if !ok {
		return fmt.Errorf("rdp: unknown state %q", n)
	}
	*s = v
	return nil
}

// validTransition reports whether from → to is an edge of the state machine.
func validTransition(from, to State) bool {
	switch {
	case from == Initial && to == Connecting:
		return true
	case from == Connecting && (to == Connected || to == Initial):
		return true
	case from == Connected && to == Initial:
		return true
	}
	return false
}
