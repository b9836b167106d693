package lidar

import "fmt"

// State is the connection state of a Driver.
type State int

const (
	Disconnected State = iota
	Connected          // transport open
	Listening          // buffer monitor running
	Idle               // initialized, ready for commands
	Configuring        // startup queries in flight
	Streaming          // device pushes data frames
)

var stateNames = []string{"disconnected", "connected", "listening", "idle", "configuring", "streaming"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText lets a State show up by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}
