package broker

// State is the broker's lifecycle state: inactive ->
// activating -> active -> destroying -> destroyed, with destroyed ->
// activating permitted on restart.
type State int

const (
	StateInactive State = iota
	StateActivating
	StateActive
	StateDestroying
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateDestroying:
		return "destroying"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

var validTransitions = map[State][]State{
	StateInactive:   {StateActivating},
	StateActivating: {StateActive, StateInactive},
	StateActive:     {StateDestroying},
	StateDestroying: {StateDestroyed},
	StateDestroyed:  {StateActivating},
}

func (s State) canTransitionTo(next State) bool {
	for _, v := range validTransitions[s] {
		if v == next {
			return true
		}
	}
	return false
}
