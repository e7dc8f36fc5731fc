package player

// State is the resolve-phase status of an Item.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "resolving"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return "idle"
}

type trigger int

const (
	triggerPrepare trigger = iota
	triggerResolved
	triggerFailed
)

// transition is the pure state machine behind Item.Prepare. Unknown
// combinations leave the state unchanged.
func transition(s State, t trigger) State {
	switch s {
	case StateIdle, StateFailed:
		if t == triggerPrepare {
			return StateResolving
		}
	case StateResolving:
		switch t {
		case triggerResolved:
			return StateReady
		case triggerFailed:
			return StateFailed
		}
	}
	return s
}

type Status struct {
	State State
	Err   error
}
