package pktcount

// State is the lifecycle state of a control process.
//
//	Unattached -> Attaching -> Attached -> Detaching -> Unattached
//	Attaching -(error)-> Unattached
type State int32

const (
	StateUnattached State = iota
	StateAttaching
	StateAttached
	StateDetaching
)

func (s State) String() string {
	switch s {
	case StateUnattached:
		return "unattached"
	case StateAttaching:
		return "attaching"
	case StateAttached:
		return "attached"
	case StateDetaching:
		return "detaching"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next is a legal
// transition of the lifecycle state machine.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateUnattached:
		return next == StateAttaching
	case StateAttaching:
		return next == StateAttached || next == StateUnattached
	case StateAttached:
		return next == StateDetaching
	case StateDetaching:
		return next == StateUnattached
	default:
		return false
	}
}
