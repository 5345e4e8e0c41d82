package load

import (
	"fmt"

	"github.com/pkg/errors"
)

// State is a stage of an ingestion run.
type State int

const (
	Idle State = iota
	TargetReady
	Streaming
	Flushing
	Completed
	Aborted
)

var stateNames = []string{"idle", "target_ready", "streaming", "flushing", "completed", "aborted"}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Completed || s == Aborted
}

// ErrIllegalTransition is wrapped by the error of a transition the state machine
// does not allow.
var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[State][]State{
	Idle:        {TargetReady, Aborted},
	TargetReady: {Streaming, Aborted},
	Streaming:   {Flushing, Aborted},
	Flushing:    {Completed, Aborted},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
