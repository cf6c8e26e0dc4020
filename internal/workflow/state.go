package workflow

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("workflow: invalid transition")

// State is the position of the controller in one submission attempt.
type State uint8

const (
	StateIdle State = iota
	StateValidating
	StateUploadingAsset
	StateSubmittingDeposit
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateUploadingAsset:
		return "uploadingAsset"
	case StateSubmittingDeposit:
		return "submittingDeposit"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// InFlight reports whether an attempt is running. A new Submit is refused
// while this holds.
func (s State) InFlight() bool {
	switch s {
	case StateValidating, StateUploadingAsset, StateSubmittingDeposit:
		return true
	default:
		return false
	}
}

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// transitions lists every legal edge. The upload step has no edge to
// succeeded, so a deposit can only be created after the receipt URL exists.
var transitions = map[State][]State{
	StateIdle:              {StateValidating},
	StateValidating:        {StateUploadingAsset, StateFailed},
	StateUploadingAsset:    {StateSubmittingDeposit, StateFailed},
	StateSubmittingDeposit: {StateSucceeded, StateFailed},
	StateSucceeded:         {StateIdle},
	StateFailed:            {StateIdle},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
