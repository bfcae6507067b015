package callstate

import (
	"errors"
	"fmt"
)

// ErrIgnored is returned for inputs that do not apply to the current state,
// typically a signal that raced a hangup. Callers should treat it as a no-op.
var ErrIgnored = errors.New("call signal ignored")

type State int

const (
	Idle State = iota
	Ringing
	Active
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Ringing:
		return "RINGING"
	case Active:
		return "ACTIVE"
	case Ended:
		return "ENDED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Input int

const (
	Offer Input = iota
	Accept
	Decline
	End
	RingTimeout
)

func (i Input) String() string {
	switch i {
	case Offer:
		return "offer"
	case Accept:
		return "accept"
	case Decline:
		return "decline"
	case End:
		return "end"
	case RingTimeout:
		return "ring-timeout"
	}
	return fmt.Sprintf("Input(%d)", int(i))
}

// Offer while Ringing is glare and is resolved by the Manager, not the table.
var transitions = map[State]map[Input]State{
	Idle: {
		Offer: Ringing,
	},
	Ringing: {
		Accept:      Active,
		Decline:     Ended,
		End:         Ended,
		RingTimeout: Ended,
	},
	Active: {
		End: Ended,
	},
	Ended: {
		Offer: Ringing,
	},
}

// Next returns the state reached from s on in, or ErrIgnored.
func Next(s State, in Input) (State, error) {
	next, ok := transitions[s][in]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrIgnored, in, s)
	}
	return next, nil
}
