package reconnect

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrExhausted is returned once every candidate failed.
	ErrExhausted = errors.New("all endpoints failed")
	ErrBadEvent  = errors.New("event not valid in this phase")
)

type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Exhausted
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Exhausted:
		return "exhausted"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

type Event int

const (
	Start Event = iota
	AttemptFailed
	AttemptTimedOut
	AttemptSucceeded
	ConnectionLost
	Reset
)

func (e Event) String() string {
	switch e {
	case Start:
		return "start"
	case AttemptFailed:
		return "attempt-failed"
	case AttemptTimedOut:
		return "attempt-timed-out"
	case AttemptSucceeded:
		return "attempt-succeeded"
	case ConnectionLost:
		return "connection-lost"
	case Reset:
		return "reset"
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// Machine walks an ordered candidate list one attempt at a time. It is a
// value: Handle returns the next machine and never touches the network.
type Machine struct {
	candidates []string
	phase      Phase
	index      int
}

func New(candidates []string) Machine {
	return Machine{candidates: append([]string(nil), candidates...)}
}

func (m Machine) Phase() Phase { return m.phase }

// Attempt is the index of the candidate being tried (Connecting) or the one
// that succeeded (Connected).
func (m Machine) Attempt() int { return m.index }

// Target returns the endpoint to dial while Connecting.
func (m Machine) Target() (string, bool) {
	if m.phase != Connecting && m.phase != Connected {
		return "", false
	}
	return m.candidates[m.index], true
}

func (m Machine) Handle(ev Event) (Machine, error) {
	next := m
	switch ev {
	case Reset:
		next.phase, next.index = Disconnected, 0
		return next, nil
	case Start:
		if m.phase != Disconnected {
			break
		}
		next.index = 0
		next.phase = Connecting
		if len(m.candidates) == 0 {
			next.phase = Exhausted
		}
		return next, nil
	case AttemptFailed, AttemptTimedOut:
		if m.phase != Connecting {
			break
		}
		next.index++
		if next.index >= len(m.candidates) {
			next.phase = Exhausted
			next.index = len(m.candidates) - 1
		}
		return next, nil
	case AttemptSucceeded:
		if m.phase != Connecting {
			break
		}
		next.phase = Connected
		return next, nil
	case ConnectionLost:
		if m.phase != Connected {
			break
		}
		next.phase, next.index = Disconnected, 0
		return next, nil
	}
	return m, fmt.Errorf("%w: %s while %s", ErrBadEvent, ev, m.phase)
}

// DialFunc connects to one endpoint. It must honour ctx cancellation.
type DialFunc[C any] func(ctx context.Context, endpoint string) (C, error)

// Run tries candidates in order, each under its own attemptTimeout, and
// returns the first connection. It stops at the first success. When every
// attempt fails it returns ErrExhausted wrapping the last error.
func Run[C any](ctx context.Context, candidates []string, attemptTimeout time.Duration, dial DialFunc[C]) (C, string, error) {
	var zero C
	m, _ := New(candidates).Handle(Start)
	var last error
	for m.Phase() == Connecting {
		target, _ := m.Target()
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		conn, err := dial(attemptCtx, target)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			return conn, target, nil
		}
		if ctx.Err() != nil {
			return zero, "", ctx.Err()
		}
		ev := AttemptFailed
		if timedOut {
			ev = AttemptTimedOut
			err = fmt.Errorf("%s: attempt timed out after %s: %w", target, attemptTimeout, err)
		} else {
			err = fmt.Errorf("%s: %w", target, err)
		}
		last = err
		m, _ = m.Handle(ev)
	}
	if last == nil {
		return zero, "", fmt.Errorf("%w: no candidates", ErrExhausted)
	}
	return zero, "", fmt.Errorf("%w: %w", ErrExhausted, last)
}
