package segment

import "fmt"

// State is a step of the segmentation retry policy.
type State int

const (
	// StateAttempting waits for the reply of attempt Machine.Attempt.
	StateAttempting State = iota
	// StateRepairing waits for the result of a local repair of a short reply.
	StateRepairing
	// StateSucceeded is terminal: the expected count was reached.
	StateSucceeded
	// StateExhausted is terminal: no attempts are left.
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateAttempting:
		return "attempting"
	case StateRepairing:
		return "repairing"
	case StateSucceeded:
		return "succeeded"
	case StateExhausted:
		return "exhausted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Machine is the retry policy of the model-backed segmenter. Its transitions
// are pure: they return the next machine and never touch the network.
type Machine struct {
	State       State
	Attempt     int
	MaxAttempts int
	Expected    int
	// LastCount is the latest observed count, after repair when one ran.
	LastCount int
	// ReplyCount is the count parsed from the latest model reply.
	ReplyCount int
}

// NewMachine starts at attempt 1. maxAttempts below 1 is treated as 1.
func NewMachine(expected, maxAttempts int) Machine {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return Machine{State: StateAttempting, Attempt: 1, MaxAttempts: maxAttempts, Expected: expected}
}

// Observe records the item count parsed from a reply. A short, non-empty
// reply moves to StateRepairing; any other mismatch moves to the next attempt
// or to StateExhausted.
func (m Machine) Observe(got int) Machine {
	if m.State != StateAttempting {
		return m
	}
	m.LastCount = got
	m.ReplyCount = got
	switch {
	case m.Expected <= 0 || got == m.Expected:
		m.State = StateSucceeded
	case got > 0 && got < m.Expected:
		m.State = StateRepairing
	default:
		m = m.next()
	}
	return m
}

// Repaired records the item count after a repair pass.
func (m Machine) Repaired(got int) Machine {
	if m.State != StateRepairing {
		return m
	}
	m.LastCount = got
	if got == m.Expected {
		m.State = StateSucceeded
		return m
	}
	return m.next()
}

func (m Machine) next() Machine {
	if m.Attempt >= m.MaxAttempts {
		m.State = StateExhausted
		return m
	}
	m.Attempt++
	m.State = StateAttempting
	return m
}

// Done reports whether the machine is in a terminal state.
func (m Machine) Done() bool {
	return m.State == StateSucceeded || m.State == StateExhausted
}

// Retrying reports whether the current attempt follows a failed one.
func (m Machine) Retrying() bool {
	return m.State == StateAttempting && m.Attempt > 1
}

// Err returns the mismatch error of an exhausted machine and nil otherwise.
func (m Machine) Err() error {
	if m.State != StateExhausted {
		return nil
	}
	return &CountMismatchError{Expected: m.Expected, Got: m.LastCount, Attempts: m.Attempt}
}
