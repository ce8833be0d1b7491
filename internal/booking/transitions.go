package booking

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTransition indicates the booking is not in a state the action applies to.
	ErrInvalidTransition = errors.New("booking: transition not allowed")
	// ErrNotFound indicates the booking id is not present in the bookings section.
	ErrNotFound = errors.New("booking: not found")
)

const (
	ActionApprove = "approve"
	ActionReject  = "reject"
)

type transition struct {
	action string
	from   Status
	to     Status
}

// Approved and rejected are terminal here. Direct field overwrites in the
// remote store remain possible for corrections.
var transitions = compileTransitions([]transition{
	{action: ActionApprove, from: StatusPending, to: StatusApproved},
	{action: ActionReject, from: StatusPending, to: StatusRejected},
})

func compileTransitions(list []transition) map[string]transition {
	out := make(map[string]transition, len(list))
	for _, t := range list {
		out[transitionKey(t.action, t.from)] = t
	}
	return out
}

// Next returns the status reached by applying action to a booking in from.
func Next(action string, from Status) (Status, error) {
	t, ok := transitions[transitionKey(action, from)]
	if !ok {
		return "", fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, NormalizeStatus(from))
	}
	return t.to, nil
}

func transitionKey(action string, from Status) string {
	return strings.TrimSpace(strings.ToLower(action)) + "::" + string(NormalizeStatus(from))
}
