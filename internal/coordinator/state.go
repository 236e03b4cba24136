package coordinator

import (
	"errors"
	"fmt"
)

// State is the response state of one conversation view.
type State int

const (
	StateIdle State = iota
	StateAwaitingUserInput
	StateRequestInFlight
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingUserInput:
		return "awaiting_user_input"
	case StateRequestInFlight:
		return "request_in_flight"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrPrecondition marks a rejected call that wrote nothing.
var ErrPrecondition = errors.New("coordinator: precondition failed")

var (
	ErrEmptyMessage   = fmt.Errorf("%w: empty message", ErrPrecondition)
	ErrNoConversation = fmt.Errorf("%w: no conversation selected", ErrPrecondition)
	ErrNoCredential   = fmt.Errorf("%w: not signed in", ErrPrecondition)
	ErrBusy           = fmt.Errorf("%w: a reply is still pending", ErrPrecondition)
)

// Texts placed in the view's error slot.
const (
	SaveFailedMessage = "Could not save your message."
	TimeoutMessage    = "The assistant did not respond in time."
)
