package completion

import (
	"errors"
	"fmt"
)

// GenericFailure is shown when a failed call carries no usable message.
const GenericFailure = "Failed to get a response from the AI."

// RemoteCallFault is a network or server failure on the completion call.
// Message is suitable for showing to the user.
type RemoteCallFault struct {
	StatusCode int // 0 for transport failures
	Message    string
	Err        error
}

func (e *RemoteCallFault) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("completion: status %d: %s", e.StatusCode, e.Message)
	}
	return "completion: " + e.Message
}

func (e *RemoteCallFault) Unwrap() error { return e.Err }

// UserMessage returns the text to surface for err: the fault's message for a
// RemoteCallFault, the generic failure text otherwise.
func UserMessage(err error) string {
	var fault *RemoteCallFault
	if errors.As(err, &fault) && fault.Message != "" {
		return fault.Message
	}
	return GenericFailure
}
