package companion

import (
	"errors"
	"fmt"
)

// ErrBusy is returned when a turn or memory update is already running.
var ErrBusy = errors.New("companion is busy, try again when the current reply finishes")

// ProtocolError reports a tool call the model formed incorrectly. The turn
// is abandoned; resubmitting usually succeeds.
type ProtocolError struct {
	Tool   string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("protocol error: %s, retry", e.Reason)
	}
	return fmt.Sprintf("protocol error in %s call: %s, retry", e.Tool, e.Reason)
}
