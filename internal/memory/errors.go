package memory

import (
	"errors"
	"fmt"
)

var (
	ErrNothingToConsolidate = errors.New("nothing to consolidate: short-term memory is empty")
	ErrMalformedOutput      = errors.New("malformed model output, retry")
)

// FormatError reports an import payload that does not match the export shape.
type FormatError struct {
	Path   string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Path == "" {
		return "format error: " + e.Reason
	}
	return fmt.Sprintf("format error at %s: %s", e.Path, e.Reason)
}

func formatErrorf(path, format string, args ...any) *FormatError {
	return &FormatError{Path: path, Reason: fmt.Sprintf(format, args...)}
}
