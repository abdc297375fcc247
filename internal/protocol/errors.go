package protocol

import "fmt"

// MalformedFrameError reports a frame that is not a JSON object.
type MalformedFrameError struct {
	Err error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame: %v", e.Err)
}

func (e *MalformedFrameError) Unwrap() error {
	return e.Err
}

// UnknownCommandTypeError reports a type discriminator outside the command set.
type UnknownCommandTypeError struct {
	Type string
}

func (e *UnknownCommandTypeError) Error() string {
	return fmt.Sprintf("unknown message type: %s", e.Type)
}

// SchemaViolationError reports a missing or mistyped field.
type SchemaViolationError struct {
	Field  string
	Reason string
}

func (e *SchemaViolationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}
