package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Error reports a failed gateway call. Status is zero for transport-level failures.
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Status != 0 {
		return fmt.Sprintf("gateway error (status %d): %s", e.Status, msg)
	}
	return "gateway error: " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the call failed because its deadline expired.
func (e *Error) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(e.Err, &te) && te.Timeout()
}
