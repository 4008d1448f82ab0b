package relay

import (
	"errors"
	"fmt"
)

var ErrResponderUnavailable = errors.New("no responder available")

// BindError reports that the OS refused the port chosen by the allocator.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }
