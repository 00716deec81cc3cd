// Package transport moves commands to the arm and feedback back from it.
package transport

import (
	"context"
	"errors"
	"fmt"

	"armctl/pkg/joint"
)

// ErrTransport is matched by every transport Error.
var ErrTransport = errors.New("transport failure")

// Error is a dispatch or feedback failure at the transport boundary. It is never fatal to the
// control loop.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes every Error match ErrTransport.
func (e *Error) Is(target error) bool {
	return target == ErrTransport
}

// Dispatcher sends a fully populated command to the arm.
type Dispatcher interface {
	Send(ctx context.Context, cmd joint.Command) error
}

// Transport is a dispatcher that also publishes feedback while started.
type Transport interface {
	Dispatcher
	Start(ctx context.Context) error
	Close() error
}

// DispatcherFunc adapts a function to a Dispatcher.
type DispatcherFunc func(ctx context.Context, cmd joint.Command) error

// Send calls f.
func (f DispatcherFunc) Send(ctx context.Context, cmd joint.Command) error {
	return f(ctx, cmd)
}
