package kind

import (
	"errors"
	"fmt"
)

var (
	ErrStubBroken = errors.New("kind: remote stub is broken")
	ErrSpent      = errors.New("kind: one-shot function already called")
	ErrRemote     = errors.New("kind: remote producer failed")
)

// InsufficientError is returned by Construct when the channel ended
// before enough items were received.
type InsufficientError struct {
	Got      int
	Expected int
}

func (err *InsufficientError) Error() string {
	return fmt.Sprintf("kind: channel ended after %d of %d expected items", err.Got, err.Expected)
}

// SendError wraps a failure to send an item.
type SendError struct {
	Cause error
}

func (err *SendError) Error() string {
	return fmt.Sprintf("kind: send failed: %s", err.Cause)
}

func (err *SendError) Unwrap() error {
	return err.Cause
}

// ArityError is returned when a call request does not carry one handle
// per argument.
type ArityError struct {
	Got      int
	Expected int
}

func (err *ArityError) Error() string {
	return fmt.Sprintf("kind: call carries %d arguments, expected %d", err.Got, err.Expected)
}

// StubError is returned by a remote function once a call failed midway.
// The stub stays broken afterwards.
type StubError struct {
	Cause error
}

func (err *StubError) Error() string {
	return fmt.Sprintf("kind: remote call failed: %s", err.Cause)
}

func (err *StubError) Unwrap() error {
	return err.Cause
}

func (err *StubError) Is(target error) bool {
	return target == ErrStubBroken
}

// RemoteError is a failure reported by the deconstructing side, such as
// the error ending a stream. Only its message crosses the channel.
type RemoteError struct {
	Message string
}

func (err *RemoteError) Error() string {
	return "kind: remote failure: " + err.Message
}

func (err *RemoteError) Is(target error) bool {
	return target == ErrRemote
}
