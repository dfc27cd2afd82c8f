package link

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// Error kinds. Match with errors.Is against a returned error.
var (
	ErrConnection = errors.New("instrument connection error")
	ErrTimeout    = errors.New("instrument timeout")
	ErrDevice     = errors.New("instrument reported error")
)

var (
	errNotConnected = errors.New("not connected")
	errSessionBusy  = errors.New("session held by another process")
	errLineTooLong  = errors.New("response line exceeds limit")
)

// Error describes a failed exchange with one instrument.
type Error struct {
	Kind     error
	Link     string
	Address  string
	Command  string
	Text     string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s (%s)", e.Link, e.Kind, e.Address)
	if e.Command != "" {
		msg += fmt.Sprintf(": command %q", e.Command)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Text != "" {
		msg += ": " + e.Text
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// DeviceText returns the raw device error text carried by err, if any.
func DeviceText(err error) (string, bool) {
	var le *Error
	if errors.As(err, &le) && errors.Is(le.Kind, ErrDevice) {
		return le.Text, true
	}
	return "", false
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
