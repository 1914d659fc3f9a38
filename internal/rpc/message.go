package rpc

import (
	"fmt"
	"strings"
)

const (
	kindRequest  = "rpc"
	kindResponse = "res"

	outcomeOK    = "ok"
	outcomeError = "error"
)

// message is the wire envelope. A request carries a payload; a response
// carries either a payload (outcome "ok") or an error (outcome "error").
type message struct {
	Kind    string     `cbor:"kind"`
	Num     uint64     `cbor:"num"`
	Method  string     `cbor:"method"`
	Payload Payload    `cbor:"payload,omitempty"`
	Outcome string     `cbor:"outcome,omitempty"`
	Error   *ErrorInfo `cbor:"error,omitempty"`
}

// ErrorInfo is the serialized form of an error raised by a handler.
type ErrorInfo struct {
	Name    string `cbor:"name"`
	Message string `cbor:"message"`
	Stack   string `cbor:"stack,omitempty"`
}

// RemoteError is an error raised on the other side of the channel,
// reconstructed with its original name, message and stack.
type RemoteError struct {
	Name    string
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	if e.Name == "" || e.Name == "Error" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// ErrorName reports the remote error name so a RemoteError relayed through
// a second channel keeps it.
func (e *RemoteError) ErrorName() string { return e.Name }

// ErrorStack reports the remote stack.
func (e *RemoteError) ErrorStack() string { return e.Stack }

// NamedError is implemented by errors that want a specific name on the
// wire. Errors without it travel as "Error".
type NamedError interface {
	error
	ErrorName() string
}

type stackedError interface {
	ErrorStack() string
}

func errorInfo(err error) *ErrorInfo {
	info := &ErrorInfo{Name: "Error", Message: err.Error()}
	if named, ok := err.(NamedError); ok && named.ErrorName() != "" {
		info.Name = named.ErrorName()
		info.Message = strings.TrimPrefix(info.Message, info.Name+": ")
	}
	if stacked, ok := err.(stackedError); ok {
		info.Stack = stacked.ErrorStack()
	}
	return info
}

// ProtocolError marks a broken channel invariant: a response for the wrong
// method, an unknown response number, an out of order sequence number.
// These are never recovered from.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string     { return "protocol violation: " + e.Message }
func (e *ProtocolError) ErrorName() string { return "ProtocolError" }

// Protocolf builds a ProtocolError.
func Protocolf(format string, args ...any) error {
	return &ProtocolError{Message: fmt.Sprintf(format, args...)}
}
