// Package stubs holds the sandbox side of every capability. Each stub
// operation marshals its arguments, issues one channel request and
// unmarshals the answer; the state lives with the host.
package stubs
