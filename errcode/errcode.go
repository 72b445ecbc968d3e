// Package errcode carries the small, stable set of error identifiers the
// gateway core can report across its public API. Internally recoverable
// conditions are logged and handled without ever surfacing an error across
// a loop() boundary; errcode exists for the few cases that must be
// reported to a caller (register lookups, pairing queries).
package errcode

// Code is a stable, comparable error identifier. It is a string newtype,
// allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes, one per row of the error-handling table.
const (
	OK Code = "ok"

	ConnectionLost Code = "connection_lost"
	BufferFull     Code = "buffer_full"

	CRCMismatch    Code = "crc_mismatch"
	BadTerminator  Code = "bad_terminator"
	UnknownVersion Code = "unknown_version"
	UnknownKind    Code = "unknown_kind"
	FrameTooShort  Code = "frame_too_short"

	PairingTimeout   Code = "pairing_timeout"
	TotalAttemptsCap Code = "total_attempts_cap"

	RegisterNotFound    Code = "register_not_found"
	RegisterNotWritable Code = "register_not_writable"

	Error Code = "error" // generic fallback
)

// E wraps a code with an operation name, a message, and an optional cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return e.Op + ": " + string(e.C) + ": " + e.Msg
	}
	return e.Op + ": " + string(e.C)
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}
