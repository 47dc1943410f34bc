// Package status implements the per-context error channel (spec §3, §7):
// a status has a kind, a stable numeric code, and a human-readable message.
// A context transitions to ERROR whenever its status becomes non-ok, and
// the status channel is written at most once per operation — first
// failure wins.
package status

import "fmt"

// Kind classifies the origin of a non-ok status.
type Kind int

const (
	// OK means the operation has not failed.
	OK Kind = iota
	// Client means the caller misused the API, or supplied bad input, or
	// called a driver method in the wrong state.
	Client
	// KMS means a KMS subcontext received an error or undecryptable
	// response from its provider.
	KMS
	// Network means a transport error the caller observed and reported
	// back via a subcontext's Fail method; the core never originates one.
	Network
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "ok"
	case Client:
		return "client"
	case KMS:
		return "kms"
	case Network:
		return "network"
	default:
		return "unknown"
	}
}

// Stable numeric codes. These are part of the wire contract: host bindings
// may switch on the numeric value, so existing codes never change meaning.
const (
	CodeOK = 0

	CodeWrongState        = 1001
	CodeInvalidArgument    = 1002
	CodeUnrecognizedKMS    = 1003
	CodeUnresolvedKeys     = 1004
	CodeDuplicateDocument  = 1005
	CodeNoMatchingRequest  = 1006
	CodeMalformedDocument  = 1007

	CodeKMSError       = 2001
	CodeKMSMalformed   = 2002
	CodeKMSIncomplete  = 2003

	CodeNetworkFailure = 3001
)

// Status is the value copied out by the pump API's status(out) call.
type Status struct {
	Kind    Kind
	Code    int
	Message string
}

// OKStatus is the reset/ok value written by status(out) on success.
func OKStatus() Status {
	return Status{Kind: OK, Code: CodeOK}
}

// IsOK reports whether the status represents success.
func (s Status) IsOK() bool {
	return s.Kind == OK
}

// ClientError builds a Client-kind status with the given code and message.
func ClientError(code int, format string, args ...any) Status {
	return Status{Kind: Client, Code: code, Message: sprintf(format, args...)}
}

// KMSErr builds a KMS-kind status with the given code and message.
func KMSErr(code int, format string, args ...any) Status {
	return Status{Kind: KMS, Code: code, Message: sprintf(format, args...)}
}

// NetworkError builds a Network-kind status from a caller-reported failure.
func NetworkError(message string) Status {
	return Status{Kind: Network, Code: CodeNetworkFailure, Message: message}
}

// Error implements the error interface so a Status can be returned wherever
// Go code prefers an error value (e.g. from Broker methods before the
// context copies it into its own channel).
func (s Status) Error() string {
	if s.IsOK() {
		return "ok"
	}
	return s.Kind.String() + ": " + s.Message
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
