// Package kmswire implements the KMS subcontext: a byte-level half-duplex
// state machine that drives one KMS unwrap exchange without ever dialing a
// socket itself (spec §4.2, §6). The host reads Message() once, transmits
// it over TLS to Endpoint(), and streams the response into Feed().
package kmswire

import (
	"github.com/axonops/fle-core/internal/endpoint"
	"github.com/axonops/fle-core/internal/kek"
	"github.com/axonops/fle-core/internal/status"
)

// BytesNeededUnknown is returned by BytesNeeded while the subcontext cannot
// yet say how many more bytes its response needs (spec §4.2's
// "unknown-until-parsed").
const BytesNeededUnknown = -1

// Codec builds the unwrap request for a KEK descriptor and parses the
// provider's response. Implementations live in the aws/azure/gcp
// subpackages; each is a pure byte-level codec — none of them open a
// connection.
type Codec interface {
	// Endpoint returns the host:port the caller must connect to for d.
	Endpoint(d *kek.Descriptor) (endpoint.HostPort, error)

	// BuildUnwrapRequest returns the request bytes for unwrapping wrapped
	// under d.
	BuildUnwrapRequest(d *kek.Descriptor, wrapped []byte) ([]byte, error)

	// ParseUnwrapResponse attempts to parse buf as a complete response.
	// incomplete=true means buf is a valid-so-far prefix and the caller
	// should feed more bytes; err != nil means buf is malformed or
	// reports a KMS-side failure.
	ParseUnwrapResponse(d *kek.Descriptor, buf []byte) (plaintext []byte, incomplete bool, err error)
}

// Subcontext is the state machine described in spec §4.2.
type Subcontext struct {
	descriptor *kek.Descriptor
	codec      Codec
	wrapped    []byte

	messageBytes []byte
	messageTaken bool

	resp      []byte
	complete  bool
	plaintext []byte
	st        status.Status
}

// New builds a Subcontext that will unwrap wrapped under descriptor using
// codec. The request bytes are built eagerly so Message never fails after
// construction succeeds; Endpoint asks the codec on every call and returns
// any error it reports.
func New(codec Codec, descriptor *kek.Descriptor, wrapped []byte) (*Subcontext, error) {
	req, err := codec.BuildUnwrapRequest(descriptor, wrapped)
	if err != nil {
		return nil, err
	}
	return &Subcontext{
		descriptor:   descriptor,
		codec:        codec,
		wrapped:      wrapped,
		messageBytes: req,
	}, nil
}

// Endpoint returns the host and port the caller must connect to (with TLS).
func (s *Subcontext) Endpoint() (endpoint.HostPort, error) {
	return s.codec.Endpoint(s.descriptor)
}

// Message returns the request bytes the host must transmit exactly once.
// It becomes empty after the first successful retrieval (spec §4.2).
func (s *Subcontext) Message() []byte {
	if s.messageTaken {
		return nil
	}
	s.messageTaken = true
	return s.messageBytes
}

// BytesNeeded hints how many more response bytes the parser wants. 0 means
// complete; BytesNeededUnknown means the parser cannot say yet.
func (s *Subcontext) BytesNeeded() int {
	if s.complete {
		return 0
	}
	return BytesNeededUnknown
}

// Feed appends chunk to the response accumulator and attempts to parse it.
func (s *Subcontext) Feed(chunk []byte) error {
	if s.complete {
		return nil
	}
	s.resp = append(s.resp, chunk...)

	plaintext, incomplete, err := s.codec.ParseUnwrapResponse(s.descriptor, s.resp)
	if err != nil {
		s.complete = true
		s.st = status.KMSErr(status.CodeKMSMalformed, "kms response: %v", err)
		return s.st
	}
	if incomplete {
		return nil
	}
	s.complete = true
	s.plaintext = plaintext
	s.st = status.OKStatus()
	return nil
}

// Fail marks the subcontext as failed because of a transport error the
// caller observed (spec §7's Network kind, relayed via kms_ctx.fail).
func (s *Subcontext) Fail(message string) {
	if s.complete {
		return
	}
	s.complete = true
	s.st = status.NetworkError(message)
}

// Complete reports whether the subcontext has finished (successfully or
// not).
func (s *Subcontext) Complete() bool {
	return s.complete
}

// Status returns the subcontext's current status.
func (s *Subcontext) Status() status.Status {
	return s.st
}

// Result returns the unwrapped key material once Complete() and
// Status().IsOK() are both true.
func (s *Subcontext) Result() ([]byte, error) {
	if !s.complete {
		return nil, errIncomplete
	}
	if !s.st.IsOK() {
		return nil, s.st
	}
	return s.plaintext, nil
}

var errIncomplete = status.KMSErr(status.CodeKMSIncomplete, "subcontext has not completed")
