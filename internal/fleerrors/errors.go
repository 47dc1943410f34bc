// Package fleerrors holds sentinel errors for conditions the core detects
// about its own misuse or bad input, checkable with errors.Is, following
// the teacher's internal/registry and internal/storage sentinel-error style.
package fleerrors

import "errors"

var (
	// ErrWrongState names a driver method called in a state that does not
	// support it (spec §4.4). opcontext reports that condition as a
	// status.Status with status.CodeWrongState; it does not return this value.
	ErrWrongState = errors.New("wrong state")

	// ErrUnrecognizedProvider is returned when a KEK document names a
	// provider other than aws, azure, gcp, or local (spec §4.1).
	ErrUnrecognizedProvider = errors.New("unrecognized KMS provider")

	// ErrMissingField is returned when a required KEK or key-document
	// field is absent or empty.
	ErrMissingField = errors.New("missing required field")

	// ErrInvalidField is returned when a present field fails validation
	// (non-UTF8, malformed endpoint, wrong BSON type).
	ErrInvalidField = errors.New("invalid field")

	// ErrBrokerWrongState names a key-broker operation invoked outside the
	// lifecycle state that allows it (spec §4.3). keybroker reports that
	// condition as a status with status.CodeWrongState; it does not return
	// this value.
	ErrBrokerWrongState = errors.New("key broker: wrong state")

	// ErrUnresolvedKeys names requests left unresolved at done_adding_docs
	// in strict mode (spec §4.3). keybroker reports that condition as a
	// status with status.CodeUnresolvedKeys; it does not return this value.
	ErrUnresolvedKeys = errors.New("key broker: unresolved key requests")

	// ErrDocumentMatchesNothing names a candidate key document that matches
	// no outstanding request (spec §4.3). keybroker reports that condition
	// as a status with status.CodeNoMatchingRequest; it does not return
	// this value.
	ErrDocumentMatchesNothing = errors.New("key broker: document matches no outstanding request")

	// ErrKeyNotFound is returned by the broker's Lookup, LookupByAltName and
	// IDForAltName for an id or alt-name whose entry has no unwrapped key
	// material (or, for IDForAltName, no known key id). An id or alt-name
	// with no entry at all yields a status with status.CodeInvalidArgument.
	ErrKeyNotFound = errors.New("key broker: key not found")

	// ErrKMSIncomplete names a subcontext that has not finished parsing its
	// response at kms_done. keybroker and kmswire report that condition as
	// a status with status.CodeKMSIncomplete; they do not return this value.
	ErrKMSIncomplete = errors.New("kms subcontext: incomplete")
)
