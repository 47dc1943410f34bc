// Package aws implements the kmswire.Codec for AWS KMS Decrypt, building
// and parsing the AWS JSON 1.1 protocol request/response bytes the host
// transmits over TLS. It never constructs an SDK client — the core never
// dials out (spec §1) — but reuses the SDK's own enum for the encryption
// algorithm so the wire value matches what a real client would send.
package aws

import (
	"encoding/json"
	"fmt"
	"strings"

	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/axonops/fle-core/internal/endpoint"
	"github.com/axonops/fle-core/internal/kek"
	"github.com/axonops/fle-core/internal/kmswire"
)

const defaultPort = 443

// Codec implements kmswire.Codec for AWS KMS.
type Codec struct{}

var _ kmswire.Codec = Codec{}

// decryptRequest mirrors the AWS KMS JSON protocol's DecryptRequest shape.
// []byte fields marshal to base64 strings, matching the wire format.
type decryptRequest struct {
	KeyId               string `json:"KeyId"`
	CiphertextBlob      []byte `json:"CiphertextBlob"`
	EncryptionAlgorithm string `json:"EncryptionAlgorithm"`
}

type decryptResponse struct {
	KeyId               string `json:"KeyId"`
	Plaintext           []byte `json:"Plaintext"`
	EncryptionAlgorithm string `json:"EncryptionAlgorithm"`
}

type errorResponse struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

// Endpoint returns the descriptor's endpoint override, or the regional
// default AWS KMS endpoint.
func (Codec) Endpoint(d *kek.Descriptor) (endpoint.HostPort, error) {
	if d.Endpoint != nil {
		return *d.Endpoint, nil
	}
	return endpoint.Parse(fmt.Sprintf("kms.%s.amazonaws.com:%d", d.Region, defaultPort), defaultPort)
}

// BuildUnwrapRequest builds the Decrypt request body.
func (Codec) BuildUnwrapRequest(d *kek.Descriptor, wrapped []byte) ([]byte, error) {
	req := decryptRequest{
		KeyId:               d.KeyID,
		CiphertextBlob:      wrapped,
		EncryptionAlgorithm: string(kmstypes.EncryptionAlgorithmSpecSymmetricDefault),
	}
	buf, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("aws kmswire: build decrypt request: %w", err)
	}
	return buf, nil
}

// ParseUnwrapResponse parses a (possibly truncated) Decrypt response.
func (Codec) ParseUnwrapResponse(_ *kek.Descriptor, buf []byte) ([]byte, bool, error) {
	if len(buf) == 0 {
		return nil, true, nil
	}

	var errResp errorResponse
	if err := json.Unmarshal(buf, &errResp); err == nil && errResp.Type != "" {
		return nil, false, fmt.Errorf("aws kms error %s: %s", errResp.Type, errResp.Message)
	}

	var resp decryptResponse
	if err := json.Unmarshal(buf, &resp); err != nil {
		if isIncomplete(err) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("aws kmswire: malformed decrypt response: %w", err)
	}
	if len(resp.Plaintext) == 0 {
		return nil, false, fmt.Errorf("aws kmswire: decrypt response missing Plaintext")
	}
	return resp.Plaintext, false, nil
}

// isIncomplete reports whether err is the kind of JSON decode error a
// truncated-but-otherwise-valid prefix produces.
func isIncomplete(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unexpected end of JSON input") ||
		strings.Contains(msg, "unexpected EOF")
}
