// Package gcp implements the kmswire.Codec for GCP Cloud KMS's Decrypt RPC,
// building and parsing the protobuf-encoded request/response messages the
// host exchanges with the KMS endpoint over TLS.
package gcp

import (
	"fmt"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/protobuf/proto"

	"github.com/axonops/fle-core/internal/endpoint"
	"github.com/axonops/fle-core/internal/kek"
	"github.com/axonops/fle-core/internal/kmswire"
)

const defaultEndpoint = "cloudkms.googleapis.com:443"

// Codec implements kmswire.Codec for GCP Cloud KMS.
type Codec struct{}

var _ kmswire.Codec = Codec{}

// Endpoint returns the descriptor's endpoint override, or the default
// Cloud KMS endpoint.
func (Codec) Endpoint(d *kek.Descriptor) (endpoint.HostPort, error) {
	if d.Endpoint != nil {
		return *d.Endpoint, nil
	}
	return endpoint.Parse(defaultEndpoint, 443)
}

// BuildUnwrapRequest builds a serialized kmspb.DecryptRequest.
func (Codec) BuildUnwrapRequest(d *kek.Descriptor, wrapped []byte) ([]byte, error) {
	req := &kmspb.DecryptRequest{
		Name:       cryptoKeyName(d),
		Ciphertext: wrapped,
	}
	buf, err := proto.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("gcp kmswire: build decrypt request: %w", err)
	}
	return buf, nil
}

// ParseUnwrapResponse parses a (possibly truncated) kmspb.DecryptResponse.
// proto.Unmarshal does not distinguish "truncated" from "corrupt" for an
// arbitrary prefix, so any parse failure is treated as "need more bytes"
// until the accumulated buffer successfully decodes and carries a
// non-empty plaintext field.
// maxResponseBytes bounds how long ParseUnwrapResponse keeps asking for
// more data before giving up and reporting a malformed response.
const maxResponseBytes = 1 << 20

func (Codec) ParseUnwrapResponse(_ *kek.Descriptor, buf []byte) ([]byte, bool, error) {
	if len(buf) == 0 {
		return nil, true, nil
	}
	resp := &kmspb.DecryptResponse{}
	if err := proto.Unmarshal(buf, resp); err != nil {
		if len(buf) > maxResponseBytes {
			return nil, false, fmt.Errorf("gcp kmswire: malformed decrypt response: %w", err)
		}
		return nil, true, nil
	}
	if len(resp.GetPlaintext()) == 0 {
		if len(buf) > maxResponseBytes {
			return nil, false, fmt.Errorf("gcp kmswire: decrypt response missing plaintext")
		}
		return nil, true, nil
	}
	return resp.GetPlaintext(), false, nil
}

func cryptoKeyName(d *kek.Descriptor) string {
	return fmt.Sprintf("projects/%s/locations/%s/keyRings/%s/cryptoKeys/%s",
		d.ProjectID, d.Location, d.KeyRing, d.KeyName)
}
