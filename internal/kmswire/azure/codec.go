// Package azure implements the kmswire.Codec for Azure Key Vault's
// unwrapKey REST operation, building and parsing the JSON request/response
// bytes the host exchanges over TLS.
package azure

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"

	"github.com/axonops/fle-core/internal/endpoint"
	"github.com/axonops/fle-core/internal/kek"
	"github.com/axonops/fle-core/internal/kmswire"
)

// Codec implements kmswire.Codec for Azure Key Vault.
type Codec struct{}

var _ kmswire.Codec = Codec{}

// unwrapRequest mirrors Key Vault's KeyOperationParameters REST body.
type unwrapRequest struct {
	Alg   string `json:"alg"`
	Value []byte `json:"value"`
}

type unwrapResponse struct {
	Kid   string `json:"kid"`
	Value []byte `json:"value"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Endpoint returns the key vault's host and port.
func (Codec) Endpoint(d *kek.Descriptor) (endpoint.HostPort, error) {
	return d.KeyVaultEndpoint, nil
}

// BuildUnwrapRequest builds the unwrapKey request body. The algorithm
// matches the one the teacher's azure provider (internal/kms/azure) uses
// for WrapKey/UnwrapKey.
func (Codec) BuildUnwrapRequest(_ *kek.Descriptor, wrapped []byte) ([]byte, error) {
	req := unwrapRequest{
		Alg:   string(azkeys.EncryptionAlgorithmRSAOAEP256),
		Value: wrapped,
	}
	buf, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("azure kmswire: build unwrap request: %w", err)
	}
	return buf, nil
}

// ParseUnwrapResponse parses a (possibly truncated) unwrapKey response.
func (Codec) ParseUnwrapResponse(_ *kek.Descriptor, buf []byte) ([]byte, bool, error) {
	if len(buf) == 0 {
		return nil, true, nil
	}

	var env errorEnvelope
	if err := json.Unmarshal(buf, &env); err == nil && env.Error.Code != "" {
		return nil, false, fmt.Errorf("azure key vault error %s: %s", env.Error.Code, env.Error.Message)
	}

	var resp unwrapResponse
	if err := json.Unmarshal(buf, &resp); err != nil {
		if isIncomplete(err) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("azure kmswire: malformed unwrap response: %w", err)
	}
	if len(resp.Value) == 0 {
		return nil, false, fmt.Errorf("azure kmswire: unwrap response missing value")
	}
	return resp.Value, false, nil
}

func isIncomplete(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unexpected end of JSON input") ||
		strings.Contains(msg, "unexpected EOF")
}
