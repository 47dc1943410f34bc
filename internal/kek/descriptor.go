// Package kek implements the key-encryption-key descriptor: a tagged variant
// representing AWS KMS, Azure Key Vault, GCP Cloud KMS, or a local
// in-process key provider (spec §3, §4.1).
//
// Parse takes ownership of its decoded strings; Serialize produces the
// canonical wire document; Clone deep-copies a descriptor; Release drops a
// descriptor's owned resources. In Go, Clone/Release exist for API parity
// with the C-ABI binding that embeds this core, rather than because the
// garbage collector needs help.
package kek

import (
	"fmt"
	"unicode/utf8"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/axonops/fle-core/internal/endpoint"
	"github.com/axonops/fle-core/internal/fleerrors"
)

// Provider identifies which KMS a descriptor targets.
type Provider string

const (
	AWS   Provider = "aws"
	Azure Provider = "azure"
	GCP   Provider = "gcp"
	Local Provider = "local"
)

const (
	defaultAWSPort   = 443
	defaultAzurePort = 443
	defaultGCPPort   = 443
)

// Descriptor is the tagged variant. Only the fields relevant to Provider
// are populated; the invariant "variant tag and populated fields agree"
// (spec §3) is enforced by Parse and never broken by exported mutators.
// A Descriptor built as a struct literal is not validated.
type Descriptor struct {
	Provider Provider

	// AWS
	Region   string
	KeyID    string // customer master key identifier
	Endpoint *endpoint.HostPort

	// Azure
	KeyVaultEndpoint endpoint.HostPort
	KeyName          string
	KeyVersion       string

	// GCP
	ProjectID string
	Location  string
	KeyRing   string
	// KeyName and KeyVersion and Endpoint are shared with AWS/Azure above.
}

// wireDoc mirrors the union of every variant's BSON fields, used only as a
// decode target; a Descriptor never carries fields outside its own variant.
type wireDoc struct {
	Provider string `bson:"provider"`

	Region   string `bson:"region,omitempty"`
	Key      string `bson:"key,omitempty"`
	Endpoint string `bson:"endpoint,omitempty"`

	KeyVaultEndpoint string `bson:"keyVaultEndpoint,omitempty"`
	KeyName          string `bson:"keyName,omitempty"`
	KeyVersion       string `bson:"keyVersion,omitempty"`

	ProjectID string `bson:"projectId,omitempty"`
	Location  string `bson:"location,omitempty"`
	KeyRing   string `bson:"keyRing,omitempty"`
}

// Parse decodes a BSON masterKey document into a Descriptor (spec §4.1).
func Parse(doc bson.Raw) (*Descriptor, error) {
	var w wireDoc
	if err := bson.Unmarshal(doc, &w); err != nil {
		return nil, fmt.Errorf("%w: masterKey: %v", fleerrors.ErrInvalidField, err)
	}

	switch Provider(w.Provider) {
	case AWS:
		return parseAWS(w)
	case Azure:
		return parseAzure(w)
	case GCP:
		return parseGCP(w)
	case Local:
		return &Descriptor{Provider: Local}, nil
	case "":
		return nil, fmt.Errorf("%w: masterKey.provider is required", fleerrors.ErrMissingField)
	default:
		return nil, fmt.Errorf("%w: unrecognized KMS provider: %s", fleerrors.ErrUnrecognizedProvider, w.Provider)
	}
}

func parseAWS(w wireDoc) (*Descriptor, error) {
	if err := requireUTF8("region", w.Region); err != nil {
		return nil, err
	}
	if err := requireUTF8("key", w.Key); err != nil {
		return nil, err
	}
	d := &Descriptor{Provider: AWS, Region: w.Region, KeyID: w.Key}
	if w.Endpoint != "" {
		ep, err := endpoint.Parse(w.Endpoint, defaultAWSPort)
		if err != nil {
			return nil, fmt.Errorf("%w: endpoint: %v", fleerrors.ErrInvalidField, err)
		}
		d.Endpoint = &ep
	}
	return d, nil
}

func parseAzure(w wireDoc) (*Descriptor, error) {
	if err := requireUTF8("keyVaultEndpoint", w.KeyVaultEndpoint); err != nil {
		return nil, err
	}
	if err := requireUTF8("keyName", w.KeyName); err != nil {
		return nil, err
	}
	ep, err := endpoint.Parse(w.KeyVaultEndpoint, defaultAzurePort)
	if err != nil {
		return nil, fmt.Errorf("%w: keyVaultEndpoint: %v", fleerrors.ErrInvalidField, err)
	}
	return &Descriptor{
		Provider:         Azure,
		KeyVaultEndpoint: ep,
		KeyName:          w.KeyName,
		KeyVersion:       w.KeyVersion,
	}, nil
}

func parseGCP(w wireDoc) (*Descriptor, error) {
	for _, f := range []struct{ name, val string }{
		{"projectId", w.ProjectID},
		{"location", w.Location},
		{"keyRing", w.KeyRing},
		{"keyName", w.KeyName},
	} {
		if err := requireUTF8(f.name, f.val); err != nil {
			return nil, err
		}
	}
	d := &Descriptor{
		Provider:  GCP,
		ProjectID: w.ProjectID,
		Location:  w.Location,
		KeyRing:   w.KeyRing,
		KeyName:   w.KeyName,
	}
	if w.KeyVersion != "" {
		d.KeyVersion = w.KeyVersion
	}
	if w.Endpoint != "" {
		ep, err := endpoint.Parse(w.Endpoint, defaultGCPPort)
		if err != nil {
			return nil, fmt.Errorf("%w: endpoint: %v", fleerrors.ErrInvalidField, err)
		}
		d.Endpoint = &ep
	}
	return d, nil
}

func requireUTF8(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", fleerrors.ErrMissingField, field)
	}
	if !utf8.ValidString(value) {
		return fmt.Errorf("%w: %s is not valid UTF-8", fleerrors.ErrInvalidField, field)
	}
	return nil
}

// Serialize produces the canonical wire document for the descriptor (spec
// §4.1): "provider" plus the variant's fields in declaration order, omitting
// absent optional fields.
func (d *Descriptor) Serialize() (bson.Raw, error) {
	var doc bson.D
	doc = append(doc, bson.E{Key: "provider", Value: string(d.Provider)})

	switch d.Provider {
	case AWS:
		doc = append(doc, bson.E{Key: "region", Value: d.Region}, bson.E{Key: "key", Value: d.KeyID})
		if d.Endpoint != nil {
			doc = append(doc, bson.E{Key: "endpoint", Value: d.Endpoint.String()})
		}
	case Azure:
		doc = append(doc, bson.E{Key: "keyVaultEndpoint", Value: d.KeyVaultEndpoint.String()})
		doc = append(doc, bson.E{Key: "keyName", Value: d.KeyName})
		if d.KeyVersion != "" {
			doc = append(doc, bson.E{Key: "keyVersion", Value: d.KeyVersion})
		}
	case GCP:
		doc = append(doc,
			bson.E{Key: "projectId", Value: d.ProjectID},
			bson.E{Key: "location", Value: d.Location},
			bson.E{Key: "keyRing", Value: d.KeyRing},
			bson.E{Key: "keyName", Value: d.KeyName},
		)
		if d.KeyVersion != "" {
			doc = append(doc, bson.E{Key: "keyVersion", Value: d.KeyVersion})
		}
		if d.Endpoint != nil {
			doc = append(doc, bson.E{Key: "endpoint", Value: d.Endpoint.String()})
		}
	case Local:
		// no further fields
	}

	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("kek: serialize: %w", err)
	}
	return raw, nil
}

// Clone deep-copies the descriptor.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	c := *d
	if d.Endpoint != nil {
		ep := *d.Endpoint
		c.Endpoint = &ep
	}
	return &c
}

// Release drops the descriptor's owned fields. It is safe to call on a nil
// Descriptor and idempotent.
func (d *Descriptor) Release() {
	if d == nil {
		return
	}
	*d = Descriptor{}
}

// Equal reports semantic equality of all populated fields, used to verify
// the Parse(Serialize(k)) ≡ k round-trip property (spec §8, invariant 2).
func (d *Descriptor) Equal(o *Descriptor) bool {
	if d == nil || o == nil {
		return d == o
	}
	if d.Provider != o.Provider {
		return false
	}
	switch d.Provider {
	case AWS:
		if d.Region != o.Region || d.KeyID != o.KeyID {
			return false
		}
		return endpointsEqual(d.Endpoint, o.Endpoint)
	case Azure:
		return d.KeyVaultEndpoint.Equal(o.KeyVaultEndpoint) &&
			d.KeyName == o.KeyName && d.KeyVersion == o.KeyVersion
	case GCP:
		if d.ProjectID != o.ProjectID || d.Location != o.Location ||
			d.KeyRing != o.KeyRing || d.KeyName != o.KeyName || d.KeyVersion != o.KeyVersion {
			return false
		}
		return endpointsEqual(d.Endpoint, o.Endpoint)
	case Local:
		return true
	default:
		return false
	}
}

func endpointsEqual(a, b *endpoint.HostPort) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
