package kek

import (
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/axonops/fle-core/internal/fleerrors"
)

func mustMarshal(t *testing.T, v any) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(v)
	if err != nil {
		t.Fatalf("bson.Marshal: %v", err)
	}
	return raw
}

func TestParseAWS(t *testing.T) {
	doc := mustMarshal(t, bson.M{
		"provider": "aws",
		"region":   "us-east-1",
		"key":      "arn:aws:kms:us-east-1:123456789012:key/abcd",
	})
	d, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.Provider != AWS || d.Region != "us-east-1" {
		t.Errorf("got %+v", d)
	}
	if d.Endpoint != nil {
		t.Errorf("expected nil endpoint, got %+v", d.Endpoint)
	}
}

func TestParseAWSWithEndpoint(t *testing.T) {
	doc := mustMarshal(t, bson.M{
		"provider": "aws",
		"region":   "us-east-1",
		"key":      "alias/test",
		"endpoint": "kms.us-east-1.amazonaws.com:443",
	})
	d, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.Endpoint == nil || d.Endpoint.Port != 443 {
		t.Errorf("got %+v", d.Endpoint)
	}
}

func TestParseAWSMissingRegion(t *testing.T) {
	doc := mustMarshal(t, bson.M{"provider": "aws", "key": "alias/test"})
	_, err := Parse(doc)
	if !errors.Is(err, fleerrors.ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestParseAzure(t *testing.T) {
	doc := mustMarshal(t, bson.M{
		"provider":         "azure",
		"keyVaultEndpoint": "https://myvault.vault.azure.net",
		"keyName":          "my-key",
	})
	d, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.KeyVaultEndpoint.Host != "myvault.vault.azure.net" || d.KeyVaultEndpoint.Port != 443 {
		t.Errorf("got %+v", d.KeyVaultEndpoint)
	}
}

func TestParseGCP(t *testing.T) {
	doc := mustMarshal(t, bson.M{
		"provider":  "gcp",
		"projectId": "my-project",
		"location":  "global",
		"keyRing":   "my-ring",
		"keyName":   "my-key",
	})
	d, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.ProjectID != "my-project" || d.KeyRing != "my-ring" {
		t.Errorf("got %+v", d)
	}
}

func TestParseGCPMissingField(t *testing.T) {
	doc := mustMarshal(t, bson.M{
		"provider":  "gcp",
		"projectId": "my-project",
		"location":  "global",
	})
	_, err := Parse(doc)
	if !errors.Is(err, fleerrors.ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestParseLocal(t *testing.T) {
	doc := mustMarshal(t, bson.M{"provider": "local"})
	d, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.Provider != Local {
		t.Errorf("got %+v", d)
	}
}

func TestParseUnrecognizedProvider(t *testing.T) {
	doc := mustMarshal(t, bson.M{"provider": "kmip"})
	_, err := Parse(doc)
	if !errors.Is(err, fleerrors.ErrUnrecognizedProvider) {
		t.Fatalf("expected ErrUnrecognizedProvider, got %v", err)
	}
	if !contains(err.Error(), "kmip") {
		t.Errorf("error message should mention kmip: %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	variants := []bson.M{
		{"provider": "aws", "region": "eu-west-1", "key": "alias/prod"},
		{"provider": "aws", "region": "eu-west-1", "key": "alias/prod", "endpoint": "kms.eu-west-1.amazonaws.com:443"},
		{"provider": "azure", "keyVaultEndpoint": "https://v.vault.azure.net", "keyName": "k1", "keyVersion": "v1"},
		{"provider": "gcp", "projectId": "p", "location": "global", "keyRing": "r", "keyName": "k"},
		{"provider": "local"},
	}
	for _, v := range variants {
		doc := mustMarshal(t, v)
		d1, err := Parse(doc)
		if err != nil {
			t.Fatalf("Parse(%v): %v", v, err)
		}
		ser, err := d1.Serialize()
		if err != nil {
			t.Fatalf("Serialize: %v", err)
		}
		d2, err := Parse(ser)
		if err != nil {
			t.Fatalf("re-Parse: %v", err)
		}
		if !d1.Equal(d2) {
			t.Errorf("round trip mismatch: %+v != %+v", d1, d2)
		}
	}
}

func TestClone(t *testing.T) {
	doc := mustMarshal(t, bson.M{
		"provider": "aws",
		"region":   "us-east-1",
		"key":      "alias/test",
		"endpoint": "kms.us-east-1.amazonaws.com:443",
	})
	d, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c := d.Clone()
	if !d.Equal(c) {
		t.Fatal("clone should be equal to original")
	}
	c.Endpoint.Port = 9999
	if d.Endpoint.Port == 9999 {
		t.Fatal("clone should not alias the original endpoint")
	}
}

func TestRelease(t *testing.T) {
	d := &Descriptor{Provider: AWS, Region: "us-east-1", KeyID: "alias/test"}
	d.Release()
	if d.Provider != "" || d.Region != "" {
		t.Errorf("Release did not clear fields: %+v", d)
	}
	// Safe on nil and idempotent.
	var nilD *Descriptor
	nilD.Release()
	d.Release()
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
