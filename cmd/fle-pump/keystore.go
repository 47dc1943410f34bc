package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"gopkg.in/yaml.v3"

	"github.com/axonops/fle-core/internal/docs"
	"github.com/axonops/fle-core/internal/kek"
	"github.com/axonops/fle-core/internal/localkms"
)

// keyFixture is one entry of the harness's YAML key-document fixture file:
// a local-provider-wrapped DEK the demo "key vault collection" serves back
// to the broker.
type keyFixture struct {
	ID              string   `yaml:"id"`
	AltNames        []string `yaml:"altNames"`
	PlaintextDEKHex string   `yaml:"plaintextDekHex"`
}

// keyStore simulates the Mongo key-vault collection: it holds a fixed set
// of key documents and answers the broker's filter(out) the way a real
// find() against BuildKeyFilter's $or shape would.
type keyStore struct {
	docs []bson.Raw
}

// loadKeyStore reads the fixture file and wraps each entry's DEK under the
// local provider, producing real key documents docs.ParseKeyDocument can
// ingest.
func loadKeyStore(path string, local *localkms.Provider) (*keyStore, error) {
	// #nosec G304 -- path is an operator-supplied CLI argument
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	var fixtures []keyFixture
	if err := yaml.Unmarshal(raw, &fixtures); err != nil {
		return nil, fmt.Errorf("parse keystore: %w", err)
	}

	ks := &keyStore{}
	for _, f := range fixtures {
		id, err := uuid.Parse(f.ID)
		if err != nil {
			return nil, fmt.Errorf("keystore entry %q: bad id: %w", f.ID, err)
		}
		dek, err := hexDecode(f.PlaintextDEKHex)
		if err != nil {
			return nil, fmt.Errorf("keystore entry %q: %w", f.ID, err)
		}
		wrapped, err := local.Wrap(id[:], dek)
		if err != nil {
			return nil, fmt.Errorf("keystore entry %q: wrap: %w", f.ID, err)
		}
		masterKey, err := (&kek.Descriptor{Provider: kek.Local}).Serialize()
		if err != nil {
			return nil, fmt.Errorf("keystore entry %q: serialize masterKey: %w", f.ID, err)
		}
		doc := bson.D{
			{Key: "_id", Value: docs.UUIDBinary(id)},
			{Key: "masterKey", Value: masterKey},
			{Key: "keyMaterial", Value: wrapped},
			{Key: "creationDate", Value: time.Unix(0, 0).UTC()},
			{Key: "updateDate", Value: time.Unix(0, 0).UTC()},
			{Key: "status", Value: int32(1)},
			{Key: "version", Value: int32(1)},
		}
		if len(f.AltNames) > 0 {
			doc = append(doc, bson.E{Key: "keyAltNames", Value: f.AltNames})
		}
		marshaled, err := bson.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("keystore entry %q: marshal: %w", f.ID, err)
		}
		ks.docs = append(ks.docs, marshaled)
	}
	return ks, nil
}

// find evaluates a BuildKeyFilter-shaped filter against the fixture set,
// the way a real mongod would for a find() driven by that exact filter
// document. Returns every stored document matching the filter's $or
// clauses; an empty filter matches no document (BuildKeyFilter never
// emits {} while requests are outstanding, so this case does not arise in
// a real pump).
func (ks *keyStore) find(filter bson.Raw) ([]bson.Raw, error) {
	var q struct {
		Or []struct {
			ID struct {
				In []bson.Binary `bson:"$in"`
			} `bson:"_id"`
			KeyAltNames struct {
				In []string `bson:"$in"`
			} `bson:"keyAltNames"`
		} `bson:"$or"`
	}
	if err := bson.Unmarshal(filter, &q); err != nil {
		return nil, fmt.Errorf("keystore: parse filter: %w", err)
	}

	wantIDs := map[uuid.UUID]struct{}{}
	wantNames := map[string]struct{}{}
	for _, clause := range q.Or {
		for _, b := range clause.ID.In {
			id, err := uuid.FromBytes(b.Data)
			if err != nil {
				return nil, fmt.Errorf("keystore: filter _id: %w", err)
			}
			wantIDs[id] = struct{}{}
		}
		for _, n := range clause.KeyAltNames.In {
			wantNames[n] = struct{}{}
		}
	}

	var out []bson.Raw
	for _, raw := range ks.docs {
		kd, err := docs.ParseKeyDocument(raw)
		if err != nil {
			return nil, err
		}
		if _, ok := wantIDs[kd.ID]; ok {
			out = append(out, raw)
			continue
		}
		for _, n := range kd.KeyAltNames {
			if _, ok := wantNames[n]; ok {
				out = append(out, raw)
				break
			}
		}
	}
	return out, nil
}

func hexDecode(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("plaintextDekHex is required")
	}
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("plaintextDekHex: %w", err)
	}
	return out, nil
}
