// Package docs is the BSON document codec boundary (spec §1's "BSON
// parsing and building — treated as a document codec dependency", §6's
// key document grammar). Every document the core builds or ingests — key
// filters, collinfo filters, key documents — is a bson.Raw value produced
// or consumed through this package, never a hand-rolled parser.
package docs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/axonops/fle-core/internal/fleerrors"
	"github.com/axonops/fle-core/internal/kek"
)

// KeyDocument is one inbound DEK record, as described by spec §6's key
// document grammar.
type KeyDocument struct {
	ID           uuid.UUID
	KeyAltNames  []string
	MasterKey    *kek.Descriptor
	KeyMaterial  []byte // wrapped
	CreationDate time.Time
	UpdateDate   time.Time
	Status       int32
	Version      int32
}

// wireKeyDoc mirrors the BSON shape of a key document on the wire.
type wireKeyDoc struct {
	ID           bson.Binary `bson:"_id"`
	KeyAltNames  []string    `bson:"keyAltNames,omitempty"`
	MasterKey    bson.Raw    `bson:"masterKey"`
	KeyMaterial  []byte      `bson:"keyMaterial"`
	CreationDate time.Time   `bson:"creationDate"`
	UpdateDate   time.Time   `bson:"updateDate"`
	Status       int32       `bson:"status"`
	Version      int32       `bson:"version"`
}

// uuidSubtype is the BSON binary subtype conventionally used for UUIDs
// (subtype 0x04, "UUID").
const uuidSubtype = 0x04

// ParseKeyDocument validates and decodes one candidate key document
// (spec §6, §4.3 add_doc).
func ParseKeyDocument(raw bson.Raw) (*KeyDocument, error) {
	var w wireKeyDoc
	if err := bson.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: key document: %v", fleerrors.ErrInvalidField, err)
	}

	if w.ID.Subtype != uuidSubtype || len(w.ID.Data) != 16 {
		return nil, fmt.Errorf("%w: key document _id must be a UUID", fleerrors.ErrInvalidField)
	}
	id, err := uuid.FromBytes(w.ID.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: key document _id: %v", fleerrors.ErrInvalidField, err)
	}

	if len(w.MasterKey) == 0 {
		return nil, fmt.Errorf("%w: key document masterKey is required", fleerrors.ErrMissingField)
	}
	mk, err := kek.Parse(w.MasterKey)
	if err != nil {
		return nil, err
	}

	if len(w.KeyMaterial) == 0 {
		return nil, fmt.Errorf("%w: key document keyMaterial is required", fleerrors.ErrMissingField)
	}

	for _, field := range [...]string{"creationDate", "updateDate", "status", "version"} {
		if _, err := raw.LookupErr(field); err != nil {
			return nil, fmt.Errorf("%w: key document %s is required", fleerrors.ErrMissingField, field)
		}
	}

	if err := requireUniqueAltNames(w.KeyAltNames); err != nil {
		return nil, err
	}

	return &KeyDocument{
		ID:           id,
		KeyAltNames:  w.KeyAltNames,
		MasterKey:    mk,
		KeyMaterial:  w.KeyMaterial,
		CreationDate: w.CreationDate,
		UpdateDate:   w.UpdateDate,
		Status:       w.Status,
		Version:      w.Version,
	}, nil
}

func requireUniqueAltNames(names []string) error {
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			return fmt.Errorf("%w: duplicate keyAltNames entry %q", fleerrors.ErrInvalidField, n)
		}
		seen[n] = struct{}{}
	}
	return nil
}

// UUIDBinary wraps a uuid.UUID as the bson.Binary subtype used for key ids.
func UUIDBinary(id uuid.UUID) bson.Binary {
	b := id // copy
	return bson.Binary{Subtype: uuidSubtype, Data: b[:]}
}

// BuildKeyFilter constructs the $or filter the broker emits from
// filter(out) (spec §4.3): matches any key document whose _id is in ids or
// whose keyAltNames intersects names. Returns an empty document if both
// ids and names are empty, matching "returns an empty filter only if the
// set is empty".
func BuildKeyFilter(ids []uuid.UUID, names []string) (bson.Raw, error) {
	var clauses bson.A
	if len(ids) > 0 {
		binIDs := make(bson.A, len(ids))
		for i, id := range ids {
			binIDs[i] = UUIDBinary(id)
		}
		clauses = append(clauses, bson.M{"_id": bson.M{"$in": binIDs}})
	}
	if len(names) > 0 {
		clauses = append(clauses, bson.M{"keyAltNames": bson.M{"$in": names}})
	}
	if len(clauses) == 0 {
		return bson.Marshal(bson.M{})
	}
	return bson.Marshal(bson.M{"$or": clauses})
}

// BuildCollInfoFilter constructs the listCollections-style filter the
// encrypt-auto variant emits in NEED_MONGO_COLLINFO.
func BuildCollInfoFilter(collection string) (bson.Raw, error) {
	return bson.Marshal(bson.M{"name": collection})
}
