package opcontext

import (
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/axonops/fle-core/internal/keybroker"
)

// ExplicitTarget names the DEK an explicit-encrypt operation targets,
// either by id or by alt-name — the caller already knows which key to use,
// unlike auto-encrypt, which discovers it from server-side markings.
type ExplicitTarget struct {
	KeyID   *uuid.UUID
	AltName string
}

func (t ExplicitTarget) ref() keyRef {
	if t.KeyID != nil {
		return keyRefByID(*t.KeyID)
	}
	return keyRefByName(t.AltName)
}

// NewEncryptExplicit builds a Context for the explicit-encrypt API: encrypt
// a single value under a caller-named DEK (spec §4.4: "encrypt-explicit ...
// begin[s] directly at NEED_MONGO_KEYS").
func NewEncryptExplicit(broker *keybroker.Broker, fieldName string, plaintext []byte, target ExplicitTarget) *Context {
	ref := target.ref()

	return newContext(NeedMongoKeys, broker, hooks{
		keyRefs: func() []keyRef { return []keyRef{ref} },
		finalize: func() (bson.Raw, error) {
			dek, id, err := resolveTarget(broker, ref)
			if err != nil {
				return nil, err
			}
			envelope, err := sealField(id, dek, plaintext)
			if err != nil {
				return nil, err
			}
			return bson.Marshal(bson.D{{Key: fieldName, Value: envelope}})
		},
	})
}

// resolveTarget returns the unwrapped DEK and its id for ref, looking it up
// by whichever criterion the caller used.
func resolveTarget(broker *keybroker.Broker, ref keyRef) (dek []byte, id uuid.UUID, err error) {
	if ref.byName {
		dek, err = broker.LookupByAltName(ref.name)
		if err != nil {
			return nil, uuid.UUID{}, err
		}
		id, err = broker.IDForAltName(ref.name)
		return dek, id, err
	}
	dek, err = broker.Lookup(ref.id)
	return dek, ref.id, err
}
