package opcontext

import (
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/axonops/fle-core/internal/keybroker"
)

// NewDecrypt builds a Context for decrypting payload: a document that may
// contain zero or more subtype-6 encrypted field envelopes. Decrypt starts
// directly at NEED_MONGO_KEYS (spec §4.4) since there is no schema to fetch
// or fields to mark — the envelopes already name their own DEKs.
func NewDecrypt(broker *keybroker.Broker, payload bson.Raw) (*Context, error) {
	var doc bson.D
	if err := bson.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("opcontext: decrypt: %w", err)
	}

	var refs []uuid.UUID
	for _, e := range doc {
		if b, ok := e.Value.(bson.Binary); ok && b.Subtype == encryptedSubtype {
			id, err := envelopeKeyID(b)
			if err != nil {
				return nil, fmt.Errorf("opcontext: decrypt: %w", err)
			}
			refs = append(refs, id)
		}
	}

	initial := NeedMongoKeys
	if len(refs) == 0 {
		initial = NothingToDo
	}

	c := newContext(initial, broker, hooks{
		keyRefs: func() []keyRef {
			out := make([]keyRef, len(refs))
			for i, id := range refs {
				out[i] = keyRefByID(id)
			}
			return out
		},
		finalize: func() (bson.Raw, error) {
			out := make(bson.D, len(doc))
			for i, e := range doc {
				if b, ok := e.Value.(bson.Binary); ok && b.Subtype == encryptedSubtype {
					id, err := envelopeKeyID(b)
					if err != nil {
						return nil, err
					}
					dek, err := broker.Lookup(id)
					if err != nil {
						return nil, err
					}
					plaintext, err := openField(b, dek)
					if err != nil {
						return nil, err
					}
					out[i] = bson.E{Key: e.Key, Value: string(plaintext)}
					continue
				}
				out[i] = e
			}
			return bson.Marshal(out)
		},
	})
	return c, nil
}
