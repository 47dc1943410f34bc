package opcontext

import (
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/axonops/fle-core/internal/docs"
	"github.com/axonops/fle-core/internal/keybroker"
)

// markedField is one (path, key) pair the markings step identified as
// needing encryption.
type markedField struct {
	path  string
	keyID uuid.UUID
}

// markingsResult mirrors the server's response to the markings command:
// the set of top-level fields to encrypt and under which DEK.
type markingsResult struct {
	MarkedFields []struct {
		Path  string      `bson:"path"`
		KeyID bson.Binary `bson:"keyId"`
	} `bson:"markedFields"`
}

// NewEncryptAuto builds a Context for the auto-encrypt variant: it begins
// at NEED_MONGO_COLLINFO, since it must first learn the collection's
// encrypted-fields schema before the server can mark payload for encryption
// (spec §4.4).
func NewEncryptAuto(broker *keybroker.Broker, collection string, payload bson.Raw) (*Context, error) {
	var doc bson.D
	if err := bson.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("opcontext: encrypt-auto: %w", err)
	}

	a := &autoEncryptState{collection: collection, doc: doc, broker: broker}

	c := newContext(NeedMongoCollInfo, broker, hooks{
		opCollInfo:   a.opCollInfo,
		feedCollInfo: a.feedCollInfo,
		doneCollInfo: a.doneCollInfo,
		opMarkings:   a.opMarkings,
		feedMarkings: a.feedMarkings,
		doneMarkings: a.doneMarkings,
		keyRefs:      a.keyRefs,
		finalize:     a.finalize,
	})
	return c, nil
}

type autoEncryptState struct {
	collection  string
	doc         bson.D
	broker      *keybroker.Broker
	sawCollInfo bool
	marked      []markedField
}

func (a *autoEncryptState) opCollInfo() (bson.Raw, error) {
	return docs.BuildCollInfoFilter(a.collection)
}

func (a *autoEncryptState) feedCollInfo(_ bson.Raw) error {
	a.sawCollInfo = true
	return nil
}

func (a *autoEncryptState) doneCollInfo() (State, error) {
	if !a.sawCollInfo {
		return 0, fmt.Errorf("no collinfo result fed")
	}
	return NeedMongoMarkings, nil
}

func (a *autoEncryptState) opMarkings() (bson.Raw, error) {
	return bson.Marshal(a.doc)
}

func (a *autoEncryptState) feedMarkings(raw bson.Raw) error {
	var res markingsResult
	if err := bson.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("parsing markings result: %w", err)
	}
	for _, m := range res.MarkedFields {
		id, err := uuid.FromBytes(m.KeyID.Data)
		if err != nil {
			return fmt.Errorf("markings keyId: %w", err)
		}
		a.marked = append(a.marked, markedField{path: m.Path, keyID: id})
	}
	return nil
}

func (a *autoEncryptState) doneMarkings() (State, error) {
	if len(a.marked) == 0 {
		return NothingToDo, nil
	}
	return NeedMongoKeys, nil
}

func (a *autoEncryptState) keyRefs() []keyRef {
	seen := make(map[uuid.UUID]struct{})
	var out []keyRef
	for _, m := range a.marked {
		if _, ok := seen[m.keyID]; ok {
			continue
		}
		seen[m.keyID] = struct{}{}
		out = append(out, keyRefByID(m.keyID))
	}
	return out
}

// finalize replaces every marked field's plaintext value with its encrypted
// envelope. Only string field values are supported: feedMarkings accepts a
// marking of any field, and finalize fails if a marked field does not hold
// a string.
func (a *autoEncryptState) finalize() (bson.Raw, error) {
	byPath := make(map[string]uuid.UUID, len(a.marked))
	for _, m := range a.marked {
		byPath[m.path] = m.keyID
	}
	out := make(bson.D, len(a.doc))
	for i, e := range a.doc {
		keyID, needsEncryption := byPath[e.Key]
		if !needsEncryption {
			out[i] = e
			continue
		}
		str, ok := e.Value.(string)
		if !ok {
			return nil, fmt.Errorf("opcontext: field %q is marked for encryption but is not a string value", e.Key)
		}
		dek, err := a.broker.Lookup(keyID)
		if err != nil {
			return nil, err
		}
		envelope, err := sealField(keyID, dek, []byte(str))
		if err != nil {
			return nil, err
		}
		out[i] = bson.E{Key: e.Key, Value: envelope}
	}
	return bson.Marshal(out)
}
