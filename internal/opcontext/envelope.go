package opcontext

import (
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/axonops/fle-core/internal/fieldcipher"
)

// encryptedSubtype is the BSON binary subtype FLE implementations use for
// an encrypted field value (MongoDB reserves subtype 6 for this).
const encryptedSubtype = 0x06

// sealField builds the subtype-6 envelope for an encrypted field: the DEK's
// id followed by the sealed bytes, so a reader can look the key up without
// any side channel.
func sealField(keyID uuid.UUID, dek, plaintext []byte) (bson.Binary, error) {
	sealed, err := fieldcipher.Seal(dek, plaintext)
	if err != nil {
		return bson.Binary{}, err
	}
	data := make([]byte, 16+len(sealed))
	copy(data, keyID[:])
	copy(data[16:], sealed)
	return bson.Binary{Subtype: encryptedSubtype, Data: data}, nil
}

// openField reverses sealField given the already-unwrapped DEK for the
// envelope's key id.
func openField(b bson.Binary, dek []byte) ([]byte, error) {
	if b.Subtype != encryptedSubtype || len(b.Data) < 16 {
		return nil, fmt.Errorf("opcontext: not an encrypted field envelope")
	}
	return fieldcipher.Open(dek, b.Data[16:])
}

// envelopeKeyID extracts the DEK id an encrypted field envelope references,
// without needing the key material itself.
func envelopeKeyID(b bson.Binary) (uuid.UUID, error) {
	if b.Subtype != encryptedSubtype || len(b.Data) < 16 {
		return uuid.UUID{}, fmt.Errorf("opcontext: not an encrypted field envelope")
	}
	var id uuid.UUID
	copy(id[:], b.Data[:16])
	return id, nil
}
