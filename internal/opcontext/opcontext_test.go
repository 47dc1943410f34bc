package opcontext

import (
	"testing"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/axonops/fle-core/internal/docs"
	"github.com/axonops/fle-core/internal/kek"
	"github.com/axonops/fle-core/internal/keybroker"
	"github.com/axonops/fle-core/internal/kmswire"
	"github.com/axonops/fle-core/internal/localkms"
)

func testLocal(t *testing.T) *localkms.Provider {
	t.Helper()
	mk := make([]byte, 32)
	for i := range mk {
		mk[i] = byte(i + 7)
	}
	p, err := localkms.New(mk)
	if err != nil {
		t.Fatalf("localkms.New: %v", err)
	}
	return p
}

func localKeyDoc(t *testing.T, local *localkms.Provider, id uuid.UUID, altNames []string, plaintext []byte) bson.Raw {
	t.Helper()
	wrapped, err := local.Wrap(id[:], plaintext)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	mk := kek.Descriptor{Provider: kek.Local}
	masterKey, err := mk.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	doc := bson.D{
		{Key: "_id", Value: docs.UUIDBinary(id)},
		{Key: "masterKey", Value: masterKey},
		{Key: "keyMaterial", Value: wrapped},
		{Key: "creationDate", Value: bson.DateTime(0)},
		{Key: "updateDate", Value: bson.DateTime(0)},
		{Key: "status", Value: int32(1)},
		{Key: "version", Value: int32(1)},
	}
	if len(altNames) > 0 {
		doc = append(doc, bson.E{Key: "keyAltNames", Value: altNames})
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return raw
}

// TestLocalKEKDecrypt is seed scenario 1 (spec §8): decrypt a payload whose
// single encrypted field's DEK is backed by the local provider.
func TestLocalKEKDecrypt(t *testing.T) {
	local := testLocal(t)
	u1 := uuid.New()
	dek := []byte("field-dek-material-000000000000")

	envelope, err := sealField(u1, dek, []byte("jane@example.com"))
	if err != nil {
		t.Fatalf("sealField: %v", err)
	}
	payload, err := bson.Marshal(bson.D{{Key: "email", Value: envelope}})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	broker := keybroker.New(kmswire.NewRegistry(), local, keybroker.Strict)
	c, err := NewDecrypt(broker, payload)
	if err != nil {
		t.Fatalf("NewDecrypt: %v", err)
	}

	if c.State() != NeedMongoKeys {
		t.Fatalf("State() = %v, want NEED_MONGO_KEYS", c.State())
	}
	filter, err := c.MongoOp()
	if err != nil {
		t.Fatalf("MongoOp: %v", err)
	}
	if len(filter) == 0 {
		t.Fatal("expected a non-empty key filter")
	}

	doc := localKeyDoc(t, local, u1, nil, dek)
	if err := c.MongoFeed(doc); err != nil {
		t.Fatalf("MongoFeed: %v", err)
	}
	if err := c.MongoDone(); err != nil {
		t.Fatalf("MongoDone: %v", err)
	}
	if c.State() != NeedKMS {
		t.Fatalf("State() = %v, want NEED_KMS", c.State())
	}

	if _, ok := c.NextKMSCtx(); ok {
		t.Fatal("local unwrap is synchronous; NextKMSCtx should return none")
	}
	if err := c.KMSDone(); err != nil {
		t.Fatalf("KMSDone: %v", err)
	}
	if c.State() != Ready {
		t.Fatalf("State() = %v, want READY", c.State())
	}

	out, err := c.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	var result bson.M
	if err := bson.Unmarshal(out, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result["email"] != "jane@example.com" {
		t.Fatalf("result[email] = %v, want decrypted value", result["email"])
	}
	if c.State() != Done {
		t.Fatalf("State() = %v, want DONE", c.State())
	}
	c.Destroy()
}

func TestWrongStateRejection(t *testing.T) {
	local := testLocal(t)
	u1 := uuid.New()
	dek := []byte("field-dek-material-000000000000")
	envelope, err := sealField(u1, dek, []byte("value"))
	if err != nil {
		t.Fatalf("sealField: %v", err)
	}
	payload, err := bson.Marshal(bson.D{{Key: "field", Value: envelope}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	broker := keybroker.New(kmswire.NewRegistry(), local, keybroker.Strict)
	c, err := NewDecrypt(broker, payload)
	if err != nil {
		t.Fatalf("NewDecrypt: %v", err)
	}

	// Drive to READY.
	if _, err := c.MongoOp(); err != nil {
		t.Fatalf("MongoOp: %v", err)
	}
	doc := localKeyDoc(t, local, u1, nil, dek)
	if err := c.MongoFeed(doc); err != nil {
		t.Fatalf("MongoFeed: %v", err)
	}
	if err := c.MongoDone(); err != nil {
		t.Fatalf("MongoDone: %v", err)
	}
	if err := c.KMSDone(); err != nil {
		t.Fatalf("KMSDone: %v", err)
	}
	if c.State() != Ready {
		t.Fatalf("State() = %v, want READY", c.State())
	}

	if err := c.MongoFeed(doc); err == nil {
		t.Fatal("expected MongoFeed in READY to fail")
	}
	if c.State() != Error {
		t.Fatalf("State() = %v, want ERROR", c.State())
	}
	if _, ok := c.Status(); ok {
		t.Fatal("status should not be ok after a wrong-state failure")
	}

	// Further calls keep failing once ERROR.
	if err := c.MongoDone(); err == nil {
		t.Fatal("expected a context in ERROR to keep refusing driver calls")
	}
}

func TestNothingToDo(t *testing.T) {
	local := testLocal(t)
	payload, err := bson.Marshal(bson.D{{Key: "plain", Value: "unencrypted"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	broker := keybroker.New(kmswire.NewRegistry(), local, keybroker.Strict)
	c, err := NewDecrypt(broker, payload)
	if err != nil {
		t.Fatalf("NewDecrypt: %v", err)
	}
	if c.State() != NothingToDo {
		t.Fatalf("State() = %v, want NOTHING_TO_DO", c.State())
	}
	out, err := c.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	var result bson.M
	if err := bson.Unmarshal(out, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result["plain"] != "unencrypted" {
		t.Fatalf("result = %v", result)
	}
}

func TestAltNameResolutionExplicitEncrypt(t *testing.T) {
	local := testLocal(t)
	u3 := uuid.New()
	broker := keybroker.New(kmswire.NewRegistry(), local, keybroker.Strict)
	c := NewEncryptExplicit(broker, "ssn", []byte("123-45-6789"), ExplicitTarget{AltName: "payments-key"})

	filter, err := c.MongoOp()
	if err != nil {
		t.Fatalf("MongoOp: %v", err)
	}
	if len(filter) == 0 {
		t.Fatal("expected a non-empty filter")
	}
	doc := localKeyDoc(t, local, u3, []string{"payments-key"}, []byte("ssn-dek-material"))
	if err := c.MongoFeed(doc); err != nil {
		t.Fatalf("MongoFeed: %v", err)
	}
	if err := c.MongoDone(); err != nil {
		t.Fatalf("MongoDone: %v", err)
	}
	if err := c.KMSDone(); err != nil {
		t.Fatalf("KMSDone: %v", err)
	}
	out, err := c.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	var result struct {
		SSN bson.Binary `bson:"ssn"`
	}
	if err := bson.Unmarshal(out, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	plaintext, err := openField(result.SSN, []byte("ssn-dek-material"))
	if err != nil {
		t.Fatalf("openField: %v", err)
	}
	if string(plaintext) != "123-45-6789" {
		t.Fatalf("plaintext = %q", plaintext)
	}
}
