//go:build bdd

// Package bdd runs the godog feature files under tests/bdd/pump_features against
// fle-core's pump API directly (no HTTP server, no Docker): each scenario
// drives an opcontext.Context the way a host binding would, mirroring the
// teacher's tests/bdd package build-tag and TestMain structure
// (tests/bdd/bdd_test.go) but against the context state machine instead of
// the schema registry's REST API.
package bdd

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/cucumber/godog"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/axonops/fle-core/internal/docs"
	"github.com/axonops/fle-core/internal/kek"
	"github.com/axonops/fle-core/internal/keybroker"
	"github.com/axonops/fle-core/internal/kmswire"
	"github.com/axonops/fle-core/internal/localkms"
	"github.com/axonops/fle-core/internal/opcontext"
)

// pumpContext holds per-scenario state: the simulated local key vault
// collection and the most recent operation's outcome.
type pumpContext struct {
	local *localkms.Provider
	store []bson.Raw // fixture key documents, Mongo-style

	previousResult bson.Raw
	lastState      opcontext.State
	lastErr        error
}

func newPumpContext() *pumpContext {
	mk := make([]byte, 32)
	for i := range mk {
		mk[i] = byte(i * 7)
	}
	local, err := localkms.New(mk)
	if err != nil {
		panic(err)
	}
	return &pumpContext{local: local}
}

func (pc *pumpContext) addKey(id uuid.UUID, altNames []string, plaintextDEK []byte) error {
	wrapped, err := pc.local.Wrap(id[:], plaintextDEK)
	if err != nil {
		return err
	}
	masterKey, err := (&kek.Descriptor{Provider: kek.Local}).Serialize()
	if err != nil {
		return err
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
		return err
	}
	pc.store = append(pc.store, raw)
	return nil
}

// find evaluates the broker's BuildKeyFilter-shaped $or filter against the
// fixture set the same way cmd/fle-pump's keystore does.
func (pc *pumpContext) find(filter bson.Raw) ([]bson.Raw, error) {
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
		return nil, err
	}
	wantIDs := map[uuid.UUID]struct{}{}
	wantNames := map[string]struct{}{}
	for _, clause := range q.Or {
		for _, b := range clause.ID.In {
			id, err := uuid.FromBytes(b.Data)
			if err != nil {
				return nil, err
			}
			wantIDs[id] = struct{}{}
		}
		for _, n := range clause.KeyAltNames.In {
			wantNames[n] = struct{}{}
		}
	}
	var out []bson.Raw
	for _, raw := range pc.store {
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

// pump drives ctx to completion, recording its final state/error/result.
func (pc *pumpContext) pump(ctx *opcontext.Context) {
	defer ctx.Destroy()
	for {
		switch ctx.State() {
		case opcontext.NeedMongoKeys:
			filter, err := ctx.MongoOp()
			if err != nil {
				pc.lastErr, pc.lastState = err, ctx.State()
				return
			}
			matches, err := pc.find(filter)
			if err != nil {
				pc.lastErr, pc.lastState = err, ctx.State()
				return
			}
			for _, doc := range matches {
				if err := ctx.MongoFeed(doc); err != nil {
					pc.lastErr, pc.lastState = err, ctx.State()
					return
				}
			}
			if err := ctx.MongoDone(); err != nil {
				pc.lastErr, pc.lastState = err, ctx.State()
				return
			}
		case opcontext.NeedKMS:
			// The local provider always resolves synchronously; no
			// subcontext is ever produced for these scenarios.
			if _, ok := ctx.NextKMSCtx(); ok {
				pc.lastErr = fmt.Errorf("unexpected remote KMS round in a local-only scenario")
				pc.lastState = ctx.State()
				return
			}
			if err := ctx.KMSDone(); err != nil {
				pc.lastErr, pc.lastState = err, ctx.State()
				return
			}
		case opcontext.Ready, opcontext.NothingToDo:
			out, err := ctx.Finalize()
			pc.lastState = ctx.State()
			pc.lastErr = err
			if err == nil {
				pc.previousResult = out
			}
			return
		case opcontext.Error:
			pc.lastState = opcontext.Error
			return
		default:
			pc.lastErr = fmt.Errorf("unhandled state %s", ctx.State())
			pc.lastState = ctx.State()
			return
		}
	}
}

func (pc *pumpContext) broker() *keybroker.Broker {
	return keybroker.New(kmswire.NewRegistry(), pc.local, keybroker.Strict)
}

func initPumpScenario(ctx *godog.ScenarioContext) {
	pc := newPumpContext()

	ctx.Step(`^a local-provider key "([^"]*)" wrapping DEK "([^"]*)"$`, func(id, dek string) error {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return err
		}
		return pc.addKey(parsed, nil, []byte(dek))
	})

	ctx.Step(`^a local-provider key "([^"]*)" with alt-name "([^"]*)" wrapping DEK "([^"]*)"$`, func(id, altName, dek string) error {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return err
		}
		return pc.addKey(parsed, []string{altName}, []byte(dek))
	})

	ctx.Step(`^an empty local key store$`, func() error { return nil })

	ctx.Step(`^a plaintext-only payload with field "([^"]*)" value "([^"]*)"$`, func(field, value string) error {
		raw, err := bson.Marshal(bson.D{{Key: field, Value: value}})
		if err != nil {
			return err
		}
		pc.previousResult = raw
		return nil
	})

	ctx.Step(`^I pump an encrypt-explicit operation for field "([^"]*)" value "([^"]*)" targeting key id "([^"]*)"$`, func(field, value, id string) error {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return err
		}
		c := opcontext.NewEncryptExplicit(pc.broker(), field, []byte(value), opcontext.ExplicitTarget{KeyID: &parsed})
		pc.pump(c)
		return nil
	})

	ctx.Step(`^I pump an encrypt-explicit operation for field "([^"]*)" value "([^"]*)" targeting alt-name "([^"]*)"$`, func(field, value, altName string) error {
		c := opcontext.NewEncryptExplicit(pc.broker(), field, []byte(value), opcontext.ExplicitTarget{AltName: altName})
		pc.pump(c)
		return nil
	})

	ctx.Step(`^I pump a decrypt operation on the previous result$`, func() error {
		c, err := opcontext.NewDecrypt(pc.broker(), pc.previousResult)
		if err != nil {
			pc.lastErr = err
			return nil
		}
		pc.pump(c)
		return nil
	})

	ctx.Step(`^the operation finishes in state "([^"]*)"$`, func(want string) error {
		if pc.lastErr != nil {
			return fmt.Errorf("operation failed unexpectedly: %w", pc.lastErr)
		}
		if pc.lastState.String() != want {
			return fmt.Errorf("state = %s, want %s", pc.lastState, want)
		}
		return nil
	})

	ctx.Step(`^the operation fails with status kind "([^"]*)"$`, func(kind string) error {
		if pc.lastErr == nil {
			return fmt.Errorf("expected the operation to fail, but it succeeded")
		}
		if pc.lastState != opcontext.Error {
			return fmt.Errorf("state = %s, want ERROR", pc.lastState)
		}
		// The message always carries the Kind's String() prefix (status.Error()).
		if want := kind + ":"; !strings.HasPrefix(pc.lastErr.Error(), want) {
			return fmt.Errorf("error %q does not mention status kind %q", pc.lastErr, kind)
		}
		return nil
	})

	ctx.Step(`^the result field "([^"]*)" equals "([^"]*)"$`, func(field, want string) error {
		var m bson.M
		if err := bson.Unmarshal(pc.previousResult, &m); err != nil {
			return err
		}
		got, ok := m[field]
		if !ok {
			return fmt.Errorf("result has no field %q", field)
		}
		if got != want {
			return fmt.Errorf("result[%q] = %v, want %q", field, got, want)
		}
		return nil
	})
}

func TestPumpFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "pump",
		ScenarioInitializer: initPumpScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"pump_features"},
			Output:   os.Stdout,
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
