// Package opcontext implements the outer per-operation state machine (spec
// §3's Context, §4.4): a cooperative, non-blocking driver that coordinates
// collection-info fetch, field marking, key fetch, the KMS phase, and
// finalize, dispatching polymorphically to an encrypt-auto, encrypt-explicit,
// or decrypt variant via a hook table filled in at construction (spec §9).
//
// The package never dials a socket or blocks: every driver method either
// returns a result immediately or a request for more I/O, and the caller
// pumps it — one goroutine per Context, never two concurrently (spec §5).
package opcontext

import (
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/axonops/fle-core/internal/keybroker"
	"github.com/axonops/fle-core/internal/kmswire"
	"github.com/axonops/fle-core/internal/status"
)

// State is one of the pump API's states (spec §4.4).
type State int

const (
	NeedMongoCollInfo State = iota
	NeedMongoMarkings
	NeedMongoKeys
	NeedKMS
	Ready
	Done
	NothingToDo
	Error
)

func (s State) String() string {
	switch s {
	case NeedMongoCollInfo:
		return "NEED_MONGO_COLLINFO"
	case NeedMongoMarkings:
		return "NEED_MONGO_MARKINGS"
	case NeedMongoKeys:
		return "NEED_MONGO_KEYS"
	case NeedKMS:
		return "NEED_KMS"
	case Ready:
		return "READY"
	case Done:
		return "DONE"
	case NothingToDo:
		return "NOTHING_TO_DO"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// hooks is the variant dispatch table (spec §9): the collinfo and markings
// hooks exist only on the auto-encrypt variant and are left nil elsewhere;
// the key-fetch driver methods are shared across all variants and
// implemented directly in terms of the broker below.
type hooks struct {
	opCollInfo   func() (bson.Raw, error)
	feedCollInfo func(bson.Raw) error
	doneCollInfo func() (State, error)

	opMarkings   func() (bson.Raw, error)
	feedMarkings func(bson.Raw) error
	doneMarkings func() (State, error)

	// keyRefs is consulted once, when the context first reaches
	// NEED_MONGO_KEYS, to register the broker's requests. Auto-encrypt
	// populates it from the markings step; explicit-encrypt and decrypt
	// populate it at construction time since they start in this state.
	keyRefs func() (ids []keyRef)

	finalize func() (bson.Raw, error)
	cleanup  func()
}

// Context is the spec §3 per-operation context.
type Context struct {
	state  State
	st     status.Status
	broker *keybroker.Broker
	hooks  hooks

	requestedKeys bool // keyRefs has been drained into the broker
}

func newContext(initial State, broker *keybroker.Broker, h hooks) *Context {
	return &Context{state: initial, st: status.OKStatus(), broker: broker, hooks: h}
}

// fail records the first failure (spec §7: "first failure wins ... the
// status channel is written once"). A context already in ERROR keeps its
// original status; it still returns an error so the caller sees refusal.
func (c *Context) fail(st status.Status) error {
	if c.state == Error {
		return c.st
	}
	c.st = st
	c.state = Error
	return st
}

func (c *Context) wrongState(op string) error {
	return c.fail(status.ClientError(status.CodeWrongState, "opcontext: %s: wrong state %s", op, c.state))
}

// State returns the context's current state.
func (c *Context) State() State { return c.state }

// Status returns the context's current status; ok reports success.
func (c *Context) Status() (st status.Status, ok bool) {
	return c.st, c.st.IsOK()
}

// MongoOp emits the outbound document for the current NEED_MONGO_* state
// (spec §4.4's mongo_op).
func (c *Context) MongoOp() (bson.Raw, error) {
	switch c.state {
	case NeedMongoCollInfo:
		return c.hooks.opCollInfo()
	case NeedMongoMarkings:
		return c.hooks.opMarkings()
	case NeedMongoKeys:
		if err := c.ensureKeysRequested(); err != nil {
			return nil, err
		}
		raw, err := c.broker.Filter()
		if err != nil {
			return nil, c.fail(c.broker.Status())
		}
		return raw, nil
	default:
		return nil, c.wrongState("mongo_op")
	}
}

// ensureKeysRequested drains keyRefs into the broker exactly once, the
// first time the context reaches NEED_MONGO_KEYS (spec §4.3's requests are
// only accepted in collecting-requests, which is the broker's initial
// state, so this must happen before the first Filter/AddDoc call).
func (c *Context) ensureKeysRequested() error {
	if c.requestedKeys {
		return nil
	}
	c.requestedKeys = true
	for _, ref := range c.hooks.keyRefs() {
		var err error
		if ref.byName {
			err = c.broker.RequestByAltName(ref.name)
		} else {
			err = c.broker.RequestByID(ref.id)
		}
		if err != nil {
			return c.fail(c.broker.Status())
		}
	}
	return nil
}

// MongoFeed ingests one result document for the current NEED_MONGO_* state
// (spec §4.4's mongo_feed). Additional calls accumulate.
func (c *Context) MongoFeed(doc bson.Raw) error {
	switch c.state {
	case NeedMongoCollInfo:
		if err := c.hooks.feedCollInfo(doc); err != nil {
			return c.fail(status.ClientError(status.CodeInvalidArgument, "opcontext: collinfo: %v", err))
		}
		return nil
	case NeedMongoMarkings:
		if err := c.hooks.feedMarkings(doc); err != nil {
			return c.fail(status.ClientError(status.CodeInvalidArgument, "opcontext: markings: %v", err))
		}
		return nil
	case NeedMongoKeys:
		if err := c.broker.AddDoc(doc); err != nil {
			return c.fail(c.broker.Status())
		}
		return nil
	default:
		return c.wrongState("mongo_feed")
	}
}

// MongoDone closes the ingest phase for the current NEED_MONGO_* state and
// computes the next state (spec §4.4's mongo_done).
func (c *Context) MongoDone() error {
	switch c.state {
	case NeedMongoCollInfo:
		next, err := c.hooks.doneCollInfo()
		if err != nil {
			return c.fail(status.ClientError(status.CodeInvalidArgument, "opcontext: %v", err))
		}
		c.state = next
		return nil
	case NeedMongoMarkings:
		next, err := c.hooks.doneMarkings()
		if err != nil {
			return c.fail(status.ClientError(status.CodeInvalidArgument, "opcontext: %v", err))
		}
		c.state = next
		return nil
	case NeedMongoKeys:
		if err := c.broker.DoneAddingDocs(); err != nil {
			return c.fail(c.broker.Status())
		}
		c.state = NeedKMS
		return nil
	default:
		return c.wrongState("mongo_done")
	}
}

// NextKMSCtx delegates to the broker's NextKMS in NEED_KMS; elsewhere
// returns ok=false without error (spec §4.4).
func (c *Context) NextKMSCtx() (*kmswire.Subcontext, bool) {
	if c.state != NeedKMS {
		return nil, false
	}
	return c.broker.NextKMS()
}

// KMSDone delegates to the broker's KMSDone, then transitions to READY
// (spec §4.4).
func (c *Context) KMSDone() error {
	if c.state != NeedKMS {
		return c.wrongState("kms_done")
	}
	if err := c.broker.KMSDone(); err != nil {
		return c.fail(c.broker.Status())
	}
	c.state = Ready
	return nil
}

// Finalize invokes the variant-specific finalize hook and transitions to
// DONE (spec §4.4). Allowed in READY or NOTHING_TO_DO.
func (c *Context) Finalize() (bson.Raw, error) {
	if c.state != Ready && c.state != NothingToDo {
		return nil, c.wrongState("finalize")
	}
	out, err := c.hooks.finalize()
	if err != nil {
		return nil, c.fail(status.ClientError(status.CodeInvalidArgument, "opcontext: finalize: %v", err))
	}
	c.state = Done
	return out, nil
}

// Destroy invokes the variant's cleanup hook and releases the broker and
// status (spec §4.4). Safe to call in any state.
func (c *Context) Destroy() {
	if c.hooks.cleanup != nil {
		c.hooks.cleanup()
	}
	if c.broker != nil {
		c.broker.Destroy()
	}
	c.st = status.Status{}
}

// keyRef is a DEK reference by id or alt-name, collected from markings or
// from a decrypt payload's encrypted fields.
type keyRef struct {
	byName bool
	id     uuid.UUID
	name   string
}

func keyRefByID(id uuid.UUID) keyRef  { return keyRef{id: id} }
func keyRefByName(name string) keyRef { return keyRef{byName: true, name: name} }
