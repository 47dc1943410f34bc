// Package keybroker implements the key broker (spec §4.3): the component
// that aggregates a context's DEK requests, emits a single fetch filter,
// ingests candidate key documents, drives the resulting KMS subcontexts,
// and yields unwrapped DEKs by id or alt-name.
//
// Entries live in an arena keyed by an incrementing integer id (spec §9's
// "replace pointer-to-entry structures with an arena keyed by integer entry
// ids"); byKeyID and byAltName are parallel lookup tables that redirect to
// an entry id, so unifying two requests that turn out to name the same key
// is just repointing both tables at a common id rather than moving data.
package keybroker

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/axonops/fle-core/internal/docs"
	"github.com/axonops/fle-core/internal/fleerrors"
	"github.com/axonops/fle-core/internal/kek"
	"github.com/axonops/fle-core/internal/kmswire"
	"github.com/axonops/fle-core/internal/localkms"
	"github.com/axonops/fle-core/internal/secure"
	"github.com/axonops/fle-core/internal/status"
)

// State is one of the broker's monotonic lifecycle states (spec §4.3).
type State int

const (
	CollectingRequests State = iota
	RequestsFrozen
	AddingDocs
	DocsFrozen
	KMSRunning
	KMSComplete
)

func (s State) String() string {
	switch s {
	case CollectingRequests:
		return "collecting-requests"
	case RequestsFrozen:
		return "requests-frozen"
	case AddingDocs:
		return "adding-docs"
	case DocsFrozen:
		return "docs-frozen"
	case KMSRunning:
		return "kms-running"
	case KMSComplete:
		return "kms-complete"
	default:
		return "unknown"
	}
}

// Mode controls how DoneAddingDocs treats requests no document resolved
// (spec §9's open question: the strict-vs-permissive flag is explicit per
// operation rather than a single global default).
type Mode int

const (
	// Strict fails DoneAddingDocs if any request is unresolved. This is the
	// default for the top-level encrypt/decrypt operations (spec §4.3).
	Strict Mode = iota
	// Permissive lets DoneAddingDocs succeed with unresolved requests; used
	// by sub-contexts that may legitimately have nothing to unwrap (spec
	// §4.3's "unless the broker is configured to tolerate misses").
	Permissive
)

// entry is one broker arena slot.
type entry struct {
	id        int
	keyID     *uuid.UUID
	altNames  map[string]struct{}
	resolved  bool
	masterKey *kek.Descriptor
	wrapped   []byte
	unwrapped []byte
	sub       *kmswire.Subcontext
	localErr  error
}

// Broker is the spec §4.3 key broker.
type Broker struct {
	state    State
	mode     Mode
	registry *kmswire.Registry
	local    *localkms.Provider

	nextID     int
	entries    map[int]*entry
	byKeyID    map[uuid.UUID]int
	byAltName  map[string]int
	st         status.Status
}

// New constructs an empty broker in collecting-requests. registry supplies
// the remote KMS wire codecs (AWS/Azure/GCP); local may be nil if the
// operation never touches a local-provider DEK.
func New(registry *kmswire.Registry, local *localkms.Provider, mode Mode) *Broker {
	return &Broker{
		mode:      mode,
		registry:  registry,
		local:     local,
		entries:   make(map[int]*entry),
		byKeyID:   make(map[uuid.UUID]int),
		byAltName: make(map[string]int),
		st:        status.OKStatus(),
	}
}

// State returns the broker's current lifecycle state.
func (b *Broker) State() State { return b.state }

// Status returns the broker's current status.
func (b *Broker) Status() status.Status { return b.st }

func (b *Broker) fail(st status.Status) error {
	b.st = st
	return st
}

func (b *Broker) wrongState(op string) error {
	return b.fail(status.ClientError(status.CodeWrongState, "keybroker: %s: wrong state %s", op, b.state))
}

func (b *Broker) newEntry() *entry {
	id := b.nextID
	b.nextID++
	e := &entry{id: id, altNames: make(map[string]struct{})}
	b.entries[id] = e
	return e
}

// RequestByID registers a request for the DEK with the given id. Allowed
// only in collecting-requests; a repeated id collapses onto the existing
// entry (spec §4.3's duplicate-collapse rule).
func (b *Broker) RequestByID(id uuid.UUID) error {
	if b.state != CollectingRequests {
		return b.wrongState("request")
	}
	if _, ok := b.byKeyID[id]; ok {
		return nil
	}
	e := b.newEntry()
	e.keyID = &id
	b.byKeyID[id] = e.id
	return nil
}

// RequestByAltName registers a request for the DEK known by alt-name name.
func (b *Broker) RequestByAltName(name string) error {
	if b.state != CollectingRequests {
		return b.wrongState("request")
	}
	if _, ok := b.byAltName[name]; ok {
		return nil
	}
	e := b.newEntry()
	e.altNames[name] = struct{}{}
	b.byAltName[name] = e.id
	return nil
}

// Filter transitions to requests-frozen and returns the $or filter document
// the caller must send to fetch matching key documents (spec §4.3).
func (b *Broker) Filter() (bson.Raw, error) {
	if b.state != CollectingRequests {
		return nil, b.wrongState("filter")
	}
	b.state = RequestsFrozen

	var ids []uuid.UUID
	var names []string
	for id := range b.byKeyID {
		ids = append(ids, id)
	}
	for name := range b.byAltName {
		names = append(names, name)
	}
	// Deterministic ordering makes the emitted filter reproducible, which
	// matters for tests comparing documents byte-for-byte.
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	sort.Strings(names)

	raw, err := docs.BuildKeyFilter(ids, names)
	if err != nil {
		return nil, b.fail(status.ClientError(status.CodeInvalidArgument, "keybroker: building filter: %v", err))
	}
	b.state = AddingDocs
	return raw, nil
}

// AddDoc ingests one candidate key document (spec §4.3). Allowed only in
// adding-docs.
func (b *Broker) AddDoc(raw bson.Raw) error {
	if b.state != AddingDocs {
		return b.wrongState("add_doc")
	}
	kd, err := docs.ParseKeyDocument(raw)
	if err != nil {
		return b.fail(status.ClientError(status.CodeMalformedDocument, "keybroker: %v", err))
	}

	matched := map[int]struct{}{}
	if id, ok := b.byKeyID[kd.ID]; ok {
		matched[id] = struct{}{}
	}
	for _, name := range kd.KeyAltNames {
		if id, ok := b.byAltName[name]; ok {
			matched[id] = struct{}{}
		}
	}
	if len(matched) == 0 {
		return b.fail(status.ClientError(status.CodeNoMatchingRequest, "keybroker: key document %s matches no outstanding request", kd.ID))
	}

	survivor := b.survivorOf(matched)
	for id := range matched {
		if id != survivor {
			b.unify(survivor, id)
		}
	}

	e := b.entries[survivor]
	if e.resolved {
		// Idempotent re-ingestion of a document already used to resolve
		// this entry; still register any new redirects so future direct
		// lookups by id or name reach the same entry.
		b.byKeyID[kd.ID] = survivor
		for _, name := range kd.KeyAltNames {
			b.byAltName[name] = survivor
		}
		return nil
	}

	e.keyID = &kd.ID
	e.masterKey = kd.MasterKey
	e.wrapped = kd.KeyMaterial
	e.resolved = true
	b.byKeyID[kd.ID] = survivor
	for _, name := range kd.KeyAltNames {
		e.altNames[name] = struct{}{}
		b.byAltName[name] = survivor
	}
	return nil
}

// survivorOf picks a deterministic survivor entry id from a matched set.
func (b *Broker) survivorOf(matched map[int]struct{}) int {
	survivor := -1
	for id := range matched {
		if survivor == -1 || id < survivor {
			survivor = id
		}
	}
	return survivor
}

// unify merges loser into survivor: every table entry pointing at loser is
// repointed at survivor, and loser's alt-names join survivor's (spec §9).
func (b *Broker) unify(survivor, loser int) {
	if survivor == loser {
		return
	}
	loserEntry, ok := b.entries[loser]
	if !ok {
		return
	}
	survivorEntry := b.entries[survivor]
	for name := range loserEntry.altNames {
		survivorEntry.altNames[name] = struct{}{}
		b.byAltName[name] = survivor
	}
	if loserEntry.keyID != nil {
		b.byKeyID[*loserEntry.keyID] = survivor
		if survivorEntry.keyID == nil {
			survivorEntry.keyID = loserEntry.keyID
		}
	}
	if loserEntry.resolved && !survivorEntry.resolved {
		survivorEntry.resolved = true
		survivorEntry.masterKey = loserEntry.masterKey
		survivorEntry.wrapped = loserEntry.wrapped
	}
	delete(b.entries, loser)
}

// unresolvedCriteria describes the requests DoneAddingDocs could not
// resolve, for the strict-mode error message.
func (b *Broker) unresolvedCriteria() []string {
	var out []string
	for _, e := range b.entries {
		if e.resolved {
			continue
		}
		switch {
		case e.keyID != nil:
			out = append(out, e.keyID.String())
		default:
			for name := range e.altNames {
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

// DoneAddingDocs closes document ingestion and, for every resolved entry,
// instantiates the KMS exchange that will unwrap its DEK (spec §4.3). Local
// entries unwrap synchronously in this call; remote entries get a
// kmswire.Subcontext to be driven via NextKMS/Feed.
func (b *Broker) DoneAddingDocs() error {
	if b.state != AddingDocs {
		return b.wrongState("done_adding_docs")
	}
	if unresolved := b.unresolvedCriteria(); len(unresolved) > 0 && b.mode == Strict {
		return b.fail(status.ClientError(status.CodeUnresolvedKeys, "keybroker: unresolved key requests: %v", unresolved))
	}
	b.state = DocsFrozen

	for _, e := range b.entries {
		if !e.resolved {
			continue
		}
		if e.masterKey.Provider == kek.Local {
			if b.local == nil {
				e.localErr = fmt.Errorf("%w: local master key provided but no local KMS provider configured", fleerrors.ErrInvalidField)
				continue
			}
			plaintext, err := b.local.Unwrap(e.keyID[:], e.wrapped)
			if err != nil {
				e.localErr = err
				continue
			}
			e.unwrapped = plaintext
			continue
		}
		codec := b.registry.Get(e.masterKey.Provider)
		if codec == nil {
			e.localErr = fmt.Errorf("%w: no KMS codec registered for provider %q", fleerrors.ErrUnrecognizedProvider, e.masterKey.Provider)
			continue
		}
		sub, err := kmswire.New(codec, e.masterKey, e.wrapped)
		if err != nil {
			e.localErr = err
			continue
		}
		e.sub = sub
	}

	b.state = KMSRunning
	return nil
}

// NextKMS returns one incomplete subcontext for the caller to drive, or
// ok=false if none remain (spec §4.3's "iteration order is unspecified").
// Entries unwrapped synchronously (local, or failed before a subcontext was
// built) never appear here.
func (b *Broker) NextKMS() (*kmswire.Subcontext, bool) {
	if b.state != KMSRunning {
		return nil, false
	}
	for _, e := range b.entries {
		if e.sub != nil && !e.sub.Complete() {
			return e.sub, true
		}
	}
	return nil, false
}

// KMSDone asserts every subcontext has completed and, if all succeeded,
// transitions to kms-complete and makes unwrapped DEKs available (spec
// §4.3). First failure wins: if any subcontext or local unwrap failed, its
// status is returned and the broker does not advance.
func (b *Broker) KMSDone() error {
	if b.state != KMSRunning {
		return b.wrongState("kms_done")
	}
	for _, e := range b.entries {
		if e.localErr != nil {
			return b.fail(status.KMSErr(status.CodeKMSError, "keybroker: %v", e.localErr))
		}
		if e.sub == nil {
			continue
		}
		if !e.sub.Complete() {
			return b.fail(status.KMSErr(status.CodeKMSIncomplete, "keybroker: subcontext for entry %d has not completed", e.id))
		}
		if !e.sub.Status().IsOK() {
			return b.fail(e.sub.Status())
		}
	}
	for _, e := range b.entries {
		if e.sub == nil {
			continue
		}
		plaintext, err := e.sub.Result()
		if err != nil {
			return b.fail(status.KMSErr(status.CodeKMSError, "keybroker: %v", err))
		}
		e.unwrapped = plaintext
	}
	b.state = KMSComplete
	return nil
}

// Lookup returns the unwrapped DEK for id. Allowed only in kms-complete.
func (b *Broker) Lookup(id uuid.UUID) ([]byte, error) {
	if b.state != KMSComplete {
		return nil, b.wrongState("lookup")
	}
	eid, ok := b.byKeyID[id]
	if !ok {
		return nil, status.ClientError(status.CodeInvalidArgument, "keybroker: no entry for key id %s", id)
	}
	e := b.entries[eid]
	if !e.resolved || len(e.unwrapped) == 0 {
		return nil, fmt.Errorf("%w: %s", fleerrors.ErrKeyNotFound, id)
	}
	return e.unwrapped, nil
}

// IDForAltName returns the key id an alt-name resolved to, once known.
// Callers that need to embed a DEK's id alongside its material (e.g. an
// encrypted field envelope) use this together with LookupByAltName.
func (b *Broker) IDForAltName(name string) (uuid.UUID, error) {
	if b.state != KMSComplete {
		return uuid.UUID{}, b.wrongState("id_for_altname")
	}
	eid, ok := b.byAltName[name]
	if !ok {
		return uuid.UUID{}, status.ClientError(status.CodeInvalidArgument, "keybroker: no entry for alt-name %q", name)
	}
	e := b.entries[eid]
	if e.keyID == nil {
		return uuid.UUID{}, fmt.Errorf("%w: %s", fleerrors.ErrKeyNotFound, name)
	}
	return *e.keyID, nil
}

// LookupByAltName returns the unwrapped DEK registered under name.
func (b *Broker) LookupByAltName(name string) ([]byte, error) {
	if b.state != KMSComplete {
		return nil, b.wrongState("lookup_by_altname")
	}
	eid, ok := b.byAltName[name]
	if !ok {
		return nil, status.ClientError(status.CodeInvalidArgument, "keybroker: no entry for alt-name %q", name)
	}
	e := b.entries[eid]
	if !e.resolved || len(e.unwrapped) == 0 {
		return nil, fmt.Errorf("%w: %s", fleerrors.ErrKeyNotFound, name)
	}
	return e.unwrapped, nil
}

// Destroy releases the broker's owned resources, zeroing every unwrapped
// DEK (spec §5's "key material buffers are zeroed on release"). Safe to
// call from any state.
func (b *Broker) Destroy() {
	for _, e := range b.entries {
		secure.Zero(e.unwrapped)
		secure.Zero(e.wrapped)
		e.masterKey.Release()
	}
	b.entries = nil
	b.byKeyID = nil
	b.byAltName = nil
}
