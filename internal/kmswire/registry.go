package kmswire

import (
	"fmt"
	"sync"

	"github.com/axonops/fle-core/internal/kek"
)

// Registry maps KEK providers to the Codec that builds/parses their wire
// protocol, adapted from the teacher's kms.Registry (internal/kms) — same
// register/get shape, but keyed on a codec rather than a live client since
// the core never holds a connection.
type Registry struct {
	mu     sync.RWMutex
	codecs map[kek.Provider]Codec
}

// NewRegistry creates an empty codec registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[kek.Provider]Codec)}
}

// Register adds a codec for the given provider. Returns an error if one is
// already registered.
func (r *Registry) Register(provider kek.Provider, codec Codec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.codecs[provider]; exists {
		return fmt.Errorf("kmswire: codec for provider %q already registered", provider)
	}
	r.codecs[provider] = codec
	return nil
}

// Get returns the codec registered for provider, or nil.
func (r *Registry) Get(provider kek.Provider) Codec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.codecs[provider]
}

// Has reports whether a codec is registered for provider.
func (r *Registry) Has(provider kek.Provider) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.codecs[provider]
	return ok
}
