package connector

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Martian-dev/mailmove/internal/model"
)

// ErrUnsupported is returned when no connector serves the requested
// provider and data type.
var ErrUnsupported = errors.New("not supported")

// Set bundles the connectors one provider implements. A nil member means
// the provider cannot serve that data type.
type Set struct {
	Messages MessageConnector
	Contacts ContactConnector
	Events   EventConnector
}

// Registry resolves connectors by provider.
type Registry struct {
	mu   sync.RWMutex
	sets map[model.Provider]Set
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sets: make(map[model.Provider]Set)}
}

// Register adds or replaces the connectors of a provider.
func (r *Registry) Register(p model.Provider, s Set) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets[p] = s
}

// Providers lists the registered providers.
func (r *Registry) Providers() []model.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Provider, 0, len(r.sets))
	for p := range r.sets {
		out = append(out, p)
	}
	return out
}

func (r *Registry) set(p model.Provider) (Set, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sets[p]
	if !ok {
		return Set{}, fmt.Errorf("no connectors registered for provider %s: %w", p, ErrUnsupported)
	}
	return s, nil
}

// Messages resolves the message connector of p.
func (r *Registry) Messages(p model.Provider) (MessageConnector, error) {
	s, err := r.set(p)
	if err != nil {
		return nil, err
	}
	if s.Messages == nil {
		return nil, fmt.Errorf("provider %s does not support emails: %w", p, ErrUnsupported)
	}
	return s.Messages, nil
}

// Contacts resolves the contact connector of p.
func (r *Registry) Contacts(p model.Provider) (ContactConnector, error) {
	s, err := r.set(p)
	if err != nil {
		return nil, err
	}
	if s.Contacts == nil {
		return nil, fmt.Errorf("provider %s does not support contacts: %w", p, ErrUnsupported)
	}
	return s.Contacts, nil
}

// Events resolves the event connector of p.
func (r *Registry) Events(p model.Provider) (EventConnector, error) {
	s, err := r.set(p)
	if err != nil {
		return nil, err
	}
	if s.Events == nil {
		return nil, fmt.Errorf("provider %s does not support calendars: %w", p, ErrUnsupported)
	}
	return s.Events, nil
}
