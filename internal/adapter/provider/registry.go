// Package provider contains the payment processor simulators and their
// registry. The simulators behave like real processors at the boundary:
// they mint realistic transaction ids, answer with raw response documents,
// and sign the notifications they emit. Outcomes are driven by the request
// itself so every path is reproducible.
package provider

import (
	"sort"
	"strings"

	"payment-orchestrator/internal/core/ports"
)

// Registry resolves providers by name, case-insensitively.
type Registry struct {
	providers map[string]ports.PaymentProvider
}

// NewRegistry creates a registry holding the given providers.
func NewRegistry(providers ...ports.PaymentProvider) *Registry {
	r := &Registry{providers: make(map[string]ports.PaymentProvider, len(providers))}
	for _, p := range providers {
		r.providers[strings.ToLower(p.Name())] = p
	}
	return r
}

// Get returns the provider for name. The second return is false when no
// provider is registered under that name.
func (r *Registry) Get(name string) (ports.PaymentProvider, bool) {
	p, ok := r.providers[strings.ToLower(name)]
	return p, ok
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
