package providers

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrNoProvidersAvailable is returned when resolution finds nothing at
	// all; the core cannot synthesize a provider.
	ErrNoProvidersAvailable = errors.New("no providers available")

	// ErrProviderAlreadyRegistered is returned for duplicate registrations
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
)

// Registry maps logical provider ids to backends and resolves fallbacks.
// Registration happens at construction time; there is no de-registration.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	primary   string
	logger    *zap.Logger
}

// NewRegistry creates a registry whose fallback order prefers primary.
func NewRegistry(primary string, logger *zap.Logger) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		primary:   primary,
		logger:    logger,
	}
}

// Register adds a provider under its own name.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return errors.New("provider cannot be nil")
	}
	name := p.Name()
	if name == "" {
		return errors.New("provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return ErrProviderAlreadyRegistered
	}
	r.providers[name] = p

	r.logger.Info("registered provider", zap.String("provider", name))
	return nil
}

// Get resolves id to a backend: exact match, then the primary fallback,
// then any remaining provider (smallest name, so resolution stays
// deterministic). It only fails when nothing is registered.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.providers[id]; ok {
		return p, nil
	}

	if p, ok := r.providers[r.primary]; ok {
		r.logger.Warn("provider not found, using primary fallback",
			zap.String("requested", id),
			zap.String("fallback", r.primary))
		return p, nil
	}

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	if len(names) > 0 {
		sort.Strings(names)
		r.logger.Warn("provider not found, using last-resort fallback",
			zap.String("requested", id),
			zap.String("fallback", names[0]))
		return r.providers[names[0]], nil
	}

	return nil, ErrNoProvidersAvailable
}

// Names returns all registered provider ids, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered providers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
