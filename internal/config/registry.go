package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/JonesHong/ASRHub-sub000/pkg/provider/asr"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/vad"
	"github.com/JonesHong/ASRHub-sub000/pkg/provider/wake"
)

// Default detector backends used when the config leaves the field empty.
const (
	DefaultWakeBackend = "energy"
	DefaultVADBackend  = "energy"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered for the requested backend.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps backend names to constructor functions for each provider
// kind. main registers the built-in backends at startup and the Create
// methods instantiate whatever the config names. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	asr  map[asr.Type]func(EngineConfig) (asr.Engine, error)
	vad  map[string]func(VADConfig) (vad.Engine, error)
	wake map[string]func(WakeConfig) (wake.Detector, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		asr:  make(map[asr.Type]func(EngineConfig) (asr.Engine, error)),
		vad:  make(map[string]func(VADConfig) (vad.Engine, error)),
		wake: make(map[string]func(WakeConfig) (wake.Detector, error)),
	}
}

// RegisterASR registers a recognition engine factory for a provider type.
// The factory builds one engine instance per call; pools invoke it once per
// slot. Subsequent calls with the same type overwrite the previous
// registration.
func (r *Registry) RegisterASR(t asr.Type, factory func(EngineConfig) (asr.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asr[t] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(VADConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterWake registers a wake detector factory under name.
func (r *Registry) RegisterWake(name string, factory func(WakeConfig) (wake.Detector, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wake[name] = factory
}

// CreateASR instantiates one recognition engine for entry.Provider.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that type.
func (r *Registry) CreateASR(entry EngineConfig) (asr.Engine, error) {
	r.mu.RLock()
	factory, ok := r.asr[entry.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: asr/%q", ErrProviderNotRegistered, entry.Provider)
	}
	return factory(entry)
}

// CreateVAD instantiates the VAD engine named by cfg.Backend. An empty
// backend selects [DefaultVADBackend].
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Engine, error) {
	name := cfg.Backend
	if name == "" {
		name = DefaultVADBackend
	}
	r.mu.RLock()
	factory, ok := r.vad[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}

// CreateWake instantiates the wake detector named by cfg.Backend. An empty
// backend selects [DefaultWakeBackend].
func (r *Registry) CreateWake(cfg WakeConfig) (wake.Detector, error) {
	name := cfg.Backend
	if name == "" {
		name = DefaultWakeBackend
	}
	r.mu.RLock()
	factory, ok := r.wake[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: wake/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}
