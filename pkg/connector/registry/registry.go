// Package registry manages connector registration and instantiation.
//
// The process-wide registry is populated by each connector package's
// init() during start-up and is read-only afterwards; there is no dynamic
// re-registration at runtime. Tests construct isolated registries with
// NewRegistry instead of touching the global one.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wavepipe/conveyor/pkg/config"
	"github.com/wavepipe/conveyor/pkg/connector/core"
	"github.com/wavepipe/conveyor/pkg/errors"
	"github.com/wavepipe/conveyor/pkg/logger"
)

// SourceFactory builds a source from validated options. It is only
// invoked after the type's schema accepted the spec.
type SourceFactory func(spec *config.Spec, opts *config.Options) (core.Source, error)

// SinkFactory builds a sink from validated options.
type SinkFactory func(spec *config.Spec, opts *config.Options) (core.Sink, error)

type sourceEntry struct {
	schema  config.Schema
	factory SourceFactory
}

type sinkEntry struct {
	schema  config.Schema
	factory SinkFactory
}

// Registry maps connector type names to factories and option schemas.
type Registry struct {
	sources map[string]sourceEntry
	sinks   map[string]sinkEntry
	mu      sync.RWMutex
	logger  *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates an empty, isolated registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]sourceEntry),
		sinks:   make(map[string]sinkEntry),
		logger:  logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// RegisterSource registers a source factory under name. Registering a
// name twice is a construction-time error; the first registration stays
// active.
func (r *Registry) RegisterSource(name string, schema config.Schema, factory SourceFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[name]; exists {
		return errors.Newf(errors.ErrorTypeConflict, "duplicate source connector type %q", name)
	}

	r.sources[name] = sourceEntry{schema: schema, factory: factory}
	r.logger.Info("source connector registered", zap.String("name", name))
	return nil
}

// RegisterSink registers a sink factory under name. Duplicate names are
// a construction-time error.
func (r *Registry) RegisterSink(name string, schema config.Schema, factory SinkFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sinks[name]; exists {
		return errors.Newf(errors.ErrorTypeConflict, "duplicate sink connector type %q", name)
	}

	r.sinks[name] = sinkEntry{schema: schema, factory: factory}
	r.logger.Info("sink connector registered", zap.String("name", name))
	return nil
}

// Validate runs the registered schema for spec.Type against the spec's
// options and returns every field error found. An unrecognized type is
// reported as a single field error on "type".
func (r *Registry) Validate(spec *config.Spec) []config.FieldError {
	schema, ok := r.lookupSchema(spec)
	if !ok {
		return []config.FieldError{{Field: "type", Message: "unknown connector type " + spec.Type}}
	}
	return schema.Validate(spec)
}

// BuildSource validates the spec and constructs a live source. Validation
// failures surface before any connector code runs.
func (r *Registry) BuildSource(spec *config.Spec) (core.Source, error) {
	r.mu.RLock()
	entry, exists := r.sources[spec.Type]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "source connector %q not found", spec.Type)
	}

	opts, err := entry.schema.Resolve(spec)
	if err != nil {
		return nil, err
	}

	source, err := entry.factory(spec, opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create source connector "+spec.Type)
	}
	return source, nil
}

// BuildSink validates the spec and constructs a live sink.
func (r *Registry) BuildSink(spec *config.Spec) (core.Sink, error) {
	r.mu.RLock()
	entry, exists := r.sinks[spec.Type]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "sink connector %q not found", spec.Type)
	}

	opts, err := entry.schema.Resolve(spec)
	if err != nil {
		return nil, err
	}

	sink, err := entry.factory(spec, opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create sink connector "+spec.Type)
	}
	return sink, nil
}

// ListSources returns the registered source type names.
func (r *Registry) ListSources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sources := make([]string, 0, len(r.sources))
	for name := range r.sources {
		sources = append(sources, name)
	}
	return sources
}

// ListSinks returns the registered sink type names.
func (r *Registry) ListSinks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sinks := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		sinks = append(sinks, name)
	}
	return sinks
}

// HasSource checks if a source type is registered.
func (r *Registry) HasSource(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.sources[name]
	return exists
}

// HasSink checks if a sink type is registered.
func (r *Registry) HasSink(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.sinks[name]
	return exists
}

func (r *Registry) lookupSchema(spec *config.Spec) (config.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch spec.Direction {
	case config.DirectionSource:
		if e, ok := r.sources[spec.Type]; ok {
			return e.schema, true
		}
	case config.DirectionSink:
		if e, ok := r.sinks[spec.Type]; ok {
			return e.schema, true
		}
	}
	return nil, false
}

// Global registry functions

// RegisterSource registers a source factory in the global registry. It is
// called from connector init() functions; a duplicate name here is a
// programming error and panics during start-up rather than at runtime.
func RegisterSource(name string, schema config.Schema, factory SourceFactory) {
	if err := globalRegistry.RegisterSource(name, schema, factory); err != nil {
		panic(err)
	}
}

// RegisterSink registers a sink factory in the global registry.
func RegisterSink(name string, schema config.Schema, factory SinkFactory) {
	if err := globalRegistry.RegisterSink(name, schema, factory); err != nil {
		panic(err)
	}
}

// Validate validates a spec against the global registry.
func Validate(spec *config.Spec) []config.FieldError {
	return globalRegistry.Validate(spec)
}

// BuildSource builds a source from the global registry.
func BuildSource(spec *config.Spec) (core.Source, error) {
	return globalRegistry.BuildSource(spec)
}

// BuildSink builds a sink from the global registry.
func BuildSink(spec *config.Spec) (core.Sink, error) {
	return globalRegistry.BuildSink(spec)
}

// ListSources returns registered sources from the global registry.
func ListSources() []string {
	return globalRegistry.ListSources()
}

// ListSinks returns registered sinks from the global registry.
func ListSinks() []string {
	return globalRegistry.ListSinks()
}

// Default returns the global registry instance.
func Default() *Registry {
	return globalRegistry
}
