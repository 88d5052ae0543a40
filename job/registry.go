package job

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Factory builds a job from its envelope properties.
type Factory func(props map[string]any) (Job, error)

// Registry maps envelope kinds to job factories. It is safe for concurrent
// use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	kinds     map[reflect.Type]string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		kinds:     make(map[reflect.Type]string),
	}
}

// Register binds kind to factory.
func (r *Registry) Register(kind string, factory Factory) error {
	if kind == "" {
		return fmt.Errorf("job kind cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory for %s cannot be nil", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("job kind %s already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// RegisterType binds kind to the struct type T. Envelope properties are
// mapped onto a new *T through its JSON tags.
func RegisterType[T any, PT interface {
	*T
	Job
}](r *Registry, kind string) error {
	t := reflect.TypeOf((*T)(nil))

	factory := func(props map[string]any) (Job, error) {
		j := PT(new(T))
		if len(props) == 0 {
			return j, nil
		}

		data, err := json.Marshal(props)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, j); err != nil {
			return nil, fmt.Errorf("invalid props for %s: %w", kind, err)
		}
		return j, nil
	}

	if err := r.Register(kind, factory); err != nil {
		return err
	}

	r.mu.Lock()
	r.kinds[t] = kind
	r.mu.Unlock()
	return nil
}

// MustRegisterType is RegisterType that panics on error.
func MustRegisterType[T any, PT interface {
	*T
	Job
}](r *Registry, kind string) {
	if err := RegisterType[T, PT](r, kind); err != nil {
		panic(err)
	}
}

// New builds the job an envelope describes.
func (r *Registry) New(env Envelope) (Job, error) {
	r.mu.RLock()
	factory, ok := r.factories[env.Kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, env.Kind)
	}

	j, err := factory(env.Props)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return j, nil
}

// KindOf returns the kind a job value was registered under with
// RegisterType.
func (r *Registry) KindOf(j Job) (string, error) {
	if j == nil {
		return "", fmt.Errorf("job cannot be nil")
	}

	t := reflect.TypeOf(j)
	if t.Kind() != reflect.Ptr {
		t = reflect.PointerTo(t)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	kind, ok := r.kinds[t]
	if !ok {
		return "", fmt.Errorf("%w: %v", ErrUnknownKind, t)
	}
	return kind, nil
}

// Envelope wraps j in an envelope. Its exported fields become the props.
func (r *Registry) Envelope(j Job) (Envelope, error) {
	kind, err := r.KindOf(j)
	if err != nil {
		return Envelope{}, err
	}

	data, err := json.Marshal(j)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s: %w", kind, err)
	}

	props := map[string]any{}
	if err := json.Unmarshal(data, &props); err != nil {
		return Envelope{}, fmt.Errorf("%s must marshal to a JSON object: %w", kind, err)
	}
	return Envelope{Kind: kind, Props: props}, nil
}

// Validate fails if any of kinds is not registered. Workers call it at
// startup so a missing registration shows before the first delivery.
func (r *Registry) Validate(kinds ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, kind := range kinds {
		if _, ok := r.factories[kind]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
		}
	}
	return nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
