package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Harvey-AU/podcore/internal/queue"
)

// Prepared is a job whose arguments have been decoded and is ready to run.
type Prepared func(ctx context.Context) error

type preparer func(raw json.RawMessage) (Prepared, error)

// Registry maps job names to typed handlers. It is filled at startup and
// frozen before the pool starts; after that the set of kinds is closed.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]preparer
	frozen   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]preparer)}
}

// Register binds a handler taking typed arguments A to name. It panics on a
// duplicate name or a frozen registry, both of which are wiring bugs.
func Register[A any](r *Registry, name string, fn func(context.Context, A) error) {
	r.add(name, func(raw json.RawMessage) (Prepared, error) {
		var args A
		if err := decodeArgs(raw, &args); err != nil {
			return nil, Permanentf("malformed args for %s: %w", name, err)
		}
		return func(ctx context.Context) error {
			return fn(ctx, args)
		}, nil
	})
}

func (r *Registry) add(name string, p preparer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		panic(fmt.Sprintf("jobs: register %q after freeze", name))
	}
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("jobs: handler %q registered twice", name))
	}
	r.handlers[name] = p
}

// decodeArgs rejects unknown fields so that a renamed field is caught
// instead of silently zeroed.
func decodeArgs(raw json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after args")
	}
	return nil
}

// Freeze closes the registry to further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names returns the registered job names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Prepare decodes a claimed job's arguments. Unknown names and malformed
// arguments come back as permanent errors.
func (r *Registry) Prepare(job queue.Job) (Prepared, error) {
	r.mu.RLock()
	p, ok := r.handlers[job.Name]
	r.mu.RUnlock()

	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %q", ErrUnknownJob, job.Name))
	}
	return p(job.Args)
}

// Validate checks that name is registered and args decode, without running
// anything. Producers call it before enqueueing untrusted input.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	_, err := r.Prepare(queue.Job{Name: name, Args: args})
	return err
}
