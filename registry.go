package teststack

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
)

// Registry caches at most one running container per Kind and shares it between every caller
// asking for that Kind. Creation is serialized per Kind; unrelated kinds never wait on each
// other.
//
// A Registry must be created with NewRegistry.
type Registry struct {
	runtime Runtime
	logger  *slog.Logger

	// mu guards entries, tornDown and the container field of every entry. It is never held while
	// talking to the runtime.
	mu       sync.Mutex
	entries  map[Kind]*entry
	tornDown bool
}

type entry struct {
	// sem serializes creation for one kind. Acquire honours context cancellation.
	sem       *semaphore.Weighted
	container RunningContainer
}

// NewRegistry returns an empty Registry backed by runtime. A nil logger discards output.
func NewRegistry(runtime Runtime, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = discardLogger()
	}
	return &Registry{
		runtime: runtime,
		logger:  logger.With(slog.String("logger", "teststack.registry")),
		entries: make(map[Kind]*entry),
	}
}

// GetOrCreate returns the container cached for kind, starting it from spec if there is none.
//
// Concurrent callers for the same kind wait for the first creation and then share its result.
// If the runtime fails to start the container, that caller gets a *ProvisionError and the entry
// stays empty; the next caller tries again. After Teardown, GetOrCreate returns ErrTornDown.
func (r *Registry) GetOrCreate(ctx context.Context, kind Kind, spec Spec) (RunningContainer, error) {
	e, err := r.entry(kind)
	if err != nil {
		return nil, err
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for %s: %w", kind, err)
	}
	defer e.sem.Release(1)

	r.mu.Lock()
	existing, tornDown := e.container, r.tornDown
	r.mu.Unlock()
	if tornDown {
		return nil, ErrTornDown
	}
	if existing != nil {
		r.logger.Debug("reusing container", slog.String("kind", string(kind)), slog.String("container_id", existing.ID()))
		return existing, nil
	}

	if err := spec.validate(); err != nil {
		return nil, &ProvisionError{Kind: kind, Err: err}
	}
	c, err := r.runtime.Start(ctx, spec)
	if err != nil {
		r.logger.Error("start container", slog.String("kind", string(kind)), slog.Any("error", err))
		return nil, &ProvisionError{Kind: kind, Err: err}
	}
	r.mu.Lock()
	e.container = c
	r.mu.Unlock()
	r.logger.Info("container started",
		slog.String("kind", string(kind)),
		slog.String("image", spec.Image),
		slog.String("container_id", c.ID()),
	)
	return c, nil
}

func (r *Registry) entry(kind Kind) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tornDown {
		return nil, ErrTornDown
	}
	e, ok := r.entries[kind]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		r.entries[kind] = e
	}
	return e, nil
}

// Lookup returns the container cached for kind. It does not wait for an in-flight creation.
func (r *Registry) Lookup(kind Kind) (RunningContainer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[kind]
	if !ok || e.container == nil {
		return nil, false
	}
	return e.container, true
}

// Len reports how many kinds currently have a running container.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, e := range r.entries {
		if e.container != nil {
			n++
		}
	}
	return n
}

// Kinds returns the kinds that currently have a running container, sorted.
func (r *Registry) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, 0, len(r.entries))
	for kind, e := range r.entries {
		if e.container != nil {
			kinds = append(kinds, kind)
		}
	}
	slices.Sort(kinds)
	return kinds
}

// Teardown detaches every cached container and force-removes it through the runtime. Creations
// already in flight are waited for and their containers removed as well. Each removal is
// attempted independently; failures are logged and returned together.
//
// Only the first call does any work. Later calls return nil.
func (r *Registry) Teardown(ctx context.Context) error {
	entries, ok := r.detach()
	if !ok {
		return nil
	}
	var errs error
	for _, kind := range slices.Sorted(maps.Keys(entries)) {
		c, err := entries[kind].drain(ctx)
		if err != nil {
			r.logger.Error("wait for container creation", slog.String("kind", string(kind)), slog.Any("error", err))
			errs = multierr.Append(errs, fmt.Errorf("wait for %s: %w", kind, err))
			continue
		}
		if c == nil {
			continue
		}
		if err := r.runtime.Remove(ctx, c.ID()); err != nil {
			r.logger.Error("remove container",
				slog.String("kind", string(kind)),
				slog.String("container_id", c.ID()),
				slog.Any("error", err),
			)
			errs = multierr.Append(errs, fmt.Errorf("remove %s container %s: %w", kind, c.ID(), err))
			continue
		}
		r.logger.Info("container removed", slog.String("kind", string(kind)), slog.String("container_id", c.ID()))
	}
	return errs
}

// Detach marks the Registry torn down and forgets every cached container without removing it.
// It returns the containers that were running, keyed by kind.
func (r *Registry) Detach(ctx context.Context) (map[Kind]RunningContainer, error) {
	entries, ok := r.detach()
	if !ok {
		return nil, nil
	}
	detached := make(map[Kind]RunningContainer, len(entries))
	var errs error
	for kind, e := range entries {
		c, err := e.drain(ctx)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("wait for %s: %w", kind, err))
			continue
		}
		if c != nil {
			detached[kind] = c
		}
	}
	return detached, errs
}

func (r *Registry) detach() (map[Kind]*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tornDown {
		return nil, false
	}
	r.tornDown = true
	entries := r.entries
	r.entries = make(map[Kind]*entry)
	return entries, true
}

// drain waits for any in-flight creation and takes the container out of the entry.
func (e *entry) drain(ctx context.Context) (RunningContainer, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)
	c := e.container
	e.container = nil
	return c, nil
}
