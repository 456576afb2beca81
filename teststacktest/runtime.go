// Package teststacktest provides an in-memory teststack.Runtime for tests that exercise
// provisioning logic without a container engine.
package teststacktest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/pressly/teststack"
)

// Runtime is a fake teststack.Runtime. Containers are plain values; nothing is started.
//
// StartFn and RemoveFn replace the default behavior when set. Every call is recorded in Calls,
// in order, regardless of which behavior served it.
type Runtime struct {
	StartFn  func(ctx context.Context, spec teststack.Spec) (teststack.RunningContainer, error)
	RemoveFn func(ctx context.Context, id string) error
	// RunReady makes the default Start call spec.Ready once. Readiness checks of database
	// engines dial the fake host port, so leave it off for those.
	RunReady bool

	mu      sync.Mutex
	Calls   []Call
	nextID  int
	live    map[string]*Container
	gate    chan struct{}
	waiting chan struct{}
}

// Call is one recorded Runtime invocation.
type Call struct {
	Method string
	// Image is set for Start calls.
	Image string
	// ID is the container id created by Start, or the id passed to Remove.
	ID string
}

// New returns an empty fake runtime.
func New() *Runtime {
	return &Runtime{live: make(map[string]*Container)}
}

var _ teststack.Runtime = (*Runtime)(nil)

// Start creates a fake container for spec. Every port in spec is mapped to a distinct host
// port.
func (r *Runtime) Start(ctx context.Context, spec teststack.Spec) (teststack.RunningContainer, error) {
	r.mu.Lock()
	gate, waiting := r.gate, r.waiting
	r.mu.Unlock()
	if gate != nil {
		select {
		case waiting <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if r.StartFn != nil {
		c, err := r.StartFn(ctx, spec)
		call := Call{Method: "Start", Image: spec.Image}
		if c != nil {
			call.ID = c.ID()
		}
		r.record(call)
		return c, err
	}

	r.mu.Lock()
	r.nextID++
	id := fmt.Sprintf("fake-%04d", r.nextID)
	c := &Container{
		id:    id,
		host:  "127.0.0.1",
		Spec:  spec,
		Ports: make(map[teststack.Port]int, len(spec.Ports)),
	}
	for i, p := range spec.Ports {
		c.Ports[p] = 40000 + r.nextID*100 + i
	}
	r.live[id] = c
	r.Calls = append(r.Calls, Call{Method: "Start", Image: spec.Image, ID: id})
	r.mu.Unlock()

	if r.RunReady && spec.Ready != nil {
		if err := spec.Ready(ctx, c); err != nil {
			r.mu.Lock()
			delete(r.live, id)
			r.mu.Unlock()
			return nil, fmt.Errorf("container %s not ready: %w", id, err)
		}
	}
	return c, nil
}

// Remove forgets the container with the given id. Removing an unknown id is not an error.
func (r *Runtime) Remove(ctx context.Context, id string) error {
	r.record(Call{Method: "Remove", ID: id})
	if r.RemoveFn != nil {
		return r.RemoveFn(ctx, id)
	}
	r.mu.Lock()
	delete(r.live, id)
	r.mu.Unlock()
	return nil
}

func (r *Runtime) record(c Call) {
	r.mu.Lock()
	r.Calls = append(r.Calls, c)
	r.mu.Unlock()
}

// Hold makes every subsequent Start block until the returned release func is called. The
// returned channel receives a value each time a Start call begins waiting.
func (r *Runtime) Hold() (release func(), waiting <-chan struct{}) {
	gate := make(chan struct{})
	wait := make(chan struct{}, 64)
	r.mu.Lock()
	r.gate, r.waiting = gate, wait
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.gate, r.waiting = nil, nil
			r.mu.Unlock()
			close(gate)
		})
	}, wait
}

// Count returns how many times method was called.
func (r *Runtime) Count(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, c := range r.Calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Removed returns the ids passed to Remove, in call order.
func (r *Runtime) Removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, c := range r.Calls {
		if c.Method == "Remove" {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// Live returns the ids of containers started and not yet removed, sorted.
func (r *Runtime) Live() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Container is a fake running container.
type Container struct {
	id   string
	host string
	// Spec is the spec the container was started from.
	Spec teststack.Spec
	// Ports maps internal ports to fake host ports.
	Ports map[teststack.Port]int
}

// NewContainer returns a fake container with the given id and port mappings, for use from
// StartFn.
func NewContainer(id string, ports map[teststack.Port]int) *Container {
	if ports == nil {
		ports = make(map[teststack.Port]int)
	}
	return &Container{id: id, host: "127.0.0.1", Ports: ports}
}

func (c *Container) ID() string   { return c.id }
func (c *Container) Host() string { return c.host }

func (c *Container) HostPort(_ context.Context, port teststack.Port) (int, error) {
	p, ok := c.Ports[port]
	if !ok {
		return 0, fmt.Errorf("%s on container %s: %w", port, c.id, teststack.ErrPortNotMapped)
	}
	return p, nil
}
