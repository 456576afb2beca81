package teststack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"golang.org/x/sync/errgroup"
)

// Mode selects where a Harness provisions containers.
type Mode int

const (
	// ModeAsync provisions on the caller's context.
	ModeAsync Mode = iota
	// ModeBlocking provisions on a dedicated goroutine with a context detached from the caller's
	// cancellation, then runs the test body on the caller's goroutine. Use it for bodies that
	// must not share a context with the provisioning work.
	ModeBlocking
)

func (m Mode) String() string {
	switch m {
	case ModeAsync:
		return "async"
	case ModeBlocking:
		return "blocking"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Harness provisions the containers a test asks for and hands the test body ready-to-use
// values.
type Harness struct {
	stack *Stack
	mode  Mode
}

// NewHarness returns a Harness provisioning through stack.
func NewHarness(stack *Stack, mode Mode) *Harness {
	return &Harness{stack: stack, mode: mode}
}

// Harness returns a Harness provisioning through s.
func (s *Stack) Harness(mode Mode) *Harness {
	return NewHarness(s, mode)
}

// Request asks for one container. Requests are built with DatabaseRequest and CustomRequest.
type Request interface {
	provision(ctx context.Context, s *Stack) (any, error)
	String() string
}

type databaseRequest struct {
	engine Engine
	policy NamePolicy
}

// DatabaseRequest asks for a *DatabaseContainer of engine, with the database chosen by policy.
func DatabaseRequest(engine Engine, policy NamePolicy) Request {
	return databaseRequest{engine: engine, policy: policy}
}

func (r databaseRequest) provision(ctx context.Context, s *Stack) (any, error) {
	return s.ProvisionDatabase(ctx, r.engine, r.policy)
}

func (r databaseRequest) String() string {
	return r.engine.String() + "(" + r.policy.String() + ")"
}

type customRequest struct {
	spec Spec
}

// CustomRequest asks for a *CustomContainer started from spec.
func CustomRequest(spec Spec) Request {
	return customRequest{spec: spec}
}

func (r customRequest) provision(ctx context.Context, s *Stack) (any, error) {
	return s.ProvisionCustom(ctx, r.spec)
}

func (r customRequest) String() string {
	return string(r.spec.Kind())
}

// Init converts a provisioned container into the value a test body receives.
type Init[S, T any] func(ctx context.Context, source S) (T, error)

// Arg is a Request paired with the Init that converts its container into a T.
type Arg[T any] struct {
	req  Request
	init func(ctx context.Context, source any) (T, error)
}

// Request returns the container request of a.
func (a Arg[T]) Request() Request {
	return a.req
}

func (a Arg[T]) initAny(ctx context.Context, source any) (any, error) {
	return a.init(ctx, source)
}

type argument interface {
	Request() Request
	initAny(ctx context.Context, source any) (any, error)
}

// Database returns an Arg for a database container converted by init.
func Database[T any](engine Engine, policy NamePolicy, init Init[*DatabaseContainer, T]) Arg[T] {
	return Arg[T]{
		req:  DatabaseRequest(engine, policy),
		init: adapt(init),
	}
}

// Custom returns an Arg for a custom container converted by init.
func Custom[T any](spec Spec, init Init[*CustomContainer, T]) Arg[T] {
	return Arg[T]{
		req:  CustomRequest(spec),
		init: adapt(init),
	}
}

func adapt[S, T any](init Init[S, T]) func(context.Context, any) (T, error) {
	return func(ctx context.Context, source any) (T, error) {
		var zero T
		if init == nil {
			return zero, errors.New("init must not be nil")
		}
		s, ok := source.(S)
		if !ok {
			return zero, fmt.Errorf("unexpected container type %T", source)
		}
		return init(ctx, s)
	}
}

// Provision provisions every request concurrently and returns the containers in request order.
// Element i is a *DatabaseContainer or a *CustomContainer, matching reqs[i].
func (h *Harness) Provision(ctx context.Context, reqs ...Request) ([]any, error) {
	var sources []any
	err := h.prepare(ctx, func(ctx context.Context) error {
		var err error
		sources, err = h.provision(ctx, reqs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sources, nil
}

func (h *Harness) provision(ctx context.Context, reqs []Request) ([]any, error) {
	sources := make([]any, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			source, err := req.provision(gctx, h.stack)
			if err != nil {
				return fmt.Errorf("argument %d (%s): %w", i, req, err)
			}
			sources[i] = source
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sources, nil
}

// compose provisions the containers of args concurrently, then runs each Init in argument
// order, and returns the converted values positionally. If an Init fails, the values converted
// before it are closed.
func (h *Harness) compose(ctx context.Context, args ...argument) ([]any, error) {
	values := make([]any, len(args))
	err := h.prepare(ctx, func(ctx context.Context) error {
		reqs := make([]Request, len(args))
		for i, a := range args {
			reqs[i] = a.Request()
		}
		sources, err := h.provision(ctx, reqs)
		if err != nil {
			return err
		}
		for i, a := range args {
			v, err := a.initAny(ctx, sources[i])
			if err != nil {
				return errors.Join(fmt.Errorf("argument %d: %w", i, err), closeValues(values[:i]))
			}
			values[i] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

// prepare runs fn according to the harness mode and returns its error.
func (h *Harness) prepare(ctx context.Context, fn func(ctx context.Context) error) error {
	if h.mode != ModeBlocking {
		return fn(ctx)
	}
	done := make(chan error, 1)
	go func() {
		done <- fn(context.WithoutCancel(ctx))
	}()
	return <-done
}

func as[T any](v any) T {
	t, _ := v.(T)
	return t
}

// Compose1 returns a function that provisions a, converts it and calls body with the result.
// The body runs exactly once per call, and only if every step before it succeeded.
func Compose1[A any](h *Harness, a Arg[A], body func(ctx context.Context, a A) error) func(context.Context) error {
	return func(ctx context.Context) error {
		values, err := h.compose(ctx, a)
		if err != nil {
			return err
		}
		return body(ctx, as[A](values[0]))
	}
}

// Compose2 is Compose1 for two arguments. Both containers are provisioned concurrently.
func Compose2[A, B any](h *Harness, a Arg[A], b Arg[B], body func(ctx context.Context, a A, b B) error) func(context.Context) error {
	return func(ctx context.Context) error {
		values, err := h.compose(ctx, a, b)
		if err != nil {
			return err
		}
		return body(ctx, as[A](values[0]), as[B](values[1]))
	}
}

// Compose3 is Compose1 for three arguments.
func Compose3[A, B, C any](h *Harness, a Arg[A], b Arg[B], c Arg[C], body func(ctx context.Context, a A, b B, c C) error) func(context.Context) error {
	return func(ctx context.Context) error {
		values, err := h.compose(ctx, a, b, c)
		if err != nil {
			return err
		}
		return body(ctx, as[A](values[0]), as[B](values[1]), as[C](values[2]))
	}
}

// Compose4 is Compose1 for four arguments.
func Compose4[A, B, C, D any](h *Harness, a Arg[A], b Arg[B], c Arg[C], d Arg[D], body func(ctx context.Context, a A, b B, c C, d D) error) func(context.Context) error {
	return func(ctx context.Context) error {
		values, err := h.compose(ctx, a, b, c, d)
		if err != nil {
			return err
		}
		return body(ctx, as[A](values[0]), as[B](values[1]), as[C](values[2]), as[D](values[3]))
	}
}

// Run1 provisions a for the test t and calls body with the result. Provisioning errors fail the
// test. Values implementing io.Closer, or a Close method without result, are closed when the
// test finishes.
func Run1[A any](t *testing.T, h *Harness, a Arg[A], body func(t *testing.T, a A)) {
	t.Helper()
	run(t, Compose1(h, a, func(_ context.Context, a A) error {
		closeOnCleanup(t, a)
		body(t, a)
		return nil
	}))
}

// Run2 is Run1 for two arguments.
func Run2[A, B any](t *testing.T, h *Harness, a Arg[A], b Arg[B], body func(t *testing.T, a A, b B)) {
	t.Helper()
	run(t, Compose2(h, a, b, func(_ context.Context, a A, b B) error {
		closeOnCleanup(t, a, b)
		body(t, a, b)
		return nil
	}))
}

// Run3 is Run1 for three arguments.
func Run3[A, B, C any](t *testing.T, h *Harness, a Arg[A], b Arg[B], c Arg[C], body func(t *testing.T, a A, b B, c C)) {
	t.Helper()
	run(t, Compose3(h, a, b, c, func(_ context.Context, a A, b B, c C) error {
		closeOnCleanup(t, a, b, c)
		body(t, a, b, c)
		return nil
	}))
}

// Run4 is Run1 for four arguments.
func Run4[A, B, C, D any](t *testing.T, h *Harness, a Arg[A], b Arg[B], c Arg[C], d Arg[D], body func(t *testing.T, a A, b B, c C, d D)) {
	t.Helper()
	run(t, Compose4(h, a, b, c, d, func(_ context.Context, a A, b B, c C, d D) error {
		closeOnCleanup(t, a, b, c, d)
		body(t, a, b, c, d)
		return nil
	}))
}

func run(t *testing.T, fn func(context.Context) error) {
	t.Helper()
	if err := fn(t.Context()); err != nil {
		t.Fatalf("teststack: %v", err)
	}
}

func closeOnCleanup(t *testing.T, values ...any) {
	for _, v := range values {
		if closeFn := closerOf(v); closeFn != nil {
			t.Cleanup(func() {
				if err := closeFn(); err != nil {
					t.Errorf("teststack: close %T: %v", v, err)
				}
			})
		}
	}
}

// closeValues closes the values converted before an Init failed.
func closeValues(values []any) error {
	var errs []error
	for i, v := range values {
		if closeFn := closerOf(v); closeFn != nil {
			if err := closeFn(); err != nil {
				errs = append(errs, fmt.Errorf("close argument %d (%T): %w", i, v, err))
			}
		}
	}
	return errors.Join(errs...)
}

// closerOf returns the Close method of v, or nil if v has none. Values implementing io.Closer
// and values with a Close method without result, such as *pgxpool.Pool, are both closable.
func closerOf(v any) func() error {
	switch c := v.(type) {
	case io.Closer:
		return c.Close
	case interface{ Close() }:
		return func() error {
			c.Close()
			return nil
		}
	default:
		return nil
	}
}
