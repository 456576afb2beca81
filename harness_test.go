package teststack_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/teststack"
	"github.com/pressly/teststack/teststacktest"
	"github.com/stretchr/testify/require"
)

func image(c *teststack.CustomContainer) string {
	return c.RunningContainer.(*teststacktest.Container).Spec.Image
}

func TestComposeBindsPositionally(t *testing.T) {
	t.Parallel()

	for _, mode := range []teststack.Mode{teststack.ModeAsync, teststack.ModeBlocking} {
		t.Run(mode.String(), func(t *testing.T) {
			t.Parallel()
			// "first" finishes provisioning only after "second" has started, so completion order
			// is the reverse of request order.
			secondStarted := make(chan struct{})
			rt := teststacktest.New()
			rt.StartFn = func(ctx context.Context, spec teststack.Spec) (teststack.RunningContainer, error) {
				switch spec.Image {
				case "first":
					select {
					case <-secondStarted:
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				case "second":
					close(secondStarted)
				}
				return teststacktest.NewContainer(spec.Image+"-id", nil), nil
			}
			stack, _ := newTestStack(t, rt)
			h := stack.Harness(mode)

			var (
				mu        sync.Mutex
				initOrder []string
			)
			record := func(_ context.Context, c *teststack.CustomContainer) (string, error) {
				mu.Lock()
				defer mu.Unlock()
				initOrder = append(initOrder, c.ID())
				return c.ID(), nil
			}
			var calls int
			fn := teststack.Compose2(h,
				teststack.Custom(teststack.Spec{Image: "first"}, record),
				teststack.Custom(teststack.Spec{Image: "second"}, record),
				func(_ context.Context, a, b string) error {
					calls++
					require.Equal(t, "first-id", a)
					require.Equal(t, "second-id", b)
					return nil
				},
			)
			require.NoError(t, fn(t.Context()))
			require.Equal(t, 1, calls)
			require.Equal(t, []string{"first-id", "second-id"}, initOrder)
		})
	}
}

func TestComposeDatabaseAndCustom(t *testing.T) {
	t.Parallel()

	rt := teststacktest.New()
	stack, created := newTestStack(t, rt)
	h := teststack.NewHarness(stack, teststack.ModeAsync)
	brokerPort := teststack.TCP(5672)

	var calls int
	fn := teststack.Compose2(h,
		teststack.Database(teststack.Postgres, teststack.RandomName(), teststack.Config),
		teststack.Custom(teststack.Spec{Image: "rabbitmq:4", Ports: []teststack.Port{brokerPort}}, teststack.Address(brokerPort)),
		func(_ context.Context, conf teststack.DatabaseConfig, addr string) error {
			calls++
			require.Regexp(t, randomNameRE, conf.Name)
			require.Contains(t, conf.URL, "/"+conf.Name+"?")
			require.Regexp(t, `^127\.0\.0\.1:\d+$`, addr)
			return nil
		},
	)
	require.NoError(t, fn(t.Context()))
	require.Equal(t, 1, calls)
	require.Len(t, created.Names(), 1)
	require.Equal(t, 2, stack.Registry().Len())
}

func TestComposeReusesContainers(t *testing.T) {
	t.Parallel()

	rt := teststacktest.New()
	stack, _ := newTestStack(t, rt)
	h := stack.Harness(teststack.ModeAsync)

	var ids []string
	arg := teststack.Database(teststack.Postgres, teststack.DefaultName(), teststack.Container[teststack.DatabaseConfig])
	for range 2 {
		err := teststack.Compose1(h, arg, func(_ context.Context, c *teststack.DatabaseContainer) error {
			ids = append(ids, c.ID())
			return nil
		})(t.Context())
		require.NoError(t, err)
	}
	require.Len(t, ids, 2)
	require.Equal(t, ids[0], ids[1])
	require.Equal(t, 1, rt.Count("Start"))
}

func TestComposeErrors(t *testing.T) {
	t.Parallel()

	t.Run("provisioning failure skips the body", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("pull access denied")
		rt := teststacktest.New()
		rt.StartFn = func(_ context.Context, spec teststack.Spec) (teststack.RunningContainer, error) {
			if spec.Image == "missing" {
				return nil, boom
			}
			return teststacktest.NewContainer(spec.Image, nil), nil
		}
		stack, _ := newTestStack(t, rt)
		h := stack.Harness(teststack.ModeAsync)

		var called bool
		err := teststack.Compose2(h,
			teststack.Custom(teststack.Spec{Image: "redis:7"}, teststack.Container[struct{}]),
			teststack.Custom(teststack.Spec{Image: "missing"}, teststack.Container[struct{}]),
			func(context.Context, *teststack.CustomContainer, *teststack.CustomContainer) error {
				called = true
				return nil
			},
		)(t.Context())
		require.ErrorIs(t, err, boom)
		var provisionErr *teststack.ProvisionError
		require.ErrorAs(t, err, &provisionErr)
		require.Equal(t, teststack.Kind("custom:missing"), provisionErr.Kind)
		require.Contains(t, err.Error(), "argument 1")
		require.False(t, called)
	})
	t.Run("init failure names the argument", func(t *testing.T) {
		t.Parallel()
		rt := teststacktest.New()
		stack, _ := newTestStack(t, rt)
		h := stack.Harness(teststack.ModeAsync)

		var called bool
		err := teststack.Compose3(h,
			teststack.Custom(teststack.Spec{Image: "a"}, teststack.Container[struct{}]),
			teststack.Custom(teststack.Spec{Image: "b"}, teststack.Container[struct{}]),
			teststack.Database(teststack.MySQL, teststack.DefaultName(), teststack.PgxPool),
			func(context.Context, *teststack.CustomContainer, *teststack.CustomContainer, *pgxpool.Pool) error {
				called = true
				return nil
			},
		)(t.Context())
		require.ErrorIs(t, err, teststack.ErrUnsupportedEngine)
		require.Contains(t, err.Error(), "argument 2")
		require.False(t, called)
	})
	t.Run("init failure closes earlier arguments", func(t *testing.T) {
		t.Parallel()
		rt := teststacktest.New()
		stack, _ := newTestStack(t, rt)
		h := stack.Harness(teststack.ModeAsync)

		first := new(closer)
		second := new(closer)
		var called bool
		err := teststack.Compose3(h,
			teststack.Custom(teststack.Spec{Image: "a"}, func(context.Context, *teststack.CustomContainer) (*closer, error) {
				return first, nil
			}),
			teststack.Custom(teststack.Spec{Image: "b"}, func(context.Context, *teststack.CustomContainer) (*closer, error) {
				return second, nil
			}),
			teststack.Custom(teststack.Spec{Image: "c"}, func(context.Context, *teststack.CustomContainer) (int, error) {
				return 0, errors.New("boom")
			}),
			func(context.Context, *closer, *closer, int) error {
				called = true
				return nil
			},
		)(t.Context())
		require.ErrorContains(t, err, "argument 2: boom")
		require.False(t, called)
		require.True(t, first.isClosed())
		require.True(t, second.isClosed())
	})
	t.Run("close errors are joined to the init failure", func(t *testing.T) {
		t.Parallel()
		rt := teststacktest.New()
		stack, _ := newTestStack(t, rt)
		h := stack.Harness(teststack.ModeBlocking)

		closeErr := errors.New("close failed")
		first := &closer{err: closeErr}
		boom := errors.New("boom")
		err := teststack.Compose2(h,
			teststack.Custom(teststack.Spec{Image: "a"}, func(context.Context, *teststack.CustomContainer) (*closer, error) {
				return first, nil
			}),
			teststack.Custom(teststack.Spec{Image: "b"}, func(context.Context, *teststack.CustomContainer) (string, error) {
				return "", boom
			}),
			func(context.Context, *closer, string) error { return nil },
		)(t.Context())
		require.ErrorIs(t, err, boom)
		require.ErrorIs(t, err, closeErr)
		require.ErrorContains(t, err, "close argument 0")
		require.True(t, first.isClosed())
	})
	t.Run("body error is returned unchanged", func(t *testing.T) {
		t.Parallel()
		rt := teststacktest.New()
		stack, _ := newTestStack(t, rt)
		h := stack.Harness(teststack.ModeAsync)

		boom := errors.New("assertion failed")
		err := teststack.Compose1(h,
			teststack.Custom(teststack.Spec{Image: "a"}, teststack.Container[struct{}]),
			func(context.Context, *teststack.CustomContainer) error { return boom },
		)(t.Context())
		require.Equal(t, boom, err)
	})
	t.Run("nil init", func(t *testing.T) {
		t.Parallel()
		rt := teststacktest.New()
		stack, _ := newTestStack(t, rt)
		h := stack.Harness(teststack.ModeAsync)

		err := teststack.Compose1(h,
			teststack.Custom[int](teststack.Spec{Image: "a"}, nil),
			func(context.Context, int) error { return nil },
		)(t.Context())
		require.Error(t, err)
	})
}

func TestModeBlockingDetachesProvisioning(t *testing.T) {
	t.Parallel()

	rt := teststacktest.New()
	stack, _ := newTestStack(t, rt)
	arg := teststack.Custom(teststack.Spec{Image: "redis:7"}, teststack.Container[struct{}])

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	// The async harness provisions on the canceled context.
	err := teststack.Compose1(stack.Harness(teststack.ModeAsync), arg,
		func(context.Context, *teststack.CustomContainer) error { return nil },
	)(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// The blocking harness provisions on its own context, then runs the body on the caller's.
	var bodyCtxErr error
	err = teststack.Compose1(stack.Harness(teststack.ModeBlocking), arg,
		func(ctx context.Context, c *teststack.CustomContainer) error {
			bodyCtxErr = ctx.Err()
			return nil
		},
	)(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, bodyCtxErr, context.Canceled)
}

func TestProvision(t *testing.T) {
	t.Parallel()

	rt := teststacktest.New()
	stack, _ := newTestStack(t, rt)
	h := stack.Harness(teststack.ModeAsync)

	sources, err := h.Provision(t.Context(),
		teststack.DatabaseRequest(teststack.SQLServer, teststack.StaticName("shop")),
		teststack.CustomRequest(teststack.Spec{Image: "nats:2", Ports: []teststack.Port{teststack.TCP(4222)}}),
	)
	require.NoError(t, err)
	require.Len(t, sources, 2)

	db, ok := sources[0].(*teststack.DatabaseContainer)
	require.True(t, ok)
	require.Equal(t, "shop", db.Conf.Name)
	custom, ok := sources[1].(*teststack.CustomContainer)
	require.True(t, ok)
	require.Equal(t, "nats:2", image(custom))

	_, err = h.Provision(t.Context(), teststack.DatabaseRequest(teststack.Engine(0), teststack.DefaultName()))
	require.ErrorIs(t, err, teststack.ErrUnknownEngine)
}

type closer struct {
	mu     sync.Mutex
	closed bool
	err    error
}

func (c *closer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.err
}

func (c *closer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestRun(t *testing.T) {
	t.Parallel()

	rt := teststacktest.New()
	stack, _ := newTestStack(t, rt)
	h := stack.Harness(teststack.ModeAsync)
	port := teststack.TCP(6379)
	spec := teststack.Spec{Image: "redis:7", Ports: []teststack.Port{port}}

	c := new(closer)
	var calls int
	t.Run("body", func(t *testing.T) {
		teststack.Run4(t, h,
			teststack.Custom(spec, func(context.Context, *teststack.CustomContainer) (*closer, error) { return c, nil }),
			teststack.Custom(spec, teststack.HostPort(port)),
			teststack.Custom(spec, teststack.Address(port)),
			teststack.Database(teststack.Postgres, teststack.StaticName("app"), teststack.URL),
			func(t *testing.T, got *closer, hostPort int, addr, dbURL string) {
				calls++
				require.False(t, got.isClosed())
				require.Equal(t, fmt.Sprintf("127.0.0.1:%d", hostPort), addr)
				require.Contains(t, dbURL, "/app?")
			},
		)
	})
	require.Equal(t, 1, calls)
	require.True(t, c.isClosed(), "closer must be closed when the test finishes")
	// All three custom args share one container.
	require.Equal(t, 2, rt.Count("Start"))
}

func TestComposeConcurrentTests(t *testing.T) {
	t.Parallel()

	rt := teststacktest.New()
	release, waiting := rt.Hold()
	stack, _ := newTestStack(t, rt)
	h := stack.Harness(teststack.ModeAsync)
	arg := teststack.Database(teststack.Postgres, teststack.RandomName(), teststack.Container[teststack.DatabaseConfig])

	const count = 8
	results := make(chan *teststack.DatabaseContainer, count)
	errs := make(chan error, count)
	for range count {
		go func() {
			errs <- teststack.Compose1(h, arg, func(_ context.Context, c *teststack.DatabaseContainer) error {
				results <- c
				return nil
			})(t.Context())
		}()
	}
	select {
	case <-waiting:
	case <-time.After(5 * time.Second):
		t.Fatal("no provisioning started")
	}
	release()

	names := make(map[string]bool)
	var id string
	for range count {
		require.NoError(t, <-errs)
		c := <-results
		if id == "" {
			id = c.ID()
		}
		require.Equal(t, id, c.ID())
		names[c.Conf.Name] = true
	}
	require.Len(t, names, count)
	require.Equal(t, 1, rt.Count("Start"))
}
