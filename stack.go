package teststack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Stack owns the container Registry of a test binary together with the Coordinator that tears
// it down. Most test binaries create one Stack in TestMain and share it between all tests.
type Stack struct {
	conf        *config
	runtime     Runtime
	registry    *Registry
	coordinator *Coordinator
	logger      *slog.Logger
}

// New returns a Stack that starts containers through runtime. Options are not read from the
// environment; see OptionsFromEnv.
//
// The Stack's Coordinator is armed before New returns: a configured signal tears every container
// down and exits the process, whether or not RunTestMain is used.
func New(runtime Runtime, opts ...Option) (*Stack, error) {
	if runtime == nil {
		return nil, errors.New("runtime must not be nil")
	}
	conf, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return newStack(runtime, conf), nil
}

// NewDocker returns a Stack backed by the Docker daemon configured in the environment
// (DOCKER_HOST and friends). TESTSTACK_* environment variables are applied first, then opts.
func NewDocker(ctx context.Context, opts ...Option) (*Stack, error) {
	envOpts, err := OptionsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conf, err := newConfig(append(envOpts, opts...))
	if err != nil {
		return nil, err
	}
	runtime, err := newDockerRuntime(conf)
	if err != nil {
		return nil, err
	}
	if err := runtime.Ping(ctx); err != nil {
		return nil, errors.Join(err, runtime.Close())
	}
	return newStack(runtime, conf), nil
}

func newStack(runtime Runtime, conf *config) *Stack {
	logger := conf.logger
	if logger == nil {
		logger = discardLogger()
	}
	registry := NewRegistry(runtime, logger)
	coordinator := newCoordinator(registry, conf)
	coordinator.Start()
	return &Stack{
		conf:        conf,
		runtime:     runtime,
		registry:    registry,
		coordinator: coordinator,
		logger:      logger.With(slog.String("logger", "teststack")),
	}
}

// Registry returns the Stack's container registry.
func (s *Stack) Registry() *Registry {
	return s.registry
}

// Coordinator returns the Stack's teardown coordinator.
func (s *Stack) Coordinator() *Coordinator {
	return s.coordinator
}

// Shutdown tears down every container started by the Stack. See Coordinator.Shutdown.
func (s *Stack) Shutdown(ctx context.Context) error {
	return s.coordinator.Shutdown(ctx)
}

// Close releases the runtime if it holds resources, such as a Docker client. It does not
// remove containers; call Shutdown first.
func (s *Stack) Close() error {
	if c, ok := s.runtime.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// M is implemented by *testing.M.
type M interface {
	Run() int
}

// RunTestMain runs the tests in m with teardown armed, then tears every container down and
// returns the exit code for os.Exit. Teardown failures are reported on stderr and do not change
// the exit code.
//
//	func TestMain(m *testing.M) {
//		stack, err := teststack.NewDocker(context.Background())
//		if err != nil {
//			log.Fatal(err)
//		}
//		os.Exit(stack.RunTestMain(m))
//	}
//
// With TESTSTACK_BLOCK set, RunTestMain waits after the tests for an interrupt, which tears
// the containers down and exits the process.
func (s *Stack) RunTestMain(m M) int {
	code := m.Run()
	if s.conf.block {
		fmt.Fprintf(os.Stderr, "+++ debug mode: containers left running, must exit (CTRL+C) manually. (code: %d)\n", code)
		<-s.coordinator.Done()
	}
	if err := s.coordinator.Shutdown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "teststack: teardown: %v\n", err)
	}
	if err := s.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "teststack: close runtime: %v\n", err)
	}
	return code
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
