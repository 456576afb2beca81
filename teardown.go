package teststack

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"
)

// Coordinator tears a Registry down exactly once, either when Shutdown is called or when the
// process receives one of the configured signals. After a signal-triggered teardown the process
// exits with status 1, even if tests are still running.
type Coordinator struct {
	registry  *Registry
	logger    *slog.Logger
	signals   []os.Signal
	exit      func(int)
	timeout   time.Duration
	noCleanup bool

	startOnce sync.Once
	requests  chan chan error
	done      chan struct{}
	tornDown  atomic.Bool
}

// NewCoordinator returns a Coordinator for registry. It does nothing until Start or Shutdown is
// called. Only the logger, signal, exit, teardown timeout and no-cleanup options apply.
func NewCoordinator(registry *Registry, opts ...Option) (*Coordinator, error) {
	conf, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return newCoordinator(registry, conf), nil
}

func newCoordinator(registry *Registry, conf *config) *Coordinator {
	logger := conf.logger
	if logger == nil {
		logger = discardLogger()
	}
	return &Coordinator{
		registry:  registry,
		logger:    logger.With(slog.String("logger", "teststack.teardown")),
		signals:   conf.signals,
		exit:      conf.exit,
		timeout:   conf.teardownTimeout,
		noCleanup: conf.noCleanup,
		requests:  make(chan chan error),
		done:      make(chan struct{}),
	}
}

// Start arms the coordinator: it begins listening for signals and shutdown requests on its own
// goroutine. Calling Start more than once has no effect.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		sigCh := make(chan os.Signal, 1)
		if len(c.signals) > 0 {
			signal.Notify(sigCh, c.signals...)
		}
		go c.supervise(sigCh)
	})
}

func (c *Coordinator) supervise(sigCh chan os.Signal) {
	defer close(c.done)
	defer signal.Stop(sigCh)

	select {
	case ack := <-c.requests:
		ack <- c.teardown()
	case sig := <-sigCh:
		c.logger.Warn("received signal, tearing down containers", slog.String("signal", sig.String()))
		if err := c.teardown(); err != nil {
			c.logger.Error("teardown after signal", slog.Any("error", err))
		}
		c.exit(1)
	}
}

// Shutdown tears the registry down and waits for it to finish. The teardown itself runs on a
// context bounded by the teardown timeout; ctx only bounds how long Shutdown waits. Calls after
// the first teardown return nil.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.Start()
	ack := make(chan error, 1)
	select {
	case c.requests <- ack:
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once teardown has completed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// TornDown reports whether teardown has run.
func (c *Coordinator) TornDown() bool {
	return c.tornDown.Load()
}

func (c *Coordinator) teardown() error {
	defer c.tornDown.Store(true)
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if c.noCleanup {
		detached, err := c.registry.Detach(ctx)
		for kind, rc := range detached {
			c.logger.Info("leaving container running",
				slog.String("kind", string(kind)),
				slog.String("container_id", rc.ID()),
			)
		}
		return err
	}
	start := time.Now()
	n := c.registry.Len()
	if err := c.registry.Teardown(ctx); err != nil {
		return err
	}
	c.logger.Info("teardown complete", slog.Int("count", n), slog.Duration("duration", time.Since(start)))
	return nil
}
