package teststack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/pressly/teststack/internal/cfg"
)

const (
	defaultTeardownTimeout = 30 * time.Second
	defaultReadyTimeout    = 60 * time.Second
	defaultReadyInterval   = 500 * time.Millisecond
)

// Option configures a Stack or a Coordinator.
type Option interface {
	apply(*config) error
}

// CreateDatabaseFunc creates database name on the engine described by admin, which is connected
// to the engine's default database.
type CreateDatabaseFunc func(ctx context.Context, admin DatabaseConfig, name string) error

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return configFunc(func(c *config) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		c.logger = logger
		return nil
	})
}

// WithImage overrides the image used for engine.
func WithImage(engine Engine, image string) Option {
	return configFunc(func(c *config) error {
		if _, err := engine.definition(); err != nil {
			return err
		}
		if strings.TrimSpace(image) == "" {
			return fmt.Errorf("%s image must not be empty", engine)
		}
		c.images[engine] = image
		return nil
	})
}

// WithHostIP sets the host address container ports are published on. Only used by the Docker
// runtime.
//
// Default: 127.0.0.1
func WithHostIP(ip string) Option {
	return configFunc(func(c *config) error {
		if strings.TrimSpace(ip) == "" {
			return errors.New("host IP must not be empty")
		}
		c.hostIP = ip
		return nil
	})
}

// WithLabels adds labels to every container started by the Docker runtime.
func WithLabels(labels map[string]string) Option {
	return configFunc(func(c *config) error {
		for k := range labels {
			if strings.TrimSpace(k) == "" {
				return errors.New("label key must not be empty")
			}
		}
		maps.Copy(c.labels, labels)
		return nil
	})
}

// WithReadyTimeout bounds how long the Docker runtime waits for a container to become ready.
//
// Default: 60s
func WithReadyTimeout(d time.Duration) Option {
	return configFunc(func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("ready timeout must be positive: %s", d)
		}
		c.readyTimeout = d
		return nil
	})
}

// WithReadyInterval sets how often the Docker runtime checks a starting container for
// readiness.
//
// Default: 500ms
func WithReadyInterval(d time.Duration) Option {
	return configFunc(func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("ready interval must be positive: %s", d)
		}
		c.readyInterval = d
		return nil
	})
}

// WithTeardownTimeout bounds how long teardown may take. Teardown runs on its own context, so
// this is the only limit.
//
// Default: 30s
func WithTeardownTimeout(d time.Duration) Option {
	return configFunc(func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("teardown timeout must be positive: %s", d)
		}
		c.teardownTimeout = d
		return nil
	})
}

// WithNoCleanup leaves containers running at teardown. Their ids are logged, and they can be
// removed later with "teststack prune".
func WithNoCleanup(b bool) Option {
	return configFunc(func(c *config) error {
		c.noCleanup = b
		return nil
	})
}

// WithBlock makes RunTestMain wait for an interrupt after the tests finish and before teardown,
// so running containers can be inspected.
func WithBlock(b bool) Option {
	return configFunc(func(c *config) error {
		c.block = b
		return nil
	})
}

// WithSignals sets the signals that trigger teardown followed by process exit. With no
// arguments, signals are ignored.
//
// Default: os.Interrupt, syscall.SIGTERM
func WithSignals(signals ...os.Signal) Option {
	return configFunc(func(c *config) error {
		c.signals = signals
		return nil
	})
}

// WithExitFunc replaces os.Exit, which is called with status 1 after a signal-triggered
// teardown.
func WithExitFunc(exit func(code int)) Option {
	return configFunc(func(c *config) error {
		if exit == nil {
			return errors.New("exit func must not be nil")
		}
		c.exit = exit
		return nil
	})
}

// WithCreateDatabase replaces the function used by RandomName to create databases.
func WithCreateDatabase(fn CreateDatabaseFunc) Option {
	return configFunc(func(c *config) error {
		if fn == nil {
			return errors.New("create database func must not be nil")
		}
		c.createDatabase = fn
		return nil
	})
}

// OptionsFromEnv returns the options described by TESTSTACK_* environment variables, including
// those read from TESTSTACK_ENV_FILE. NewDocker applies them before its own options.
func OptionsFromEnv() ([]Option, error) {
	values, err := cfg.Load()
	if err != nil {
		return nil, err
	}
	var opts []Option
	for engine, key := range map[Engine]string{
		Postgres:   cfg.KeyPostgresImage,
		MySQL:      cfg.KeyMySQLImage,
		ClickHouse: cfg.KeyClickHouseImage,
		SQLServer:  cfg.KeySQLServerImage,
	} {
		if image := values[key]; image != "" {
			opts = append(opts, WithImage(engine, image))
		}
	}
	if ip := values[cfg.KeyHostIP]; ip != "" {
		opts = append(opts, WithHostIP(ip))
	}
	if labels := values[cfg.KeyLabels]; labels != "" {
		opts = append(opts, WithLabels(cfg.SplitKeyValuesIntoMap(labels)))
	}
	readyTimeout, err := values.Duration(cfg.KeyReadyTimeout, defaultReadyTimeout)
	if err != nil {
		return nil, err
	}
	teardownTimeout, err := values.Duration(cfg.KeyTeardownTimeout, defaultTeardownTimeout)
	if err != nil {
		return nil, err
	}
	noCleanup, err := values.Bool(cfg.KeyNoCleanup)
	if err != nil {
		return nil, err
	}
	block, err := values.Bool(cfg.KeyBlock)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		WithReadyTimeout(readyTimeout),
		WithTeardownTimeout(teardownTimeout),
		WithNoCleanup(noCleanup),
		WithBlock(block),
	)
	if level := values[cfg.KeyLogLevel]; level != "" {
		var l slog.Level
		if err := l.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("%s: %w", cfg.KeyLogLevel, err)
		}
		opts = append(opts, WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))))
	}
	return opts, nil
}

type config struct {
	logger          *slog.Logger
	images          map[Engine]string
	hostIP          string
	labels          map[string]string
	readyTimeout    time.Duration
	readyInterval   time.Duration
	teardownTimeout time.Duration
	noCleanup       bool
	block           bool
	signals         []os.Signal
	exit            func(int)
	createDatabase  CreateDatabaseFunc
}

func newConfig(opts []Option) (*config, error) {
	c := &config{
		images:          make(map[Engine]string),
		labels:          make(map[string]string),
		readyTimeout:    defaultReadyTimeout,
		readyInterval:   defaultReadyInterval,
		teardownTimeout: defaultTeardownTimeout,
		signals:         []os.Signal{os.Interrupt, syscall.SIGTERM},
		exit:            os.Exit,
		createDatabase:  createDatabase,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

type configFunc func(*config) error

func (f configFunc) apply(c *config) error {
	return f(c)
}
