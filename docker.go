package teststack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/teststack/pkg/dockermanage"
)

// DockerRuntime is a Runtime backed by the Docker daemon. Every container it starts carries the
// dockermanage managed label, with the spec's Name (or image) as value, so leftovers can be
// found with "teststack list".
type DockerRuntime struct {
	manager       *dockermanage.Manager
	hostIP        string
	labels        map[string]string
	readyTimeout  time.Duration
	readyInterval time.Duration
	logger        *slog.Logger
}

var _ Runtime = (*DockerRuntime)(nil)

// NewDockerRuntime returns a Docker runtime. Only the logger, host IP, label and readiness
// options apply.
func NewDockerRuntime(opts ...Option) (*DockerRuntime, error) {
	conf, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return newDockerRuntime(conf)
}

func newDockerRuntime(conf *config) (*DockerRuntime, error) {
	logger := conf.logger
	if logger == nil {
		logger = discardLogger()
	}
	manager, err := dockermanage.NewManager(logger)
	if err != nil {
		return nil, err
	}
	hostIP := conf.hostIP
	if hostIP == "" {
		hostIP = dockermanage.DefaultHostIP
	}
	return &DockerRuntime{
		manager:       manager,
		hostIP:        hostIP,
		labels:        conf.labels,
		readyTimeout:  conf.readyTimeout,
		readyInterval: conf.readyInterval,
		logger:        logger.With(slog.String("logger", "teststack.docker")),
	}, nil
}

// Ping verifies the Docker daemon is reachable.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	return r.manager.Ping(ctx)
}

// Start starts a container from spec and, if spec.Ready is set, polls it until it succeeds or
// the ready timeout expires. A container that never becomes ready is removed.
func (r *DockerRuntime) Start(ctx context.Context, spec Spec) (RunningContainer, error) {
	managed := spec.Name
	if managed == "" {
		managed = spec.Image
	}
	opts := []dockermanage.Option{
		dockermanage.WithImage(spec.Image),
		dockermanage.WithHostIP(r.hostIP),
		dockermanage.WithEnvVars(spec.EnvList()),
		dockermanage.WithLabels(r.labels),
		dockermanage.WithLabels(spec.Labels),
		dockermanage.WithLabel(dockermanage.ManagedLabelKey, managed),
		dockermanage.WithPullProgress(&pullLog{logger: r.logger, image: spec.Image}),
	}
	for _, p := range spec.Ports {
		opts = append(opts, dockermanage.WithContainerPort(p.String()))
	}
	if len(spec.Cmd) > 0 {
		opts = append(opts, dockermanage.WithCmd(spec.Cmd...))
	}
	c, err := r.manager.Start(ctx, opts...)
	if err != nil {
		return nil, err
	}
	rc := &dockerContainer{c: c}
	if spec.Ready == nil {
		return rc, nil
	}
	err = r.manager.WaitReady(ctx, c, func(ctx context.Context, _ *dockermanage.Container) error {
		return spec.Ready(ctx, rc)
	}, dockermanage.WithTimeout(r.readyTimeout), dockermanage.WithDelay(r.readyInterval))
	if err != nil {
		r.logger.Error("container not ready, removing",
			slog.String("container_id", c.ID),
			slog.String("image", spec.Image),
			slog.Any("error", err),
		)
		removeErr := r.manager.Remove(context.WithoutCancel(ctx), c.ID)
		return nil, errors.Join(err, removeErr)
	}
	return rc, nil
}

// Remove force-removes the container. A container that is already gone is not an error.
func (r *DockerRuntime) Remove(ctx context.Context, id string) error {
	return r.manager.Remove(ctx, id)
}

// Close closes the Docker client.
func (r *DockerRuntime) Close() error {
	return r.manager.Close()
}

type dockerContainer struct {
	c *dockermanage.Container
}

func (d *dockerContainer) ID() string   { return d.c.ID }
func (d *dockerContainer) Host() string { return d.c.Host }

func (d *dockerContainer) HostPort(_ context.Context, port Port) (int, error) {
	p, err := d.c.HostPort(port.String())
	if err != nil {
		if errors.Is(err, dockermanage.ErrPortNotPublished) {
			return 0, fmt.Errorf("%w: %w", ErrPortNotMapped, err)
		}
		return 0, err
	}
	return p, nil
}

// pullLog writes the JSON stream of an image pull to the logger at debug level, one record per
// status change. Download progress ticks are dropped.
type pullLog struct {
	logger *slog.Logger
	image  string
	buf    []byte
	last   string
}

func (w *pullLog) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			return len(p), nil
		}
		w.logLine(bytes.TrimSpace(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
}

func (w *pullLog) logLine(line []byte) {
	if len(line) == 0 {
		return
	}
	var event struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Progress string `json:"progress"`
		Error    string `json:"error"`
	}
	if err := json.Unmarshal(line, &event); err != nil {
		w.logger.Debug("pull output", slog.String("image", w.image), slog.String("line", string(line)))
		return
	}
	switch {
	case event.Error != "":
		w.logger.Error("pull image", slog.String("image", w.image), slog.String("error", event.Error))
	case event.Progress != "", event.Status == "":
	default:
		status := event.Status
		if event.ID != "" {
			status = event.ID + ": " + status
		}
		if status == w.last {
			return
		}
		w.last = status
		w.logger.Debug("pull image", slog.String("image", w.image), slog.String("status", status))
	}
}
