package dockermanage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
	"github.com/sethvargo/go-retry"
)

const (
	defaultReadinessTimeout = 30 * time.Second
	defaultReadinessDelay   = 500 * time.Millisecond
)

// ErrPortNotPublished is returned by [Container.HostPort] when the container port was not
// published on the host.
var ErrPortNotPublished = errors.New("port not published")

// Container is a running Docker container managed by this package.
type Container struct {
	ID     string
	Image  string
	Host   string
	Labels map[string]string

	// ports maps a container port (e.g., "5432/tcp") to the host port Docker bound it to.
	ports map[string]int
}

// HostPort returns the host port bound to the given container port, for example "5432/tcp".
func (c *Container) HostPort(containerPort string) (int, error) {
	p, err := network.ParsePort(containerPort)
	if err != nil {
		return 0, fmt.Errorf("invalid container port: %w", err)
	}
	port, ok := c.ports[p.String()]
	if !ok {
		return 0, fmt.Errorf("%s on container %s: %w", p, c.ID, ErrPortNotPublished)
	}
	return port, nil
}

// Summary describes a managed container as reported by [Manager.ListManaged].
type Summary struct {
	ID    string
	Image string
	// Kind is the value of the [ManagedLabelKey] label.
	Kind  string
	State string
}

// ReadinessFunc reports whether a container is ready.
type ReadinessFunc func(ctx context.Context, container *Container) error

// Manager manages Docker containers using the native Docker client.
type Manager struct {
	client *client.Client
	logger *slog.Logger
}

// NewManager creates a new manager backed by the Docker client configured from environment.
func NewManager(logger *slog.Logger) (*Manager, error) {
	dockerClient, err := client.New(
		client.FromEnv,
	)
	if err != nil {
		return nil, fmt.Errorf("create Docker client: %w", err)
	}
	return newManagerWithClient(dockerClient, logger), nil
}

func newManagerWithClient(dockerClient *client.Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		client: dockerClient,
		logger: logger.With(slog.String("logger", "dockermanage")),
	}
}

// Ping verifies the Docker daemon is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if _, err := m.client.Ping(ctx, client.PingOptions{}); err != nil {
		return fmt.Errorf("ping Docker daemon: %w", err)
	}
	return nil
}

// Start starts a container with the provided options. Every published port is resolved to its
// host port before Start returns.
func (m *Manager) Start(ctx context.Context, options ...Option) (_ *Container, retErr error) {
	cfg := defaultConfig()
	cfg.pullProgress = os.Stderr
	for _, opt := range options {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.image == "" {
		return nil, errors.New("image is required")
	}
	hostIP, err := netip.ParseAddr(cfg.hostIP)
	if err != nil {
		return nil, fmt.Errorf("invalid host IP %q: %w", cfg.hostIP, err)
	}
	if err := m.pullImageIfNotExists(ctx, cfg.image, cfg.pullProgress); err != nil {
		return nil, fmt.Errorf("pull image %s: %w", cfg.image, err)
	}

	exposed := make(network.PortSet, len(cfg.containerPorts))
	bindings := make(network.PortMap, len(cfg.containerPorts))
	for _, p := range cfg.containerPorts {
		exposed[p] = struct{}{}
		bindings[p] = []network.PortBinding{{HostIP: hostIP}}
	}

	resp, err := m.client.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config: &container.Config{
			Image:        cfg.image,
			Env:          cfg.envVars,
			Cmd:          cfg.cmd,
			ExposedPorts: exposed,
			Labels:       maps.Clone(cfg.labels),
		},
		HostConfig: &container.HostConfig{
			PortBindings: bindings,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		if retErr != nil {
			cleanupCtx := context.WithoutCancel(ctx)
			_, err := m.client.ContainerRemove(cleanupCtx, resp.ID, client.ContainerRemoveOptions{Force: true})
			if err != nil {
				m.logger.Error(
					"remove container after start failure",
					slog.String("container_id", resp.ID),
					slog.Any("error", err),
				)
			}
		}
	}()

	if _, err := m.client.ContainerStart(ctx, resp.ID, client.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	ports := make(map[string]int, len(cfg.containerPorts))
	if len(cfg.containerPorts) > 0 {
		inspectResult, err := m.client.ContainerInspect(ctx, resp.ID, client.ContainerInspectOptions{})
		if err != nil {
			return nil, fmt.Errorf("inspect container for ports: %w", err)
		}
		for _, p := range cfg.containerPorts {
			hostPort, err := resolveBoundPort(inspectResult.Container, p)
			if err != nil {
				return nil, fmt.Errorf("resolve host port: %w", err)
			}
			ports[p.String()] = hostPort
		}
	}

	m.logger.Info(
		"docker container started",
		slog.String("container_id", resp.ID),
		slog.String("image", cfg.image),
		slog.Any("ports", ports),
	)
	return &Container{
		ID:     resp.ID,
		Image:  cfg.image,
		Host:   cfg.hostIP,
		Labels: maps.Clone(cfg.labels),
		ports:  ports,
	}, nil
}

func resolveBoundPort(containerJSON container.InspectResponse, containerPort network.Port) (int, error) {
	if containerJSON.NetworkSettings == nil {
		return 0, errors.New("container network settings are missing")
	}
	portBindings, ok := containerJSON.NetworkSettings.Ports[containerPort]
	if !ok || len(portBindings) == 0 {
		return 0, fmt.Errorf("no port bindings found for %s", containerPort)
	}
	for _, binding := range portBindings {
		if binding.HostPort == "" {
			continue
		}
		port, err := strconv.Atoi(binding.HostPort)
		if err != nil {
			return 0, fmt.Errorf("parse host port %q: %w", binding.HostPort, err)
		}
		return port, nil
	}
	return 0, fmt.Errorf("no host port found for %s", containerPort)
}

// Remove removes a container. If running, it is force removed. Removing a container that no
// longer exists is not an error.
func (m *Manager) Remove(ctx context.Context, containerID string) error {
	if _, err := m.client.ContainerRemove(ctx, containerID, client.ContainerRemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			m.logger.Debug("docker container already gone", slog.String("container_id", containerID))
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	m.logger.Info("docker container removed", slog.String("container_id", containerID))
	return nil
}

// WaitOption configures WaitReady behavior.
type WaitOption func(*waitConfig)

type waitConfig struct {
	timeout time.Duration
	delay   time.Duration
}

// WithTimeout sets the maximum time to wait for readiness. Defaults to 30s.
func WithTimeout(d time.Duration) WaitOption {
	return func(cfg *waitConfig) { cfg.timeout = d }
}

// WithDelay sets the interval between readiness checks. Defaults to 500ms.
func WithDelay(d time.Duration) WaitOption {
	return func(cfg *waitConfig) { cfg.delay = d }
}

// WaitReady waits until a custom readiness checker succeeds.
func (m *Manager) WaitReady(ctx context.Context, container *Container, readiness ReadinessFunc, opts ...WaitOption) error {
	if container == nil {
		return errors.New("container must not be nil")
	}
	if readiness == nil {
		return errors.New("readiness function must not be nil")
	}

	cfg := &waitConfig{
		timeout: defaultReadinessTimeout,
		delay:   defaultReadinessDelay,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.timeout <= 0 {
		return fmt.Errorf("timeout must be positive: %v", cfg.timeout)
	}

	retryCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	backoff := retry.NewConstant(cfg.delay)
	err := retry.Do(retryCtx, backoff, func(ctx context.Context) error {
		if err := readiness(ctx, container); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("container %s did not become ready within %s: %w", container.ID, cfg.timeout, err)
	}
	m.logger.Info("docker container ready", slog.String("container_id", container.ID))
	return nil
}

// ListManaged returns all containers started by this package, running or not.
func (m *Manager) ListManaged(ctx context.Context) ([]Summary, error) {
	result, err := m.client.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: client.Filters{}.Add("label", ManagedLabelKey),
	})
	if err != nil {
		return nil, fmt.Errorf("list managed containers: %w", err)
	}
	summaries := make([]Summary, 0, len(result.Items))
	for _, c := range result.Items {
		summaries = append(summaries, Summary{
			ID:    c.ID,
			Image: c.Image,
			Kind:  c.Labels[ManagedLabelKey],
			State: string(c.State),
		})
	}
	return summaries, nil
}

// RemoveManaged removes all containers started by this package and returns how many were
// removed.
func (m *Manager) RemoveManaged(ctx context.Context) (int, error) {
	summaries, err := m.ListManaged(ctx)
	if err != nil {
		return 0, fmt.Errorf("list containers for remove: %w", err)
	}
	var (
		errs    []error
		removed int
	)
	for _, s := range summaries {
		if err := m.Remove(ctx, s.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(errs) > 0 {
		return removed, errors.Join(errs...)
	}
	m.logger.Info("removed all managed containers", slog.Int("count", removed))
	return removed, nil
}

// Close closes the underlying Docker client.
func (m *Manager) Close() error {
	return m.client.Close()
}

func (m *Manager) pullImageIfNotExists(ctx context.Context, imageName string, progressWriter io.Writer) (retErr error) {
	if _, err := m.client.ImageInspect(ctx, imageName); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image: %w", err)
	}

	m.logger.Info("pulling docker image", slog.String("image", imageName))
	reader, err := m.client.ImagePull(ctx, imageName, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	defer func() {
		retErr = errors.Join(retErr, reader.Close())
	}()

	if progressWriter == nil {
		progressWriter = io.Discard
	}
	if _, err := io.Copy(progressWriter, reader); err != nil {
		return fmt.Errorf("stream pull output: %w", err)
	}
	return nil
}
