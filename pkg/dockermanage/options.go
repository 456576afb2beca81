package dockermanage

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/moby/moby/api/types/network"
)

const (
	// DefaultHostIP is the default host IP used for port bindings.
	DefaultHostIP = "127.0.0.1"

	// ManagedLabelKey marks containers created by this package. The value indicates the container
	// kind (e.g., "postgres"). Presence of the key means the container is managed.
	ManagedLabelKey = "pressly.teststack"
)

// Option configures container start behavior.
type Option interface {
	apply(*config) error
}

type optionFunc func(*config) error

func (f optionFunc) apply(cfg *config) error {
	return f(cfg)
}

type config struct {
	image          string
	containerPorts []network.Port
	hostIP         string
	envVars        []string
	cmd            []string
	pullProgress   io.Writer
	labels         map[string]string
}

func defaultConfig() *config {
	return &config{
		hostIP:  DefaultHostIP,
		envVars: []string{},
		labels: map[string]string{
			ManagedLabelKey: "",
		},
	}
}

// WithImage sets the container image (for example: postgres:16-alpine).
func WithImage(image string) Option {
	return optionFunc(func(cfg *config) error {
		image = strings.TrimSpace(image)
		if image == "" {
			return errors.New("image must not be empty")
		}
		cfg.image = image
		return nil
	})
}

// WithContainerPort adds a container port to publish, for example: "5432/tcp". May be given more
// than once; every port is bound to a host port chosen by Docker.
func WithContainerPort(port string) Option {
	return optionFunc(func(cfg *config) error {
		p, err := network.ParsePort(port)
		if err != nil {
			return fmt.Errorf("invalid container port: %w", err)
		}
		if !slices.Contains(cfg.containerPorts, p) {
			cfg.containerPorts = append(cfg.containerPorts, p)
		}
		return nil
	})
}

// WithHostIP sets the host IP to bind the container ports to.
func WithHostIP(hostIP string) Option {
	return optionFunc(func(cfg *config) error {
		hostIP = strings.TrimSpace(hostIP)
		if hostIP == "" {
			return errors.New("host IP must not be empty")
		}
		cfg.hostIP = hostIP
		return nil
	})
}

// WithEnvVars appends environment variables in KEY=VALUE format.
func WithEnvVars(envVars []string) Option {
	return optionFunc(func(cfg *config) error {
		cfg.envVars = append(cfg.envVars, slices.Clone(envVars)...)
		return nil
	})
}

// WithCmd overrides the image command.
func WithCmd(cmd ...string) Option {
	return optionFunc(func(cfg *config) error {
		cfg.cmd = slices.Clone(cmd)
		return nil
	})
}

// WithPullProgress sets where the JSON stream of an image pull is written.
//
// Default: os.Stderr
func WithPullProgress(w io.Writer) Option {
	return optionFunc(func(cfg *config) error {
		cfg.pullProgress = w
		return nil
	})
}

// WithLabel sets a single container label.
func WithLabel(key, value string) Option {
	return optionFunc(func(cfg *config) error {
		key = strings.TrimSpace(key)
		if key == "" {
			return errors.New("label key must not be empty")
		}
		cfg.labels[key] = value
		return nil
	})
}

// WithLabels merges labels into container labels.
func WithLabels(labels map[string]string) Option {
	return optionFunc(func(cfg *config) error {
		for key, value := range maps.Clone(labels) {
			key = strings.TrimSpace(key)
			if key == "" {
				return errors.New("label key must not be empty")
			}
			cfg.labels[key] = value
		}
		return nil
	})
}
