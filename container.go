package teststack

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Kind identifies a class of containers that share one running instance. The Registry keeps at
// most one live container per Kind.
type Kind string

// Port is an internal container port.
type Port struct {
	Number   uint16
	Protocol string
}

// TCP returns the TCP port n.
func TCP(n uint16) Port {
	return Port{Number: n, Protocol: "tcp"}
}

// UDP returns the UDP port n.
func UDP(n uint16) Port {
	return Port{Number: n, Protocol: "udp"}
}

// String returns the port in Docker notation, for example "5432/tcp".
func (p Port) String() string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%d/%s", p.Number, proto)
}

// RunningContainer is a handle to a live container. Implementations are provided by a Runtime.
type RunningContainer interface {
	// ID returns the runtime-assigned container id.
	ID() string
	// Host returns the host address the container ports are published on.
	Host() string
	// HostPort resolves the host port mapped to an internal container port.
	HostPort(ctx context.Context, port Port) (int, error)
}

// ReadinessFunc reports whether a started container is ready to serve. A non-nil error means
// "not yet"; the runtime keeps polling until it succeeds or the readiness timeout expires.
type ReadinessFunc func(ctx context.Context, c RunningContainer) error

// Runtime starts and removes containers.
type Runtime interface {
	// Start starts a container from spec. When spec.Ready is set, Start does not return until it
	// succeeds.
	Start(ctx context.Context, spec Spec) (RunningContainer, error)
	// Remove force-removes the container with the given id.
	Remove(ctx context.Context, id string) error
}

// Spec describes a container to start.
type Spec struct {
	// Image is the image reference, for example "rabbitmq:4-management".
	Image string
	// Name optionally overrides the identity used to share the container between tests. Two
	// custom specs with the same Name share one container even if their images differ.
	Name   string
	Ports  []Port
	Env    map[string]string
	Cmd    []string
	Labels map[string]string
	Ready  ReadinessFunc
}

// Kind returns the Registry key for a custom container started from s.
func (s Spec) Kind() Kind {
	if s.Name != "" {
		return Kind("custom:" + s.Name)
	}
	return Kind("custom:" + s.Image)
}

// EnvList returns Env as sorted KEY=VALUE pairs.
func (s Spec) EnvList() []string {
	list := make([]string, 0, len(s.Env))
	for _, k := range slices.Sorted(maps.Keys(s.Env)) {
		list = append(list, k+"="+s.Env[k])
	}
	return list
}

func (s Spec) validate() error {
	if strings.TrimSpace(s.Image) == "" {
		return fmt.Errorf("spec: image must not be empty")
	}
	for _, p := range s.Ports {
		if p.Number == 0 {
			return fmt.Errorf("spec %s: port must not be zero", s.Image)
		}
	}
	return nil
}

// TestContainer is a running container together with service-specific configuration.
type TestContainer[C any] struct {
	RunningContainer
	Conf C
}

// CustomContainer is a container started from a caller-provided Spec. It carries no
// configuration; the caller interprets the container itself, usually through HostPort.
type CustomContainer = TestContainer[struct{}]
