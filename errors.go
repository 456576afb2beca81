package teststack

import (
	"errors"
	"fmt"
)

var (
	// ErrTornDown is returned by the Registry after its containers have been torn down.
	ErrTornDown = errors.New("registry torn down")

	// ErrPortNotMapped is returned when a runtime has no host port for an internal port.
	ErrPortNotMapped = errors.New("port not mapped")

	// ErrUnknownEngine is returned for an Engine value outside the known set.
	ErrUnknownEngine = errors.New("unknown database engine")

	// ErrUnsupportedEngine is returned by Init conversions that only work for some engines.
	ErrUnsupportedEngine = errors.New("unsupported database engine")
)

// ProvisionError is returned when the runtime could not start a container. The Registry entry
// for Kind stays empty, so a later call may try again.
type ProvisionError struct {
	Kind Kind
	Err  error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s: %v", e.Kind, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// PortError is returned when a container port could not be resolved to a host port.
type PortError struct {
	Kind Kind
	Port Port
	Err  error
}

func (e *PortError) Error() string {
	return fmt.Sprintf("resolve port %s of %s: %v", e.Port, e.Kind, e.Err)
}

func (e *PortError) Unwrap() error { return e.Err }

// NamePolicyError is returned when a database could not be created for a name policy. The
// underlying container stays cached and usable.
type NamePolicyError struct {
	Engine Engine
	Name   string
	Err    error
}

func (e *NamePolicyError) Error() string {
	return fmt.Sprintf("create %s database %q: %v", e.Engine, e.Name, e.Err)
}

func (e *NamePolicyError) Unwrap() error { return e.Err }
