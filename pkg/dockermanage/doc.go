// Package dockermanage provides lightweight Docker container lifecycle helpers for integration
// testing.
//
// A [Manager] wraps the native Docker client and exposes methods to start, remove, and list
// containers. Containers are configured through functional [Option] values such as [WithImage],
// [WithContainerPort], and [WithEnvVars]. Every published port is bound to a Docker-assigned host
// port, available through [Container.HostPort] once [Manager.Start] returns.
//
// After starting a container, use [Manager.WaitReady] with a custom [ReadinessFunc] to block until
// the service inside the container is accepting connections.
//
// Every container created through this package is tagged with the [ManagedLabelKey] label, which
// allows [Manager.ListManaged] and [Manager.RemoveManaged] to find and clean up containers left
// behind by a test process that never reached its teardown.
package dockermanage
