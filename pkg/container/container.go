// Package container starts and stops the OS processes backing registered
// services, grounded in the original craftengine service.py's use of a
// docker-py client (self.kernel.docker) to create/start/stop/remove
// per-instance containers. This is one of SPEC_FULL.md's supplemented
// features: the distilled spec describes the switchboard and registry but
// not how a declared service's instances actually come to life.
package container

import (
	"context"
	"strconv"
)

// Spec describes one service instance to run.
type Spec struct {
	// Name is the service's logical name (the key used with connect).
	Name string
	// Instance is the 1-based instance number.
	Instance int64
	// Image is the container image to run.
	Image string
	// Token is the shared secret the instance must present in connect.
	Token string
	// Node is this kernel's node name, passed through as CE_NODE.
	Node string
}

// ContainerName is the deterministic name assigned to a service instance's
// container, mirroring service.py's service_name().
func ContainerName(project, node, name string, instance int64) string {
	return "ce_" + project + "_" + node + "_service_" + strconv.FormatInt(instance, 10) + "_" + name
}

// Engine starts, stops, and enumerates the containers backing service
// instances. Implementations must be safe for concurrent use.
type Engine interface {
	// Start creates (or recreates, if force/remove) and starts the
	// container for spec.
	Start(ctx context.Context, spec Spec, force, remove bool) error
	// Stop stops the running container for (node, name, instance), if any.
	Stop(ctx context.Context, node, name string, instance int64) error
	// Remove stops and deletes the container for (node, name, instance).
	Remove(ctx context.Context, node, name string, instance int64) error
	// Count returns the number of containers labeled for the given service,
	// stopped ones included.
	Count(ctx context.Context, name string) (int, error)
}
