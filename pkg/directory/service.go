// Package directory implements the shared name→instance directory (spec
// §3 "Service directory"/"Node directory" and §4.8): a mutex-guarded
// map[name]map[instance]fd plus per-service round-robin balancer state,
// grounded in the original craftengine rpc.py ServiceHandler/NodeHandler's
// _services/_services_fn/_balancing_instances tables, restructured (per
// spec §9) so the directory holds bare fd integers rather than connection
// objects.
package directory

import (
	"sort"
	"sync"

	"github.com/craftengine/kernel/pkg/kerrors"
)

// ServiceDirectory tracks which fd serves each (service, instance) pair and
// balances requests with no explicit instance across the current instance
// set.
type ServiceDirectory struct {
	mu        sync.Mutex
	instances map[string]map[int64]int // service -> instance -> fd
	cursor    map[string]int           // service -> last-used index into sorted instance keys

	// Evict is called (outside the lock) with the fd displaced by a
	// re-authentication, so the caller can close it and drop its pending
	// table. Remove does not call it.
	Evict func(fd int)
}

// NewServiceDirectory creates an empty directory.
func NewServiceDirectory() *ServiceDirectory {
	return &ServiceDirectory{
		instances: make(map[string]map[int64]int),
		cursor:    make(map[string]int),
	}
}

// Put installs fd as the given (service, instance), evicting and returning
// the fd of any prior socket for the same pair (spec §4.4, §8 invariant 7).
func (d *ServiceDirectory) Put(service string, instance int64, fd int) (evicted int, hadPrior bool) {
	d.mu.Lock()
	instances, ok := d.instances[service]
	if !ok {
		instances = make(map[int64]int)
		d.instances[service] = instances
		d.cursor[service] = -1
	}
	prior, hadPrior := instances[instance]
	instances[instance] = fd
	d.mu.Unlock()

	if hadPrior && prior != fd {
		d.evict(prior)
	}
	return prior, hadPrior
}

// Remove drops (service, instance) if it currently maps to fd (a stale
// disconnect after a re-auth must not clobber the new connection).
func (d *ServiceDirectory) Remove(service string, instance int64, fd int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	instances, ok := d.instances[service]
	if !ok {
		return
	}
	if cur, ok := instances[instance]; !ok || cur != fd {
		return
	}
	delete(instances, instance)
	if len(instances) == 0 {
		delete(d.instances, service)
		delete(d.cursor, service)
	}
}

// Lookup resolves (service, instance) to an fd. If instance is nil, the
// balanced instance is chosen by advancing the per-service round-robin
// cursor (spec §4.8).
func (d *ServiceDirectory) Lookup(service string, instance *int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	instances, ok := d.instances[service]
	if !ok || len(instances) == 0 {
		return 0, kerrors.Route("service %q does not exist", service)
	}

	if instance == nil {
		keys := make([]int64, 0, len(instances))
		for k := range instances {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		c := d.cursor[service] + 1
		if c >= len(keys) {
			c = 0
		}
		d.cursor[service] = c
		return instances[keys[c]], nil
	}

	fd, ok := instances[*instance]
	if !ok {
		return 0, kerrors.Route("service %q has no instance %d", service, *instance)
	}
	return fd, nil
}

// InstanceCount returns the current number of live instances for service.
func (d *ServiceDirectory) InstanceCount(service string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.instances[service])
}

func (d *ServiceDirectory) evict(fd int) {
	if d.Evict != nil {
		d.Evict(fd)
	}
}
