package kernel

import (
	"io"
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

// kernelMetrics mirrors pkg/api/api0's lazily-initialized metrics struct:
// a single *metrics.Set built once on first use, with one field per counter
// or histogram so typos in metric names are caught at compile time instead
// of showing up as silently-missing series.
type kernelMetrics struct {
	set *metrics.Set

	connections_total *metrics.Counter
	connections_open  *metrics.Counter

	requests_total struct {
		received *metrics.Counter
		proxied  *metrics.Counter
		failed   *metrics.Counter
	}
	request_duration_seconds *metrics.Histogram

	registry_ops_total struct {
		create *metrics.Counter
		get    *metrics.Counter
		set    *metrics.Counter
		rem    *metrics.Counter
		failed *metrics.Counter
	}

	service_instances func(service string) *metrics.Counter
}

var (
	metricsOnce sync.Once
	metricsObj  kernelMetrics
)

func (k *Kernel) m() *kernelMetrics {
	metricsOnce.Do(func() {
		mo := &metricsObj
		mo.set = metrics.NewSet()
		mo.connections_total = mo.set.NewCounter(`kernel_connections_total`)
		mo.connections_open = mo.set.NewCounter(`kernel_connections_open`)
		mo.requests_total.received = mo.set.NewCounter(`kernel_requests_total{result="received"}`)
		mo.requests_total.proxied = mo.set.NewCounter(`kernel_requests_total{result="proxied"}`)
		mo.requests_total.failed = mo.set.NewCounter(`kernel_requests_total{result="failed"}`)
		mo.request_duration_seconds = mo.set.NewHistogram(`kernel_request_duration_seconds`)
		mo.registry_ops_total.create = mo.set.NewCounter(`kernel_registry_ops_total{op="create"}`)
		mo.registry_ops_total.get = mo.set.NewCounter(`kernel_registry_ops_total{op="get"}`)
		mo.registry_ops_total.set = mo.set.NewCounter(`kernel_registry_ops_total{op="set"}`)
		mo.registry_ops_total.rem = mo.set.NewCounter(`kernel_registry_ops_total{op="rem"}`)
		mo.registry_ops_total.failed = mo.set.NewCounter(`kernel_registry_ops_total{op="failed"}`)
		mo.service_instances = func(service string) *metrics.Counter {
			return mo.set.GetOrCreateCounter(`kernel_service_instances{service="` + service + `"}`)
		}
	})
	return &metricsObj
}

// WritePrometheus writes this kernel's metrics, plus the two live gauges
// (open connections and per-service instance counts) read straight off the
// router and catalog rather than kept updated incrementally.
func (k *Kernel) WritePrometheus(w io.Writer) {
	m := k.m()
	m.connections_open.Set(uint64(k.router.ConnCount()))
	for name := range k.catalog.Services() {
		m.service_instances(name).Set(uint64(k.router.ServiceInstances(name)))
	}
	m.set.WritePrometheus(w)
}
