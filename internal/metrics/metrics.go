// Package metrics collects and exposes Prometheus metrics for the
// compile service: compile and install rates and durations, artifact
// cache effectiveness, and build slot saturation.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles every metric the service records.
type Collector struct {
	// Compile counters
	compilesTotal   prometheus.Counter
	compileFailures prometheus.Counter

	// Install counters
	installsTotal   prometheus.Counter
	installFailures prometheus.Counter

	// Artifact existence cache
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// Durations
	compileDuration prometheus.Histogram
	installDuration prometheus.Histogram

	// Saturation gauges
	slotsBusy        prometheus.Gauge
	jobsInFlight     prometheus.Gauge
	catalogLibraries prometheus.Gauge
}

// NewCollector creates and registers all metrics on the default
// registerer.
func NewCollector() *Collector {
	c := &Collector{
		compilesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sketchd_compiles_total",
			Help: "Total number of sketch compiles attempted",
		}),
		compileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sketchd_compile_failures_total",
			Help: "Total number of sketch compiles that failed",
		}),
		installsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sketchd_installs_total",
			Help: "Total number of library installs performed",
		}),
		installFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sketchd_install_failures_total",
			Help: "Total number of library installs that failed",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sketchd_artifact_cache_hits_total",
			Help: "Library requests served from the artifact cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sketchd_artifact_cache_misses_total",
			Help: "Library requests that required a fresh install",
		}),
		compileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sketchd_compile_duration_seconds",
			Help:    "Sketch compile duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		installDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sketchd_install_duration_seconds",
			Help:    "Library install duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		slotsBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sketchd_slots_busy",
			Help: "Build slots currently held by compile jobs",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sketchd_jobs_in_flight",
			Help: "Compile jobs currently being processed",
		}),
		catalogLibraries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sketchd_catalog_libraries",
			Help: "Distinct library names in the current index snapshot",
		}),
	}

	prometheus.MustRegister(c.compilesTotal)
	prometheus.MustRegister(c.compileFailures)
	prometheus.MustRegister(c.installsTotal)
	prometheus.MustRegister(c.installFailures)
	prometheus.MustRegister(c.cacheHits)
	prometheus.MustRegister(c.cacheMisses)
	prometheus.MustRegister(c.compileDuration)
	prometheus.MustRegister(c.installDuration)
	prometheus.MustRegister(c.slotsBusy)
	prometheus.MustRegister(c.jobsInFlight)
	prometheus.MustRegister(c.catalogLibraries)

	return c
}

// RecordCompile records one successful compile and its duration.
func (c *Collector) RecordCompile(seconds float64) {
	c.compilesTotal.Inc()
	c.compileDuration.Observe(seconds)
}

// RecordCompileFailure records one failed compile.
func (c *Collector) RecordCompileFailure() {
	c.compilesTotal.Inc()
	c.compileFailures.Inc()
}

// RecordInstall records one completed library install and its duration.
func (c *Collector) RecordInstall(seconds float64) {
	c.installsTotal.Inc()
	c.installDuration.Observe(seconds)
}

// RecordInstallFailure records one failed library install.
func (c *Collector) RecordInstallFailure() {
	c.installFailures.Inc()
}

// RecordCacheHit records an artifact cache hit.
func (c *Collector) RecordCacheHit() {
	c.cacheHits.Inc()
}

// RecordCacheMiss records an artifact cache miss.
func (c *Collector) RecordCacheMiss() {
	c.cacheMisses.Inc()
}

// SetSlotsBusy updates the held-slot gauge.
func (c *Collector) SetSlotsBusy(n int) {
	c.slotsBusy.Set(float64(n))
}

// SetJobsInFlight updates the in-flight job gauge.
func (c *Collector) SetJobsInFlight(n int) {
	c.jobsInFlight.Set(float64(n))
}

// SetCatalogLibraries updates the indexed-library gauge.
func (c *Collector) SetCatalogLibraries(n int) {
	c.catalogLibraries.Set(float64(n))
}

// StartServer exposes /metrics on the given port. Blocks; run in a
// goroutine.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
