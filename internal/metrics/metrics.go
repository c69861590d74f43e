// Package metrics collects and exposes Prometheus metrics for cowfork.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"

	"github.com/kahiteam/cowfork/internal/events"
)

// Collector holds all cowfork Prometheus metrics. A nil *Collector is valid
// and records nothing.
type Collector struct {
	registry *prometheus.Registry

	// Fork library metrics.
	ForkTotal            *prometheus.CounterVec
	PagesDuplicatedTotal *prometheus.CounterVec
	COWFaultTotal        prometheus.Counter

	// Kernel metrics, fed from the event bus.
	EnvCreatedTotal   prometheus.Counter
	EnvDestroyedTotal *prometheus.CounterVec
	FaultsDelivered   prometheus.Counter
	FatalFaultTotal   prometheus.Counter
	FramesInUse       prometheus.Gauge

	BuildInfo *prometheus.GaugeVec
}

// New creates and registers all cowfork metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	// Register default Go runtime metrics.
	reg.MustRegister(collectors.NewGoCollector())

	c := &Collector{
		registry: reg,

		ForkTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cowfork_forks_total",
				Help: "Total number of fork calls by result.",
			},
			[]string{"result"},
		),

		PagesDuplicatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cowfork_pages_duplicated_total",
				Help: "Pages mapped into children, by sharing mode (cow or shared).",
			},
			[]string{"mode"},
		),

		COWFaultTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cowfork_cow_faults_total",
				Help: "Copy-on-write faults resolved with a private copy.",
			},
		),

		EnvCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cowfork_envs_created_total",
				Help: "Environments created by the kernel.",
			},
		),

		EnvDestroyedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cowfork_envs_destroyed_total",
				Help: "Environments destroyed by the kernel, by whether they died of an error.",
			},
			[]string{"error"},
		),

		FaultsDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cowfork_page_faults_delivered_total",
				Help: "Page faults delivered to user-level handlers.",
			},
		),

		FatalFaultTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cowfork_fatal_faults_total",
				Help: "Page faults that killed an environment.",
			},
		),

		FramesInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cowfork_frames_in_use",
				Help: "Physical frames allocated, page tables included.",
			},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cowfork_info",
				Help: "Build information about cowfork.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		c.ForkTotal,
		c.PagesDuplicatedTotal,
		c.COWFaultTotal,
		c.EnvCreatedTotal,
		c.EnvDestroyedTotal,
		c.FaultsDelivered,
		c.FatalFaultTotal,
		c.FramesInUse,
		c.BuildInfo,
	)

	return c
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// WriteText writes every cowfork_* metric family in the Prometheus text
// exposition format.
func (c *Collector) WriteText(w io.Writer) error {
	families, err := c.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "cowfork_") {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Observe subscribes the kernel metrics to bus.
func (c *Collector) Observe(bus *events.Bus) {
	if c == nil || bus == nil {
		return
	}
	bus.Subscribe(events.EnvCreated, func(events.Event) { c.EnvCreatedTotal.Inc() })
	bus.Subscribe(events.EnvDestroyed, func(e events.Event) {
		label := "false"
		if e.Data["error"] != "" {
			label = "true"
		}
		c.EnvDestroyedTotal.WithLabelValues(label).Inc()
	})
	bus.Subscribe(events.PageFaultDelivered, func(events.Event) { c.FaultsDelivered.Inc() })
	bus.Subscribe(events.PageFaultFatal, func(events.Event) { c.FatalFaultTotal.Inc() })
}

// SetBuildInfo sets the constant build info gauge.
func (c *Collector) SetBuildInfo(version, goVersion string) {
	if c == nil {
		return
	}
	c.BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// IncFork counts one fork call.
func (c *Collector) IncFork(ok bool) {
	if c == nil {
		return
	}
	label := "error"
	if ok {
		label = "ok"
	}
	c.ForkTotal.WithLabelValues(label).Inc()
}

// IncPagesDuplicated counts one page mapped into a child.
func (c *Collector) IncPagesDuplicated(mode string) {
	if c == nil {
		return
	}
	c.PagesDuplicatedTotal.WithLabelValues(mode).Inc()
}

// IncCOWFault counts one resolved copy-on-write fault.
func (c *Collector) IncCOWFault() {
	if c == nil {
		return
	}
	c.COWFaultTotal.Inc()
}

// SetFramesInUse records the kernel's allocated frame count.
func (c *Collector) SetFramesInUse(n int) {
	if c == nil {
		return
	}
	c.FramesInUse.Set(float64(n))
}
