package observability

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PathCollector bundles Prometheus metrics for the path-selection subsystem
// and provides a ready-to-mount /metrics handler. It satisfies the engine's
// and controller's MetricsRecorder interface.
type PathCollector struct {
	gatherer prometheus.Gatherer

	PathSwitches   *prometheus.CounterVec
	PacketsDropped prometheus.Counter

	EvaluationDuration prometheus.Histogram

	InterfaceLatency   *prometheus.GaugeVec
	InterfaceBandwidth *prometheus.GaugeVec
	InterfaceSent      *prometheus.GaugeVec
	InterfaceReceived  *prometheus.GaugeVec

	ActiveInterface *prometheus.GaugeVec
}

// NewPathCollector registers path-selection Prometheus metrics against the
// provided registerer, defaulting to the global Prometheus registry when nil.
func NewPathCollector(reg prometheus.Registerer) (*PathCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	switches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "path_switches_total",
		Help: "Total number of path switches applied, labeled by traffic class.",
	}, []string{"class"})
	switches, err := registerCounterVec(reg, switches, "path_switches_total")
	if err != nil {
		return nil, err
	}

	dropped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "packets_dropped_total",
		Help: "Cumulative number of simulated packets dropped in transit.",
	}), "packets_dropped_total")
	if err != nil {
		return nil, err
	}

	evaluation := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "path_evaluation_duration_seconds",
		Help:    "Wall-clock duration of one controller evaluation pass.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	})
	evaluation, err = registerHistogram(reg, evaluation, "path_evaluation_duration_seconds")
	if err != nil {
		return nil, err
	}

	latency := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "interface_latency_ms",
		Help: "Smoothed one-way path latency per monitored interface, in milliseconds.",
	}, []string{"ifindex"})
	latency, err = registerGaugeVec(reg, latency, "interface_latency_ms")
	if err != nil {
		return nil, err
	}

	bandwidth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "interface_bandwidth_mbps",
		Help: "Estimated throughput per monitored interface, in Mbps.",
	}, []string{"ifindex"})
	bandwidth, err = registerGaugeVec(reg, bandwidth, "interface_bandwidth_mbps")
	if err != nil {
		return nil, err
	}

	sent := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "interface_packets_sent",
		Help: "Packets observed leaving each monitored interface.",
	}, []string{"ifindex"})
	sent, err = registerGaugeVec(reg, sent, "interface_packets_sent")
	if err != nil {
		return nil, err
	}

	received := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "interface_packets_received",
		Help: "Packets observed delivered over each monitored interface.",
	}, []string{"ifindex"})
	received, err = registerGaugeVec(reg, received, "interface_packets_received")
	if err != nil {
		return nil, err
	}

	active := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "active_interface",
		Help: "The ifindex each traffic class is currently bound to.",
	}, []string{"class"})
	active, err = registerGaugeVec(reg, active, "active_interface")
	if err != nil {
		return nil, err
	}

	return &PathCollector{
		gatherer:           gatherer,
		PathSwitches:       switches,
		PacketsDropped:     dropped,
		EvaluationDuration: evaluation,
		InterfaceLatency:   latency,
		InterfaceBandwidth: bandwidth,
		InterfaceSent:      sent,
		InterfaceReceived:  received,
		ActiveInterface:    active,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *PathCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *PathCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// IncPathSwitches bumps the switch counter for a class.
func (c *PathCollector) IncPathSwitches(class string) {
	if c == nil || c.PathSwitches == nil {
		return
	}
	c.PathSwitches.WithLabelValues(class).Inc()
}

// IncPacketsDropped bumps the drop counter.
func (c *PathCollector) IncPacketsDropped() {
	if c == nil || c.PacketsDropped == nil {
		return
	}
	c.PacketsDropped.Inc()
}

// ObserveEvaluation records one controller evaluation duration.
func (c *PathCollector) ObserveEvaluation(d time.Duration) {
	if c == nil || c.EvaluationDuration == nil {
		return
	}
	c.EvaluationDuration.Observe(d.Seconds())
}

// SetInterfacePathMetrics updates the per-interface gauges from a monitor
// snapshot.
func (c *PathCollector) SetInterfacePathMetrics(ifindex int, latencyMs, bandwidthMbps float64, sent, received uint64) {
	if c == nil {
		return
	}
	label := strconv.Itoa(ifindex)
	if c.InterfaceLatency != nil {
		c.InterfaceLatency.WithLabelValues(label).Set(latencyMs)
	}
	if c.InterfaceBandwidth != nil {
		c.InterfaceBandwidth.WithLabelValues(label).Set(bandwidthMbps)
	}
	if c.InterfaceSent != nil {
		c.InterfaceSent.WithLabelValues(label).Set(float64(sent))
	}
	if c.InterfaceReceived != nil {
		c.InterfaceReceived.WithLabelValues(label).Set(float64(received))
	}
}

// SetActiveInterface records which ifindex a class is bound to.
func (c *PathCollector) SetActiveInterface(class string, ifindex int) {
	if c == nil || c.ActiveInterface == nil {
		return
	}
	c.ActiveInterface.WithLabelValues(class).Set(float64(ifindex))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
