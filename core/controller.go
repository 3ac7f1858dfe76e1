package core

import (
	"context"
	"sync"
	"time"

	"github.com/mediastreamlabs/wansim/internal/logging"
	"github.com/mediastreamlabs/wansim/model"
	"github.com/mediastreamlabs/wansim/simtime"
)

// defaultEvaluationInterval is the controller's re-evaluation period.
const defaultEvaluationInterval = time.Second

// defaultBandwidthThresholdMbps fills PolicyRule.BandwidthThresholdMbps for
// policies registered without one. The field is not consulted by the
// transition logic.
const defaultBandwidthThresholdMbps = 5.0

// Switching ratios. A policy leaves its primary only when the secondary is
// meaningfully better (not merely under an equally-bad breach), and returns
// only when the primary is comfortably under threshold, which keeps the
// state machine from oscillating at the boundary.
const (
	secondaryAdvantageRatio = 0.8
	recoveryRatio           = 0.7
)

// MetricsRecorder receives path-selection telemetry. The observability
// collector satisfies it; components fall back to a no-op when none is
// wired.
type MetricsRecorder interface {
	IncPathSwitches(class string)
	IncPacketsDropped()
	ObserveEvaluation(d time.Duration)
	SetInterfacePathMetrics(ifindex int, latencyMs, bandwidthMbps float64, sent, received uint64)
	SetActiveInterface(class string, ifindex int)
}

// NoopRecorder discards all telemetry.
type NoopRecorder struct{}

func (NoopRecorder) IncPathSwitches(string)                                    {}
func (NoopRecorder) IncPacketsDropped()                                        {}
func (NoopRecorder) ObserveEvaluation(time.Duration)                           {}
func (NoopRecorder) SetInterfacePathMetrics(int, float64, float64, uint64, uint64) {}
func (NoopRecorder) SetActiveInterface(string, int)                            {}

// PathSelectionController periodically compares primary/secondary path
// latency for each registered policy and rebinds the policy's traffic class
// on the classifier when a threshold or hysteresis bound is crossed.
//
// The controller is driven entirely by the event queue: Start arms the first
// evaluation, each evaluation re-arms the next, and Stop cancels the pending
// one. Under the single-threaded event-time model, all observations
// scheduled before a tick are visible to that tick's evaluation.
type PathSelectionController struct {
	mu sync.Mutex

	monitor    *PathMetricsMonitor
	classifier *TrafficClassifier
	queue      *simtime.EventQueue

	interval time.Duration
	policies map[model.TrafficClass]*model.PolicyRule

	pending *simtime.Event
	started bool

	switchCount uint64

	recorder MetricsRecorder
	log      logging.Logger
}

// NewPathSelectionController wires the controller to its collaborators. The
// monitor and classifier must outlive the controller.
func NewPathSelectionController(monitor *PathMetricsMonitor, classifier *TrafficClassifier, queue *simtime.EventQueue, recorder MetricsRecorder, log logging.Logger) *PathSelectionController {
	if recorder == nil {
		recorder = NoopRecorder{}
	}
	if log == nil {
		log = logging.Noop()
	}
	return &PathSelectionController{
		monitor:    monitor,
		classifier: classifier,
		queue:      queue,
		interval:   defaultEvaluationInterval,
		policies:   make(map[model.TrafficClass]*model.PolicyRule),
		recorder:   recorder,
		log:        log,
	}
}

// SetEvaluationInterval overrides the evaluation period. Must be called
// before Start.
func (c *PathSelectionController) SetEvaluationInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.interval = d
	}
}

// AddPolicy registers a policy for a traffic class and binds the class to
// its primary interface. Policies must be registered before Start.
func (c *PathSelectionController) AddPolicy(class model.TrafficClass, latencyThresholdMs float64, primary, secondary model.IfaceID) {
	c.mu.Lock()
	rule := &model.PolicyRule{
		Class:                  class,
		LatencyThresholdMs:     latencyThresholdMs,
		BandwidthThresholdMbps: defaultBandwidthThresholdMbps,
		Primary:                primary,
		Secondary:              secondary,
		Current:                primary,
	}
	c.policies[class] = rule
	c.mu.Unlock()

	c.classifier.Bind(class, primary)
	c.recorder.SetActiveInterface(class.String(), int(primary))

	c.log.Info(context.Background(), "policy registered",
		logging.String("class", class.String()),
		logging.Any("latency_threshold_ms", latencyThresholdMs),
		logging.Int("primary_ifindex", int(primary)),
		logging.Int("secondary_ifindex", int(secondary)))
}

// Policy returns a copy of the registered rule for a class.
func (c *PathSelectionController) Policy(class model.TrafficClass) (model.PolicyRule, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rule, ok := c.policies[class]
	if !ok {
		return model.PolicyRule{}, false
	}
	return *rule, true
}

// Start arms the first periodic evaluation. Calling Start on a running
// controller is a no-op.
func (c *PathSelectionController) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return
	}
	c.started = true
	c.pending = c.queue.Schedule(c.interval, c.tick)
}

// Stop cancels the pending evaluation. No further evaluations occur after
// Stop returns; an evaluation already dispatched runs to completion.
func (c *PathSelectionController) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.started = false
	if c.pending != nil {
		c.pending.Cancel()
		c.pending = nil
	}
}

// SwitchCount returns the number of path switches applied since start.
func (c *PathSelectionController) SwitchCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.switchCount
}

// tick runs one evaluation pass and re-arms itself.
func (c *PathSelectionController) tick(now time.Time) {
	start := time.Now()
	c.evaluate(now)
	c.recorder.ObserveEvaluation(time.Since(start))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.pending = c.queue.Schedule(c.interval, c.tick)
	}
}

// evaluate applies the per-policy state machine once. Each policy is
// evaluated independently; a policy whose metrics cannot be read is skipped
// for this tick.
func (c *PathSelectionController) evaluate(now time.Time) {
	c.mu.Lock()
	rules := make([]*model.PolicyRule, 0, len(c.policies))
	for _, rule := range c.policies {
		rules = append(rules, rule)
	}
	c.mu.Unlock()

	for _, rule := range rules {
		primaryLat, err := c.monitor.Latency(rule.Primary)
		if err != nil {
			c.log.Warn(context.Background(), "skipping policy, primary metrics unavailable",
				logging.String("class", rule.Class.String()),
				logging.String("error", err.Error()))
			continue
		}
		secondaryLat, err := c.monitor.Latency(rule.Secondary)
		if err != nil {
			c.log.Warn(context.Background(), "skipping policy, secondary metrics unavailable",
				logging.String("class", rule.Class.String()),
				logging.String("error", err.Error()))
			continue
		}

		switch rule.Current {
		case rule.Primary:
			if primaryLat > rule.LatencyThresholdMs && secondaryLat < primaryLat*secondaryAdvantageRatio {
				c.applySwitch(rule, rule.Secondary, now,
					"primary latency over threshold", primaryLat, secondaryLat)
			}
		case rule.Secondary:
			if primaryLat < rule.LatencyThresholdMs*recoveryRatio {
				c.applySwitch(rule, rule.Primary, now,
					"primary latency restored", primaryLat, secondaryLat)
			}
		}
	}
}

// applySwitch rebinds the class and bumps the switch counter. A rebind to
// the interface the class is already bound to is not counted as a switch.
func (c *PathSelectionController) applySwitch(rule *model.PolicyRule, target model.IfaceID, now time.Time, reason string, primaryLat, secondaryLat float64) {
	if current, err := c.classifier.CurrentInterface(rule.Class); err == nil && current == target {
		rule.Current = target
		return
	}

	c.classifier.Bind(rule.Class, target)

	c.mu.Lock()
	rule.Current = target
	c.switchCount++
	count := c.switchCount
	c.mu.Unlock()

	c.recorder.IncPathSwitches(rule.Class.String())
	c.recorder.SetActiveInterface(rule.Class.String(), int(target))

	c.log.Info(context.Background(), "path switch applied",
		logging.String("class", rule.Class.String()),
		logging.String("reason", reason),
		logging.Int("to_ifindex", int(target)),
		logging.Any("primary_latency_ms", primaryLat),
		logging.Any("secondary_latency_ms", secondaryLat),
		logging.Any("sim_time", now),
		logging.Int("switch_count", int(count)))
}
