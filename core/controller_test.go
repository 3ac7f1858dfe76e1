package core

import (
	"testing"
	"time"

	"github.com/mediastreamlabs/wansim/model"
	"github.com/mediastreamlabs/wansim/simtime"
)

type controllerFixture struct {
	queue      *simtime.EventQueue
	monitor    *PathMetricsMonitor
	classifier *TrafficClassifier
	controller *PathSelectionController
}

func newControllerFixture(t *testing.T, ifaces ...model.IfaceID) *controllerFixture {
	t.Helper()

	if len(ifaces) == 0 {
		ifaces = []model.IfaceID{1, 2}
	}
	queue := simtime.NewEventQueue(monitorStart)
	monitor := NewPathMetricsMonitor(nil, 1, nil)
	monitor.Initialize(ifaces, monitorStart)
	classifier := NewTrafficClassifier(nil)
	controller := NewPathSelectionController(monitor, classifier, queue, nil, nil)
	return &controllerFixture{
		queue:      queue,
		monitor:    monitor,
		classifier: classifier,
		controller: controller,
	}
}

// runTicks advances simulation time far enough for n evaluation ticks.
func (f *controllerFixture) runTicks(n int) {
	f.queue.Run(monitorStart.Add(time.Duration(n)*time.Second + 500*time.Millisecond))
}

func TestSwitchToSecondaryOnBreach(t *testing.T) {
	f := newControllerFixture(t)
	f.controller.AddPolicy(model.ClassVideo, 100, 1, 2)

	feedLatency(f.monitor, 1, 1, 5, 150*time.Millisecond, monitorStart)
	feedLatency(f.monitor, 2, 100, 5, 100*time.Millisecond, monitorStart)

	f.controller.Start()
	f.runTicks(1)

	rule, ok := f.controller.Policy(model.ClassVideo)
	if !ok {
		t.Fatalf("Policy(video) missing")
	}
	if rule.Current != 2 {
		t.Fatalf("Current = %d, want 2 (secondary)", rule.Current)
	}
	iface, err := f.classifier.CurrentInterface(model.ClassVideo)
	if err != nil {
		t.Fatalf("CurrentInterface: %v", err)
	}
	if iface != 2 {
		t.Fatalf("classifier binding = %d, want 2", iface)
	}
	if got := f.controller.SwitchCount(); got != 1 {
		t.Fatalf("SwitchCount = %d, want 1", got)
	}
}

func TestNoSwitchWhenSecondaryNotMeaningfullyBetter(t *testing.T) {
	f := newControllerFixture(t)
	f.controller.AddPolicy(model.ClassVideo, 100, 1, 2)

	// Primary breaches, but the secondary (130ms) is not under 0.8x the
	// primary's 150ms; switching would not help.
	feedLatency(f.monitor, 1, 1, 5, 150*time.Millisecond, monitorStart)
	feedLatency(f.monitor, 2, 100, 5, 130*time.Millisecond, monitorStart)

	f.controller.Start()
	f.runTicks(1)

	rule, _ := f.controller.Policy(model.ClassVideo)
	if rule.Current != 1 {
		t.Fatalf("Current = %d, want 1 (stay on primary)", rule.Current)
	}
	if got := f.controller.SwitchCount(); got != 0 {
		t.Fatalf("SwitchCount = %d, want 0", got)
	}
}

func TestNoSwitchAtExactThreshold(t *testing.T) {
	f := newControllerFixture(t)
	f.controller.AddPolicy(model.ClassVideo, 100, 1, 2)

	// The breach comparison is strict: latency equal to the threshold stays.
	feedLatency(f.monitor, 1, 1, 5, 100*time.Millisecond, monitorStart)
	feedLatency(f.monitor, 2, 100, 5, 10*time.Millisecond, monitorStart)

	f.controller.Start()
	f.runTicks(1)

	if got := f.controller.SwitchCount(); got != 0 {
		t.Fatalf("SwitchCount = %d, want 0 at exact threshold", got)
	}
}

func TestRecoveryToPrimary(t *testing.T) {
	f := newControllerFixture(t)
	f.controller.AddPolicy(model.ClassVideo, 100, 1, 2)

	feedLatency(f.monitor, 1, 1, 5, 150*time.Millisecond, monitorStart)
	feedLatency(f.monitor, 2, 100, 5, 100*time.Millisecond, monitorStart)

	f.controller.Start()
	f.runTicks(1)

	if rule, _ := f.controller.Policy(model.ClassVideo); rule.Current != 2 {
		t.Fatalf("Current = %d, want 2 before recovery", rule.Current)
	}

	// Flood the primary's window with low samples so its smoothed latency
	// drops under 0.7x the threshold.
	feedLatency(f.monitor, 1, 1000, 101, 60*time.Millisecond, monitorStart.Add(time.Second))

	f.runTicks(2)

	rule, _ := f.controller.Policy(model.ClassVideo)
	if rule.Current != 1 {
		t.Fatalf("Current = %d, want 1 after recovery", rule.Current)
	}
	if got := f.controller.SwitchCount(); got != 2 {
		t.Fatalf("SwitchCount = %d, want 2", got)
	}
}

func TestNoRecoveryInHysteresisBand(t *testing.T) {
	f := newControllerFixture(t)
	f.controller.AddPolicy(model.ClassVideo, 100, 1, 2)

	feedLatency(f.monitor, 1, 1, 5, 150*time.Millisecond, monitorStart)
	feedLatency(f.monitor, 2, 100, 5, 100*time.Millisecond, monitorStart)

	f.controller.Start()
	f.runTicks(1)

	// 80ms is under the 100ms threshold but above the 70ms recovery bound;
	// the policy must hold its secondary binding.
	feedLatency(f.monitor, 1, 1000, 101, 80*time.Millisecond, monitorStart.Add(time.Second))

	f.runTicks(2)

	rule, _ := f.controller.Policy(model.ClassVideo)
	if rule.Current != 2 {
		t.Fatalf("Current = %d, want 2 (hold in hysteresis band)", rule.Current)
	}
	if got := f.controller.SwitchCount(); got != 1 {
		t.Fatalf("SwitchCount = %d, want 1", got)
	}
}

func TestNoopRebindNotCounted(t *testing.T) {
	f := newControllerFixture(t)
	f.controller.AddPolicy(model.ClassVideo, 100, 1, 2)

	// Something outside the controller already moved the binding to the
	// secondary. The controller should adopt the state without counting a
	// switch.
	f.classifier.Bind(model.ClassVideo, 2)

	feedLatency(f.monitor, 1, 1, 5, 150*time.Millisecond, monitorStart)
	feedLatency(f.monitor, 2, 100, 5, 100*time.Millisecond, monitorStart)

	f.controller.Start()
	f.runTicks(1)

	rule, _ := f.controller.Policy(model.ClassVideo)
	if rule.Current != 2 {
		t.Fatalf("Current = %d, want 2", rule.Current)
	}
	if got := f.controller.SwitchCount(); got != 0 {
		t.Fatalf("SwitchCount = %d, want 0 for no-op rebind", got)
	}
}

func TestStopCancelsPendingEvaluation(t *testing.T) {
	f := newControllerFixture(t)
	f.controller.AddPolicy(model.ClassVideo, 100, 1, 2)

	feedLatency(f.monitor, 1, 1, 5, 150*time.Millisecond, monitorStart)
	feedLatency(f.monitor, 2, 100, 5, 100*time.Millisecond, monitorStart)

	f.controller.Start()
	f.controller.Stop()
	f.runTicks(3)

	rule, _ := f.controller.Policy(model.ClassVideo)
	if rule.Current != 1 {
		t.Fatalf("Current = %d, want 1 after Stop", rule.Current)
	}
	if got := f.controller.SwitchCount(); got != 0 {
		t.Fatalf("SwitchCount = %d, want 0 after Stop", got)
	}
}

func TestPolicyWithUnknownInterfaceSkipped(t *testing.T) {
	f := newControllerFixture(t)
	// Ifindex 99 was never initialized on the monitor; the policy must be
	// skipped each tick, not crash or switch.
	f.controller.AddPolicy(model.ClassVideo, 100, 99, 2)

	f.controller.Start()
	f.runTicks(2)

	rule, _ := f.controller.Policy(model.ClassVideo)
	if rule.Current != 99 {
		t.Fatalf("Current = %d, want 99 (untouched)", rule.Current)
	}
	if got := f.controller.SwitchCount(); got != 0 {
		t.Fatalf("SwitchCount = %d, want 0", got)
	}
}

func TestPoliciesEvaluatedIndependently(t *testing.T) {
	f := newControllerFixture(t, 1, 2, 3, 4)
	f.controller.AddPolicy(model.ClassVideo, 100, 1, 2)
	f.controller.AddPolicy(model.ClassBulkData, 200, 3, 4)

	// Only the video policy's primary breaches.
	feedLatency(f.monitor, 1, 1, 5, 150*time.Millisecond, monitorStart)
	feedLatency(f.monitor, 2, 100, 5, 100*time.Millisecond, monitorStart)
	feedLatency(f.monitor, 3, 200, 5, 50*time.Millisecond, monitorStart)
	feedLatency(f.monitor, 4, 300, 5, 40*time.Millisecond, monitorStart)

	f.controller.Start()
	f.runTicks(1)

	video, _ := f.controller.Policy(model.ClassVideo)
	if video.Current != 2 {
		t.Fatalf("video Current = %d, want 2", video.Current)
	}
	bulk, _ := f.controller.Policy(model.ClassBulkData)
	if bulk.Current != 3 {
		t.Fatalf("bulk Current = %d, want 3 (no breach)", bulk.Current)
	}
	if got := f.controller.SwitchCount(); got != 1 {
		t.Fatalf("SwitchCount = %d, want 1", got)
	}
}

func TestAddPolicyBindsPrimary(t *testing.T) {
	f := newControllerFixture(t)
	f.controller.AddPolicy(model.ClassVideo, 100, 1, 2)

	iface, err := f.classifier.CurrentInterface(model.ClassVideo)
	if err != nil {
		t.Fatalf("CurrentInterface: %v", err)
	}
	if iface != 1 {
		t.Fatalf("initial binding = %d, want primary 1", iface)
	}

	rule, ok := f.controller.Policy(model.ClassVideo)
	if !ok {
		t.Fatalf("Policy(video) missing")
	}
	if !rule.OnPrimary() {
		t.Fatalf("OnPrimary = false, want true at registration")
	}
	if rule.BandwidthThresholdMbps != defaultBandwidthThresholdMbps {
		t.Fatalf("BandwidthThresholdMbps = %v, want default %v", rule.BandwidthThresholdMbps, defaultBandwidthThresholdMbps)
	}
}
