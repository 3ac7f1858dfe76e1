package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mediastreamlabs/wansim/core"
	"github.com/mediastreamlabs/wansim/internal/logging"
	"github.com/mediastreamlabs/wansim/internal/observability"
	"github.com/mediastreamlabs/wansim/internal/report"
	"github.com/mediastreamlabs/wansim/simtime"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wansim",
		Short:         "Adaptive dual-WAN path selection simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newValidateCmd())
	return root
}

type runOptions struct {
	scenario string
	duration time.Duration
	listen   string
	realTime bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scenario to completion and print the flow report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.scenario, "scenario", "configs/scenario.yaml", "path to the scenario YAML")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "override the scenario's duration (0 keeps it)")
	cmd.Flags().StringVar(&opts.listen, "listen", ":9090", "status/metrics listen address (empty disables)")
	cmd.Flags().BoolVar(&opts.realTime, "real-time", false, "pace simulation time against wall-clock time")
	return cmd
}

func newValidateCmd() *cobra.Command {
	var scenario string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse a scenario file and report problems without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := core.LoadScenarioFile(scenario)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scenario %q ok: %d nodes, %d links, %d policies, %d flows, %d events\n",
				sc.Name, len(sc.Topology.NodeIDs()), len(sc.Topology.Links()),
				len(sc.Policies), len(sc.VideoFlows)+len(sc.BulkFlows), len(sc.Events))
			return nil
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", "configs/scenario.yaml", "path to the scenario YAML")
	return cmd
}

func runSimulation(ctx context.Context, opts *runOptions) error {
	ctx, log := logging.WithRunLogger(ctx, logging.NewFromEnv())

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	sc, err := core.LoadScenarioFile(opts.scenario)
	if err != nil {
		return err
	}
	duration := sc.Duration
	if opts.duration > 0 {
		duration = opts.duration
	}

	queue := simtime.NewEventQueue(time.Now().UTC())
	monitor := core.NewPathMetricsMonitor(sc.PortToIface, sc.DefaultIface, log)
	monitor.Initialize(sc.Topology.InterfaceIDs(), queue.Now())
	classifier := core.NewTrafficClassifier(log)
	flows := core.NewFlowCollector()

	collector, err := observability.NewPathCollector(nil)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	engine := core.NewSimulationEngine(sc.Topology, queue, monitor, classifier, flows, sc.EdgeNodeID, collector, log)
	controller := core.NewPathSelectionController(monitor, classifier, queue, collector, log)

	for _, p := range sc.Policies {
		controller.AddPolicy(p.Class, p.LatencyThresholdMs, p.Primary, p.Secondary)
	}
	for _, f := range sc.VideoFlows {
		if err := engine.StartVideoFlow(f); err != nil {
			return err
		}
	}
	for _, f := range sc.BulkFlows {
		if err := engine.StartBulkFlow(f); err != nil {
			return err
		}
	}
	if err := engine.ScheduleEvents(sc.Events); err != nil {
		return err
	}
	engine.StartTelemetry()
	controller.Start()

	var srv *http.Server
	if opts.listen != "" {
		srv = &http.Server{
			Addr:    opts.listen,
			Handler: newStatusRouter(collector, controller, monitor, classifier),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn(ctx, "status server stopped", logging.String("error", err.Error()))
			}
		}()
		log.Info(ctx, "status server listening", logging.String("addr", opts.listen))
	}

	until := engine.StartTime().Add(duration)
	log.Info(ctx, "simulation starting",
		logging.String("scenario", sc.Name),
		logging.Any("duration", duration),
		logging.Any("real_time", opts.realTime))

	runCtx, span := otel.Tracer("wansim").Start(ctx, "scenario.run",
		trace.WithAttributes(
			attribute.String("scenario.name", sc.Name),
			attribute.Float64("scenario.duration_seconds", duration.Seconds()),
		))

	var dispatched int
	if opts.realTime {
		pacedCtx, stop := signal.NotifyContext(runCtx, os.Interrupt, syscall.SIGTERM)
		dispatched = queue.RunPaced(pacedCtx, until)
		stop()
	} else {
		dispatched = queue.Run(until)
	}
	controller.Stop()
	span.SetAttributes(
		attribute.Int("events.dispatched", dispatched),
		attribute.Int("path.switches", int(controller.SwitchCount())),
	)
	span.End()

	log.Info(ctx, "simulation finished",
		logging.Int("events_dispatched", dispatched),
		logging.Int("path_switches", int(controller.SwitchCount())))

	r := report.Build(sc.Name, duration, controller.SwitchCount(), flows.Summaries(), func(p uint16) string {
		return classifier.ClassForPort(p).String()
	})
	if err := r.WriteText(os.Stdout); err != nil {
		return err
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}

//
// ---------- Status surface ----------
//

type pathStatus struct {
	Class         string  `json:"class"`
	Ifindex       int     `json:"ifindex"`
	LatencyMs     float64 `json:"latency_ms"`
	BandwidthMbps float64 `json:"bandwidth_mbps"`
}

type pathsResponse struct {
	SwitchCount uint64                 `json:"switch_count"`
	Paths       []pathStatus           `json:"paths"`
	Interfaces  map[string]interfaceMx `json:"interfaces"`
}

type interfaceMx struct {
	LatencyMs       float64 `json:"latency_ms"`
	P95LatencyMs    float64 `json:"p95_latency_ms"`
	BandwidthMbps   float64 `json:"bandwidth_mbps"`
	PacketsSent     uint64  `json:"packets_sent"`
	PacketsReceived uint64  `json:"packets_received"`
}

func newStatusRouter(collector *observability.PathCollector, controller *core.PathSelectionController, monitor *core.PathMetricsMonitor, classifier *core.TrafficClassifier) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", collector.Handler())

	r.Get("/api/paths", func(w http.ResponseWriter, req *http.Request) {
		resp := pathsResponse{
			SwitchCount: controller.SwitchCount(),
			Interfaces:  make(map[string]interfaceMx),
		}
		for id, m := range monitor.Snapshot() {
			p95, _ := monitor.LatencyQuantile(id, 0.95)
			resp.Interfaces[fmt.Sprintf("%d", id)] = interfaceMx{
				LatencyMs:       m.LatencyMs,
				P95LatencyMs:    p95,
				BandwidthMbps:   m.BandwidthMbps,
				PacketsSent:     m.PacketsSent,
				PacketsReceived: m.PacketsReceived,
			}
		}
		for class, iface := range classifier.Bindings() {
			ps := pathStatus{Class: class.String(), Ifindex: int(iface)}
			if m, err := monitor.Metrics(iface); err == nil {
				ps.LatencyMs = m.LatencyMs
				ps.BandwidthMbps = m.BandwidthMbps
			}
			resp.Paths = append(resp.Paths, ps)
		}
		sort.Slice(resp.Paths, func(i, j int) bool { return resp.Paths[i].Class < resp.Paths[j].Class })

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	return r
}
