package report

import (
	"fmt"
	"io"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/mediastreamlabs/wansim/model"
)

// FlowReport is the end-of-run summary for one flow.
type FlowReport struct {
	FlowID  string
	Class   string
	DstPort uint16

	PacketsSent uint64
	PacketsRecv uint64
	PacketsLost uint64

	MeanLatencyMs  float64
	ThroughputMbps float64
	LossRate       float64
}

// ClassAggregate rolls flow results up per traffic class.
type ClassAggregate struct {
	Class string
	Flows int

	MeanLatencyMs       float64
	TotalThroughputMbps float64
	MeanLossRate        float64
}

// Report is the complete end-of-run result set.
type Report struct {
	Scenario    string
	Duration    time.Duration
	SwitchCount uint64

	Flows   []FlowReport
	Classes []ClassAggregate
}

// Build derives a report from raw flow summaries. classOf maps a flow's
// destination port to its traffic class name; flows keep their input order
// and aggregates are sorted by class name.
func Build(scenario string, duration time.Duration, switchCount uint64, flows []model.FlowSummary, classOf func(dstPort uint16) string) *Report {
	r := &Report{
		Scenario:    scenario,
		Duration:    duration,
		SwitchCount: switchCount,
	}

	type bucket struct {
		latencies   []float64
		lossRates   []float64
		throughputs float64
	}
	buckets := make(map[string]*bucket)

	for _, f := range flows {
		class := classOf(f.DstPort)
		fr := FlowReport{
			FlowID:         f.FlowID,
			Class:          class,
			DstPort:        f.DstPort,
			PacketsSent:    f.PacketsSent,
			PacketsRecv:    f.PacketsRecv,
			PacketsLost:    f.PacketsLost,
			MeanLatencyMs:  f.MeanLatencyMs(),
			ThroughputMbps: f.ThroughputMbps(),
			LossRate:       f.LossRate(),
		}
		r.Flows = append(r.Flows, fr)

		b, ok := buckets[class]
		if !ok {
			b = &bucket{}
			buckets[class] = b
		}
		b.latencies = append(b.latencies, fr.MeanLatencyMs)
		b.lossRates = append(b.lossRates, fr.LossRate)
		b.throughputs += fr.ThroughputMbps
	}

	for class, b := range buckets {
		r.Classes = append(r.Classes, ClassAggregate{
			Class:               class,
			Flows:               len(b.latencies),
			MeanLatencyMs:       stat.Mean(b.latencies, nil),
			TotalThroughputMbps: b.throughputs,
			MeanLossRate:        stat.Mean(b.lossRates, nil),
		})
	}
	sort.Slice(r.Classes, func(i, j int) bool { return r.Classes[i].Class < r.Classes[j].Class })

	return r
}

// WriteText renders the report as a plain-text table.
func (r *Report) WriteText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "scenario %q: %s simulated, %d path switch(es)\n",
		r.Scenario, r.Duration, r.SwitchCount); err != nil {
		return err
	}

	if _, err := fmt.Fprintln(w, "\nflows:"); err != nil {
		return err
	}
	for _, f := range r.Flows {
		if _, err := fmt.Fprintf(w, "  %-12s %-10s port %-5d sent %-6d recv %-6d lost %-4d latency %8.3f ms  throughput %8.3f Mbps  loss %5.2f%%\n",
			f.FlowID, f.Class, f.DstPort, f.PacketsSent, f.PacketsRecv, f.PacketsLost,
			f.MeanLatencyMs, f.ThroughputMbps, f.LossRate*100); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintln(w, "\nper class:"); err != nil {
		return err
	}
	for _, c := range r.Classes {
		if _, err := fmt.Fprintf(w, "  %-10s flows %-3d latency %8.3f ms  throughput %8.3f Mbps  loss %5.2f%%\n",
			c.Class, c.Flows, c.MeanLatencyMs, c.TotalThroughputMbps, c.MeanLossRate*100); err != nil {
			return err
		}
	}
	return nil
}
