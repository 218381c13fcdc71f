// Package monitor polls the backend's /metrics endpoint and renders its
// health in a terminal UI.
package monitor

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Metric names exposed by the backend. The engine names come from older
// backends and are read as fallbacks.
const (
	CoreCmdsTotal          = "dmx_core_cmds_total"
	CoreQueueDepth         = "dmx_core_queue_depth"
	CoreWSClients          = "dmx_core_ws_clients"
	CoreApplyLatencyMsLast = "dmx_core_apply_latency_ms_last"
	EngineProcessedTotal   = "dmx_engine_processed_total"
	EngineQueueDepth       = "dmx_engine_queue_depth"
	WSClients              = "dmx_ws_clients"
	EngineLastLatencyMs    = "dmx_engine_last_latency_ms"
)

// Metrics holds the known dmx_* values. A nil field was not reported.
type Metrics struct {
	CoreCmdsTotal          *float64
	CoreQueueDepth         *float64
	CoreWSClients          *float64
	CoreApplyLatencyMsLast *float64
	EngineProcessedTotal   *float64
	EngineQueueDepth       *float64
	WSClients              *float64
	EngineLastLatencyMs    *float64
}

// ParseMetrics reads Prometheus text exposition. Each known sample line is
// parsed on its own so a malformed line is skipped without losing the rest of
// the scrape. Labelled series of one metric are summed; unknown metrics are
// ignored.
func ParseMetrics(r io.Reader) (Metrics, error) {
	var m Metrics
	fields := map[string]**float64{
		CoreCmdsTotal:          &m.CoreCmdsTotal,
		CoreQueueDepth:         &m.CoreQueueDepth,
		CoreWSClients:          &m.CoreWSClients,
		CoreApplyLatencyMsLast: &m.CoreApplyLatencyMsLast,
		EngineProcessedTotal:   &m.EngineProcessedTotal,
		EngineQueueDepth:       &m.EngineQueueDepth,
		WSClients:              &m.WSClients,
		EngineLastLatencyMs:    &m.EngineLastLatencyMs,
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		field, ok := fields[sampleName(line)]
		if !ok {
			continue
		}
		value, err := parseSample(line)
		if err != nil {
			slog.Debug("Skipping malformed metric line", "line", line, "error", err)
			continue
		}
		if *field == nil {
			*field = new(float64)
		}
		**field += value
	}
	if err := scanner.Err(); err != nil {
		return Metrics{}, fmt.Errorf("read metrics: %w", err)
	}
	return m, nil
}

func sampleName(line string) string {
	if i := strings.IndexAny(line, "{ \t"); i >= 0 {
		return line[:i]
	}
	return line
}

// parseSample parses a single sample line.
func parseSample(line string) (float64, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(strings.NewReader(line + "\n"))
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			total += sampleValue(metric)
		}
	}
	return total, nil
}

// ParseMetricsBytes is ParseMetrics over a fetched body.
func ParseMetricsBytes(data []byte) (Metrics, error) {
	return ParseMetrics(bytes.NewReader(data))
}

func sampleValue(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetUntyped() != nil:
		return m.GetUntyped().GetValue()
	}
	return 0
}

func (m Metrics) empty() bool {
	return m.CoreCmdsTotal == nil && m.CoreQueueDepth == nil && m.CoreWSClients == nil &&
		m.CoreApplyLatencyMsLast == nil && m.EngineProcessedTotal == nil &&
		m.EngineQueueDepth == nil && m.WSClients == nil && m.EngineLastLatencyMs == nil
}

func firstOf(values ...*float64) (float64, bool) {
	for _, v := range values {
		if v != nil {
			return *v, true
		}
	}
	return 0, false
}

func (m Metrics) QueueDepth() float64 {
	v, _ := firstOf(m.CoreQueueDepth, m.EngineQueueDepth)
	return v
}

func (m Metrics) Clients() float64 {
	v, _ := firstOf(m.CoreWSClients, m.WSClients)
	return v
}

func (m Metrics) Commands() float64 {
	v, _ := firstOf(m.CoreCmdsTotal, m.EngineProcessedTotal)
	return v
}

// ApplyLatency returns the last apply latency in milliseconds, if reported.
func (m Metrics) ApplyLatency() (float64, bool) {
	return firstOf(m.CoreApplyLatencyMsLast, m.EngineLastLatencyMs)
}

// Health is the backend status shown to the operator.
type Health int

const (
	HealthLoading Health = iota
	HealthOnline
	HealthDegraded
	HealthOffline
)

func (h Health) String() string {
	switch h {
	case HealthOnline:
		return "online"
	case HealthDegraded:
		return "degraded"
	case HealthOffline:
		return "offline"
	}
	return "loading"
}

// Evaluate rates a successful scrape: online with at least one websocket
// client, degraded when metrics exist but nobody is connected.
func Evaluate(m Metrics) Health {
	if m.Clients() > 0 {
		return HealthOnline
	}
	if !m.empty() {
		return HealthDegraded
	}
	return HealthOffline
}
