package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "chatagent"

// AgentMetrics exposes counters/histograms for the inbound pipeline, mode routing and outbound sends.
type AgentMetrics struct {
	inboundTotal      *prometheus.CounterVec
	pipelineTotal     *prometheus.CounterVec
	stageLatency      *prometheus.HistogramVec
	generationLatency *prometheus.HistogramVec
	modeDecisions     *prometheus.CounterVec
	sendOutcomes      *prometheus.CounterVec
	rateLimitTotal    *prometheus.CounterVec
	taskFailures      *prometheus.CounterVec
}

func NewAgentMetrics(reg prometheus.Registerer) *AgentMetrics {
	m := &AgentMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "events_total",
			Help:      "Inbound chat events accepted by the webhook",
		}, []string{"status"}),
		pipelineTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by terminal result",
		}, []string{"result"}),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_latency_seconds",
			Help:      "Latency of individual pipeline stages",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "phase", "status"}),
		generationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "generation",
			Name:      "latency_seconds",
			Help:      "Latency of reply generation calls",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"provider", "status"}),
		modeDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modes",
			Name:      "decisions_total",
			Help:      "Mode transition decisions",
		}, []string{"decision", "from", "to"}),
		sendOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbound",
			Name:      "send_outcomes_total",
			Help:      "Outbound send attempts by outcome",
		}, []string{"outcome", "method"}),
		rateLimitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit checks by decision",
		}, []string{"check", "decision"}),
		taskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "failures_total",
			Help:      "Background task failures by task name",
		}, []string{"task"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.inboundTotal,
		m.pipelineTotal,
		m.stageLatency,
		m.generationLatency,
		m.modeDecisions,
		m.sendOutcomes,
		m.rateLimitTotal,
		m.taskFailures,
	)
	return m
}

func (m *AgentMetrics) ObserveInbound(status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(status).Inc()
}

func (m *AgentMetrics) ObservePipelineResult(result string) {
	if m == nil {
		return
	}
	m.pipelineTotal.WithLabelValues(result).Inc()
}

func (m *AgentMetrics) ObserveStage(stage, phase, status string, seconds float64) {
	if m == nil {
		return
	}
	m.stageLatency.WithLabelValues(stage, phase, status).Observe(seconds)
}

func (m *AgentMetrics) ObserveGeneration(provider, status string, seconds float64) {
	if m == nil {
		return
	}
	m.generationLatency.WithLabelValues(provider, status).Observe(seconds)
}

func (m *AgentMetrics) ObserveModeDecision(decision, from, to string) {
	if m == nil {
		return
	}
	m.modeDecisions.WithLabelValues(decision, from, to).Inc()
}

func (m *AgentMetrics) ObserveSendOutcome(outcome, method string) {
	if m == nil {
		return
	}
	m.sendOutcomes.WithLabelValues(outcome, method).Inc()
}

func (m *AgentMetrics) ObserveRateLimit(check, decision string) {
	if m == nil {
		return
	}
	m.rateLimitTotal.WithLabelValues(check, decision).Inc()
}

func (m *AgentMetrics) ObserveTaskFailure(task string) {
	if m == nil {
		return
	}
	m.taskFailures.WithLabelValues(task).Inc()
}

// SendOutcomeTotals sums chatagent_outbound_send_outcomes_total per outcome label.
func SendOutcomeTotals(g prometheus.Gatherer) map[string]float64 {
	totals := make(map[string]float64)
	if g == nil {
		return totals
	}
	mfs, err := g.Gather()
	if err != nil {
		return totals
	}
	for _, mf := range mfs {
		if mf == nil || mf.GetName() != namespace+"_outbound_send_outcomes_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			totals[labelValue(metric, "outcome")] += metric.GetCounter().GetValue()
		}
	}
	return totals
}

func labelValue(metric *dto.Metric, name string) string {
	for _, lp := range metric.GetLabel() {
		if lp != nil && lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
