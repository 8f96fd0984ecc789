package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type SessionMetrics struct {
	registry *prometheus.Registry

	turnsTotal     *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	kbHitTotal     *prometheus.CounterVec
	kbMissTotal    *prometheus.CounterVec
	kbChunks       *prometheus.HistogramVec
	fallbacksTotal *prometheus.CounterVec
	tokensTotal    *prometheus.CounterVec
	commandsTotal  *prometheus.CounterVec
}

func NewSessionMetrics(service string) *SessionMetrics {
	registry := prometheus.NewRegistry()

	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ally",
			Subsystem: "session",
			Name:      "turns_total",
			Help:      "Total completed turns by response path.",
		},
		[]string{"service", "path"},
	)
	turnDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ally",
			Subsystem: "session",
			Name:      "turn_duration_seconds",
			Help:      "Turn duration in seconds by response path.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"service", "path"},
	)
	kbHitTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ally",
			Subsystem: "retrieval",
			Name:      "hit_total",
			Help:      "Total turns with at least one knowledge-base source.",
		},
		[]string{"service"},
	)
	kbMissTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ally",
			Subsystem: "retrieval",
			Name:      "no_context_total",
			Help:      "Total turns without knowledge-base sources.",
		},
		[]string{"service"},
	)
	kbChunks := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ally",
			Subsystem: "retrieval",
			Name:      "retrieved_chunks",
			Help:      "Distribution of retrieved chunks per turn.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"service"},
	)
	fallbacksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ally",
			Subsystem: "search",
			Name:      "fallbacks_total",
			Help:      "Total turns that fell back past a search provider.",
		},
		[]string{"service", "provider"},
	)
	tokensTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ally",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Approximate token usage by synthesis stage.",
		},
		[]string{"service", "stage", "model"},
	)
	commandsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ally",
			Subsystem: "session",
			Name:      "commands_total",
			Help:      "Total executed session commands by status.",
		},
		[]string{"service", "command", "status"},
	)

	registry.MustRegister(
		turnsTotal,
		turnDuration,
		kbHitTotal,
		kbMissTotal,
		kbChunks,
		fallbacksTotal,
		tokensTotal,
		commandsTotal,
	)

	return &SessionMetrics{
		registry:       registry,
		turnsTotal:     turnsTotal,
		turnDuration:   turnDuration,
		kbHitTotal:     kbHitTotal,
		kbMissTotal:    kbMissTotal,
		kbChunks:       kbChunks,
		fallbacksTotal: fallbacksTotal,
		tokensTotal:    tokensTotal,
		commandsTotal:  commandsTotal,
	}
}

func (m *SessionMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *SessionMetrics) RecordTurn(service, path string, sourceCount int, duration time.Duration) {
	if path == "" {
		path = "unknown"
	}
	m.turnsTotal.WithLabelValues(service, path).Inc()
	m.turnDuration.WithLabelValues(service, path).Observe(duration.Seconds())
	m.kbChunks.WithLabelValues(service).Observe(float64(sourceCount))

	if sourceCount > 0 {
		m.kbHitTotal.WithLabelValues(service).Inc()
		return
	}
	m.kbMissTotal.WithLabelValues(service).Inc()
}

func (m *SessionMetrics) RecordSearchFallback(service, provider string) {
	if provider == "" {
		provider = "unknown"
	}
	m.fallbacksTotal.WithLabelValues(service, provider).Inc()
}

func (m *SessionMetrics) RecordTokenUsage(service, stage, model string, tokens int) {
	if tokens <= 0 {
		return
	}
	if model == "" {
		model = "unknown"
	}
	m.tokensTotal.WithLabelValues(service, stage, model).Add(float64(tokens))
}

func (m *SessionMetrics) RecordCommand(service, command string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.commandsTotal.WithLabelValues(service, command, status).Inc()
}
