package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	laneDuration *prometheus.HistogramVec

	taskSubmitTotal   *prometheus.CounterVec
	taskTerminalTotal *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec
	mannaSpent        *prometheus.CounterVec
	mannaRefunded     *prometheus.CounterVec
	tasksSwept        prometheus.Counter

	agentTurnTotal    *prometheus.CounterVec
	agentTurnDuration *prometheus.HistogramVec
	providerRetries   *prometheus.CounterVec
	providerCooldown  *prometheus.GaugeVec
	rateLimitedTotal  prometheus.Counter

	webhookTotal    *prometheus.CounterVec
	webhookDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dequeue_total",
					Help: "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			laneDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lane_task_duration_seconds",
					Help:    "Queued work duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			taskSubmitTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "task_submit_total",
					Help: "Tool task submissions by tool and outcome.",
				},
				[]string{"tool", "outcome"},
			),
			taskTerminalTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "task_terminal_total",
					Help: "Tasks reaching a terminal status by tool and status.",
				},
				[]string{"tool", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "task_duration_seconds",
					Help:    "Task duration from creation to settlement by tool.",
					Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
				},
				[]string{"tool"},
			),
			mannaSpent: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "manna_spent_total",
					Help: "Manna debited by tool.",
				},
				[]string{"tool"},
			),
			mannaRefunded: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "manna_refunded_total",
					Help: "Manna refunded by tool.",
				},
				[]string{"tool"},
			),
			tasksSwept: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "tasks_swept_total",
					Help: "Orphaned tasks settled by the sweeper.",
				},
			),
			agentTurnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_turn_total",
					Help: "Agent turns by agent and outcome.",
				},
				[]string{"agent", "outcome"},
			),
			agentTurnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_turn_duration_seconds",
					Help:    "Agent turn duration in seconds by agent.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"agent"},
			),
			providerRetries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_retries_total",
					Help: "LLM provider call retries by provider and error class.",
				},
				[]string{"provider", "class"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "provider_cooldown_active",
					Help: "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			rateLimitedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "rate_limited_total",
					Help: "Messages rejected by the per-user rate limiter.",
				},
			),
			webhookTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "webhook_deliveries_total",
					Help: "Backend webhook deliveries by outcome.",
				},
				[]string{"outcome"},
			),
			webhookDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "webhook_delivery_duration_seconds",
					Help:    "Time spent handling a backend webhook delivery.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.laneDuration,
			m.taskSubmitTotal,
			m.taskTerminalTotal,
			m.taskDuration,
			m.mannaSpent,
			m.mannaRefunded,
			m.tasksSwept,
			m.agentTurnTotal,
			m.agentTurnDuration,
			m.providerRetries,
			m.providerCooldown,
			m.rateLimitedTotal,
			m.webhookTotal,
			m.webhookDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(lane, status).Inc()
	m.laneDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordTaskSubmit counts a submission attempt. outcome is one of
// accepted, invalid, insufficient_balance, dispatch_failed, error.
func RecordTaskSubmit(tool, outcome string) {
	getMetrics().taskSubmitTotal.WithLabelValues(tool, outcome).Inc()
}

func RecordTaskTerminal(tool, status string, duration time.Duration) {
	m := getMetrics()
	m.taskTerminalTotal.WithLabelValues(tool, status).Inc()
	m.taskDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordSpend(tool string, amount float64) {
	if amount > 0 {
		getMetrics().mannaSpent.WithLabelValues(tool).Add(amount)
	}
}

func RecordRefund(tool string, amount float64) {
	if amount > 0 {
		getMetrics().mannaRefunded.WithLabelValues(tool).Add(amount)
	}
}

func RecordSwept(n int) {
	getMetrics().tasksSwept.Add(float64(n))
}

func RecordAgentTurn(agent, outcome string, duration time.Duration) {
	m := getMetrics()
	m.agentTurnTotal.WithLabelValues(agent, outcome).Inc()
	m.agentTurnDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

func RecordProviderRetry(provider, class string) {
	getMetrics().providerRetries.WithLabelValues(provider, class).Inc()
}

func SetProviderCooldown(provider string, active bool) {
	m := getMetrics()
	value := 0.0
	if active {
		value = 1.0
	}
	m.providerCooldown.WithLabelValues(provider).Set(value)
}

func RecordRateLimited() {
	getMetrics().rateLimitedTotal.Inc()
}

// RecordWebhook counts one webhook delivery. outcome is one of delivered,
// ignored, unauthorized, rate_limited, bad_request, error.
func RecordWebhook(outcome string, duration time.Duration) {
	m := getMetrics()
	m.webhookTotal.WithLabelValues(outcome).Inc()
	m.webhookDuration.Observe(duration.Seconds())
}
