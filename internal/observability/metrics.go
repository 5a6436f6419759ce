package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "convoy"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeEpochs      prometheus.Gauge
	epochOutcomeTotal *prometheus.CounterVec
	roundsTotal       *prometheus.CounterVec

	providerCallTotal    *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
	failoverSuppressed   *prometheus.CounterVec
	failoverExhausted    prometheus.Counter

	activityAttemptsTotal *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	sagaCompensationTotal *prometheus.CounterVec
	sagaGuardRejections   prometheus.Counter

	storeOpDuration     *prometheus.HistogramVec
	conversationsPruned prometheus.Counter
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
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current number of waiting tasks by task queue.",
				},
				[]string{"queue"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total tasks enqueued by task queue.",
				},
				[]string{"queue"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total tasks completed by task queue and status.",
				},
				[]string{"queue", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Task execution duration in seconds by task queue.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"queue"},
			),
			activeEpochs: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_epochs",
					Help:      "Conversation epochs currently running.",
				},
			),
			epochOutcomeTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "epoch_outcome_total",
					Help:      "Finished epochs by workflow and outcome.",
				},
				[]string{"workflow", "outcome"},
			),
			roundsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "rounds_total",
					Help:      "Provider rounds by workflow and finish reason.",
				},
				[]string{"workflow", "finish_reason"},
			),
			providerCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "provider_call_total",
					Help:      "Provider calls by vendor and status.",
				},
				[]string{"provider", "status"},
			),
			providerCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "provider_call_duration_seconds",
					Help:      "Provider call duration in seconds by vendor.",
					Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
				},
				[]string{"provider"},
			),
			failoverSuppressed: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "failover_suppressed_total",
					Help:      "Candidate failures hidden by a later success or collected into an aggregate.",
				},
				[]string{"candidate"},
			),
			failoverExhausted: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "failover_exhausted_total",
					Help:      "Failover runs where every candidate failed.",
				},
			),
			activityAttemptsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "activity_attempts_total",
					Help:      "Activity attempts by activity and status.",
				},
				[]string{"activity", "status"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Tool executions by tool and terminal state.",
				},
				[]string{"tool", "state"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			sagaCompensationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "saga_compensation_total",
					Help:      "Undo actions run by the saga coordinator by action and status.",
				},
				[]string{"action", "status"},
			),
			sagaGuardRejections: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "saga_guard_rejections_total",
					Help:      "Forward actions rejected while a correction was pending.",
				},
			),
			storeOpDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "store_op_duration_seconds",
					Help:      "Conversation store operation duration by operation.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"op"},
			),
			conversationsPruned: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "conversations_pruned_total",
					Help:      "Closed conversations removed by the janitor.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeEpochs,
			m.epochOutcomeTotal,
			m.roundsTotal,
			m.providerCallTotal,
			m.providerCallDuration,
			m.failoverSuppressed,
			m.failoverExhausted,
			m.activityAttemptsTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.sagaCompensationTotal,
			m.sagaGuardRejections,
			m.storeOpDuration,
			m.conversationsPruned,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(queue string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(queue).Inc()
	m.queueSize.WithLabelValues(queue).Set(float64(queueSize))
}

func RecordQueueCompletion(queue string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(queue, status(success)).Inc()
	m.taskDuration.WithLabelValues(queue).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(queue).Set(float64(queueSize))
}

func EpochStarted() {
	getMetrics().activeEpochs.Inc()
}

func EpochFinished(workflow, outcome string) {
	m := getMetrics()
	m.activeEpochs.Dec()
	m.epochOutcomeTotal.WithLabelValues(workflow, outcome).Inc()
}

func RecordRound(workflow, finishReason string) {
	getMetrics().roundsTotal.WithLabelValues(workflow, finishReason).Inc()
}

func RecordProviderCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.providerCallTotal.WithLabelValues(provider, status(success)).Inc()
	m.providerCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordFailoverSuppressed(candidate string) {
	getMetrics().failoverSuppressed.WithLabelValues(candidate).Inc()
}

func RecordFailoverExhausted() {
	getMetrics().failoverExhausted.Inc()
}

func RecordActivityAttempt(activity string, success bool) {
	getMetrics().activityAttemptsTotal.WithLabelValues(activity, status(success)).Inc()
}

func RecordToolExecution(tool, state string, duration time.Duration) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, state).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordSagaCompensation(action string, success bool) {
	getMetrics().sagaCompensationTotal.WithLabelValues(action, status(success)).Inc()
}

func RecordSagaGuardRejection() {
	getMetrics().sagaGuardRejections.Inc()
}

func RecordStoreOp(op string, duration time.Duration) {
	getMetrics().storeOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordConversationsPruned(n int) {
	getMetrics().conversationsPruned.Add(float64(n))
}
