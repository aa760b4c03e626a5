package metric

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP метрики - количество запросов
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Общее количество HTTP запросов",
		},
		[]string{"method", "endpoint", "status"},
	)

	// HTTP метрики - время обработки запросов
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Время обработки HTTP запросов в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	// WS метрики - количество активных соединений
	wsActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Количество активных WebSocket соединений",
		},
		[]string{"kind"},
	)

	callsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calls_created_total",
			Help: "Количество созданных звонков",
		},
		[]string{"anonymous"},
	)

	callTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_status_transitions_total",
			Help: "Переходы статусов звонков в реестре",
		},
		[]string{"status", "result"},
	)

	callsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calls_expired_total",
			Help: "Звонки, закрытые фоновой очисткой pending",
		},
	)

	negotiationOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "negotiation_outcomes_total",
			Help: "Итоги согласования сессий (connected, closed, timeout, media_denied, error)",
		},
		[]string{"outcome"},
	)

	signalingMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signaling_messages_total",
			Help: "Сигнальные сообщения по типу и направлению",
		},
		[]string{"type", "direction"},
	)
)

// RecordHTTPMetrics записывает метрики HTTP запроса
func RecordHTTPMetrics(method, endpoint string, status int, duration time.Duration) {
	strStatus := strconv.Itoa(status)

	httpRequestsTotal.WithLabelValues(method, endpoint, strStatus).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint, strStatus).Observe(duration.Seconds())
}

func IncrementWSActiveConnections(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecrementWSActiveConnections(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func RecordCallCreated(anonymous bool) {
	callsCreatedTotal.WithLabelValues(strconv.FormatBool(anonymous)).Inc()
}

// RecordTransition result: applied, rejected, failed
func RecordTransition(status, result string) {
	callTransitionsTotal.WithLabelValues(status, result).Inc()
}

func RecordExpired(n int64) {
	callsExpiredTotal.Add(float64(n))
}

func RecordNegotiationOutcome(outcome string) {
	negotiationOutcomesTotal.WithLabelValues(outcome).Inc()
}

func RecordSignal(msgType, direction string) {
	signalingMessagesTotal.WithLabelValues(msgType, direction).Inc()
}
