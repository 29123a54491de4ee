package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes counters/histograms for the rental pipeline.
type Metrics struct {
	reservationOps     *prometheus.CounterVec
	correlatorOutcomes *prometheus.CounterVec
	correlatorDuration *prometheus.HistogramVec
	billingTotal       *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	retentionDeleted   *prometheus.CounterVec
	gatewayRequests    *prometheus.CounterVec
	gatewayLatency     *prometheus.HistogramVec
	queueDepth         prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reservationOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "numrent",
			Subsystem: "engine",
			Name:      "reservation_ops_total",
			Help:      "Reservation engine operations by result",
		}, []string{"op", "result"}),
		correlatorOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "numrent",
			Subsystem: "correlator",
			Name:      "outcomes_total",
			Help:      "Inbound message pipeline outcomes",
		}, []string{"outcome"}),
		correlatorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "numrent",
			Subsystem: "correlator",
			Name:      "pipeline_duration_seconds",
			Help:      "Time to settle one inbound submission",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		billingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "numrent",
			Subsystem: "billing",
			Name:      "completions_total",
			Help:      "Billing attempts by result",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "numrent",
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Notification deliveries by channel",
		}, []string{"channel", "result"}),
		retentionDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "numrent",
			Subsystem: "retention",
			Name:      "deleted_total",
			Help:      "Rows removed by the retention sweep",
		}, []string{"kind"}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "numrent",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Inbound gateway webhook requests",
		}, []string{"status"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "numrent",
			Subsystem: "gateway",
			Name:      "latency_seconds",
			Help:      "Latency of gateway webhook handling",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "numrent",
			Subsystem: "queue",
			Name:      "inbound_depth",
			Help:      "Messages waiting in the in-process inbound queue",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.reservationOps, m.correlatorOutcomes, m.correlatorDuration,
		m.billingTotal, m.notifications, m.retentionDeleted, m.gatewayRequests,
		m.gatewayLatency, m.queueDepth)
	return m
}

func (m *Metrics) IncReservationOp(op, result string) {
	if m == nil {
		return
	}
	m.reservationOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) IncCorrelatorOutcome(outcome string) {
	if m == nil {
		return
	}
	m.correlatorOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCorrelatorDuration(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.correlatorDuration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) IncBilling(result string) {
	if m == nil {
		return
	}
	m.billingTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncNotification(channel, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) AddRetentionDeleted(kind string, n int64) {
	if m == nil || n < 0 {
		return
	}
	m.retentionDeleted.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) IncGateway(status string) {
	if m == nil {
		return
	}
	m.gatewayRequests.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveGatewayLatency(status string, seconds float64) {
	if m == nil {
		return
	}
	m.gatewayLatency.WithLabelValues(status).Observe(seconds)
}

func (m *Metrics) SetQueueDepth(n float64) {
	if m == nil {
		return
	}
	m.queueDepth.Set(n)
}
