package metrics

import (
	"strconv"
	"time"

	"signtrust/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "signtrust"

// Metrics records trail, OTP, timestamp and report outcomes plus HTTP
// request latency. All collectors live on the registry passed to New.
type Metrics struct {
	recordsAppended *prometheus.CounterVec
	trailsSealed    prometheus.Counter
	otpIssued       *prometheus.CounterVec
	otpVerified     *prometheus.CounterVec
	timestamps      *prometheus.CounterVec
	reports         *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		recordsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "records_appended_total",
			Help:      "Audit records appended, by action.",
		}, []string{"action"}),
		trailsSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "trails_sealed_total",
			Help:      "Audit trails sealed.",
		}),
		otpIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "otp",
			Name:      "issued_total",
			Help:      "OTP issuance attempts, by delivery method and outcome.",
		}, []string{"method", "outcome"}),
		otpVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "otp",
			Name:      "verifications_total",
			Help:      "OTP verification attempts, by outcome.",
		}, []string{"outcome"}),
		timestamps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tsa",
			Name:      "timestamps_total",
			Help:      "Timestamp requests, by verification and error code.",
		}, []string{"verified", "error_code"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "integrity",
			Name:      "reports_total",
			Help:      "Integrity reports compiled, by level.",
		}, []string{"level"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	collectors := []prometheus.Collector{
		m.recordsAppended,
		m.trailsSealed,
		m.otpIssued,
		m.otpVerified,
		m.timestamps,
		m.reports,
		m.requestDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) RecordAppended(action string) {
	m.recordsAppended.WithLabelValues(action).Inc()
}

func (m *Metrics) TrailSealed() {
	m.trailsSealed.Inc()
}

func (m *Metrics) OTPIssued(method domain.DeliveryMethod, outcome string) {
	m.otpIssued.WithLabelValues(string(method), outcome).Inc()
}

func (m *Metrics) OTPVerified(outcome string) {
	m.otpVerified.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TimestampObtained(verified bool, errorCode string) {
	m.timestamps.WithLabelValues(strconv.FormatBool(verified), errorCode).Inc()
}

func (m *Metrics) ReportCompiled(level domain.IntegrityLevel) {
	m.reports.WithLabelValues(string(level)).Inc()
}

func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
