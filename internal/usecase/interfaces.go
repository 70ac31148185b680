package usecase

import (
	"time"

	"signtrust/internal/domain"
)

type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

// FieldCipher encrypts and decrypts designated fields of a stored document
// under a tenant key.
type FieldCipher interface {
	EncryptFields(doc map[string]any, tenantID string, fields []string) (map[string]any, error)
	DecryptFields(doc map[string]any, tenantID string, fields []string) (map[string]any, []*domain.FieldError)
}

// Metrics receives outcome counters. Implementations must be safe for
// concurrent use.
type Metrics interface {
	RecordAppended(action string)
	TrailSealed()
	OTPIssued(method domain.DeliveryMethod, outcome string)
	OTPVerified(outcome string)
	TimestampObtained(verified bool, errorCode string)
	ReportCompiled(level domain.IntegrityLevel)
}

type noopMetrics struct{}

func (noopMetrics) RecordAppended(string) {}
func (noopMetrics) TrailSealed() {}
func (noopMetrics) OTPIssued(domain.DeliveryMethod, string) {}
func (noopMetrics) OTPVerified(string) {}
func (noopMetrics) TimestampObtained(bool, string) {}
func (noopMetrics) ReportCompiled(domain.IntegrityLevel) {}

func metricsOrNoop(m Metrics) Metrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
