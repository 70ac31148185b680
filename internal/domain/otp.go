package domain

import (
	"context"
	"time"
)

type DeliveryMethod string

const (
	DeliveryEmail DeliveryMethod = "email"
	DeliverySMS   DeliveryMethod = "sms"
)

func (m DeliveryMethod) Valid() bool {
	return m == DeliveryEmail || m == DeliverySMS
}

// OTPRecord is the live challenge for a shortId. Only the SHA-256 of the code
// is persisted; Code is populated on the value returned by Issue so the
// delivery step can render it. A verified code is consumed by the one
// resource it signs; ConsumedBy holds that resource id.
type OTPRecord struct {
	IssueID        string         `json:"issueId"`
	ShortID        string         `json:"shortId"`
	Code           string         `json:"-"`
	CodeHash       string         `json:"codeHash"`
	DeliveryMethod DeliveryMethod `json:"deliveryMethod"`
	Recipient      string         `json:"recipient"`
	CreatedAt      time.Time      `json:"createdAt"`
	ExpiresAt      time.Time      `json:"expiresAt"`
	Attempts       int            `json:"attempts"`
	Verified       bool           `json:"verified"`
	VerifiedAt     *time.Time     `json:"verifiedAt,omitempty"`
	ConsumedAt     *time.Time     `json:"consumedAt,omitempty"`
	ConsumedBy     string         `json:"consumedBy,omitempty"`
}

// OTPState is everything stored per shortId: the live record (if any) and the
// issuance times inside the rolling window.
type OTPState struct {
	ShortID   string      `json:"shortId"`
	Live      *OTPRecord  `json:"live,omitempty"`
	Issuances []time.Time `json:"issuances"`
}

// OTPUpdateFunc mutates state in place. When commit is true the mutated
// state is stored even if err is non-nil.
type OTPUpdateFunc func(state *OTPState) (commit bool, err error)

// OTPStore serializes read-modify-write per shortId. Different shortIds are
// independent.
type OTPStore interface {
	Get(ctx context.Context, shortID string) (OTPState, error)
	Update(ctx context.Context, shortID string, fn OTPUpdateFunc) error
}

type OTPPolicy struct {
	CodeLength  int
	TTL         time.Duration
	Cooldown    time.Duration
	Window      time.Duration
	MaxIssues   int
	MaxAttempts int
}

func DefaultOTPPolicy() OTPPolicy {
	return OTPPolicy{
		CodeLength:  6,
		TTL:         10 * time.Minute,
		Cooldown:    90 * time.Second,
		Window:      30 * time.Minute,
		MaxIssues:   3,
		MaxAttempts: 3,
	}
}

type OTPStatus string

const (
	OTPStatusNone     OTPStatus = "none"
	OTPStatusIssued   OTPStatus = "issued"
	OTPStatusVerified OTPStatus = "verified"
	OTPStatusExpired  OTPStatus = "expired"
	OTPStatusConsumed OTPStatus = "consumed"
)

// Status reports the state of the live record at now.
func (s OTPState) Status(now time.Time) OTPStatus {
	switch {
	case s.Live == nil:
		return OTPStatusNone
	case s.Live.ConsumedBy != "":
		return OTPStatusConsumed
	case s.Live.Verified:
		return OTPStatusVerified
	case now.After(s.Live.ExpiresAt):
		return OTPStatusExpired
	default:
		return OTPStatusIssued
	}
}
