package domain

import (
	"context"
	"time"
)

const (
	// TimestampUnavailableURL marks a degraded proof issued without a TSA.
	TimestampUnavailableURL = "unavailable"

	TimestampErrorNetwork     = "NETWORK"
	TimestampErrorTimeout     = "TIMEOUT"
	TimestampErrorRateLimit   = "RATE_LIMIT"
	TimestampErrorProvider5xx = "PROVIDER_5XX"
	TimestampErrorProvider    = "PROVIDER_ERROR"
	TimestampErrorBadResponse = "BAD_RESPONSE"
	TimestampErrorDisabled    = "DISABLED"
)

// TimestampProof binds DocumentHash to a moment in time. A proof with
// Verified=false is the degraded sentinel: Value is the local clock and
// ErrorCode explains why no qualified timestamp was obtained.
type TimestampProof struct {
	Value        time.Time `json:"timestamp"`
	TSAURL       string    `json:"tsaUrl"`
	Verified     bool      `json:"verified"`
	SerialNumber string    `json:"serialNumber"`
	Token        []byte    `json:"token,omitempty"`
	Accuracy     string    `json:"accuracy"`
	DocumentHash string    `json:"documentHash"`
	ErrorCode    string    `json:"errorCode,omitempty"`
}

// TimestampClient never returns an error: transport or TSA failures degrade
// to an unverified proof so the signing flow is not blocked.
type TimestampClient interface {
	GetQualifiedTimestamp(ctx context.Context, contentHash string) TimestampProof
}

func UnverifiedTimestamp(contentHash string, at time.Time, errorCode string) TimestampProof {
	return TimestampProof{
		Value:        at.UTC(),
		TSAURL:       TimestampUnavailableURL,
		Verified:     false,
		DocumentHash: contentHash,
		ErrorCode:    errorCode,
	}
}
