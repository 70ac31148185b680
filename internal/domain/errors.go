package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrTrailSealed            = errors.New("audit trail sealed")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrOTPNotFound            = errors.New("otp not found")
	ErrOTPAlreadyUsed         = errors.New("otp already used")
	ErrOTPRequired            = errors.New("verified otp required")
	ErrDeliveryFailed         = errors.New("otp delivery failed")
	ErrEncryptionKeyMismatch  = errors.New("encryption key mismatch")
	ErrMalformedCiphertext    = errors.New("malformed ciphertext")
)

// SealedTrailError is returned when a record is appended to a sealed trail.
type SealedTrailError struct {
	ResourceID string
}

func (e *SealedTrailError) Error() string {
	return fmt.Sprintf("audit trail for %s is sealed", e.ResourceID)
}

func (e *SealedTrailError) Is(target error) bool {
	return target == ErrTrailSealed
}

type OTPErrorKind string

const (
	OTPExpired          OTPErrorKind = "expired"
	OTPMismatch         OTPErrorKind = "mismatch"
	OTPCooldown         OTPErrorKind = "cooldown"
	OTPRateLimited      OTPErrorKind = "rate_limited"
	OTPAttemptsExceeded OTPErrorKind = "attempts_exceeded"
)

// OTPError is a user-facing OTP failure. RemainingSeconds is set for
// cooldown and rate_limited, RemainingAttempts for mismatch.
type OTPError struct {
	Kind              OTPErrorKind
	RemainingSeconds  int
	RemainingAttempts int
}

func (e *OTPError) Error() string {
	switch e.Kind {
	case OTPCooldown:
		return fmt.Sprintf("otp requested too recently, retry in %d seconds", e.RemainingSeconds)
	case OTPRateLimited:
		return fmt.Sprintf("otp issuance limit reached, retry in %d seconds", e.RemainingSeconds)
	case OTPMismatch:
		return fmt.Sprintf("otp code mismatch, %d attempts remaining", e.RemainingAttempts)
	case OTPExpired:
		return "otp expired"
	case OTPAttemptsExceeded:
		return "otp attempts exceeded"
	default:
		return "otp error: " + string(e.Kind)
	}
}

// IsOTPError reports whether err is an OTPError of the given kind.
func IsOTPError(err error, kind OTPErrorKind) bool {
	var otpErr *OTPError
	if !errors.As(err, &otpErr) {
		return false
	}
	return otpErr.Kind == kind
}

// FieldError describes a single field that could not be decrypted. The field
// keeps its stored form in the returned document.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}
