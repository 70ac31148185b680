package usecase

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"strings"
	"time"

	"signtrust/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	otpOutcomeIssued         = "issued"
	otpOutcomeDeliveryFailed = "delivery_failed"
	otpOutcomeVerified       = "verified"
)

// OTPChallenge issues and verifies one-time codes. All state changes for a
// shortId go through OTPStore.Update; delivery happens outside of it.
type OTPChallenge struct {
	Store    domain.OTPStore
	SMS      domain.SMSSender
	Email    domain.EmailSender
	Policy   domain.OTPPolicy
	SMSFrom  string
	Clock    Clock
	Logger   *zap.Logger
	Metrics  Metrics
	Rand     io.Reader
	NewIssue func() string
}

func NewOTPChallenge(store domain.OTPStore, sms domain.SMSSender, email domain.EmailSender, policy domain.OTPPolicy, smsFrom string, clock Clock, logger *zap.Logger, metrics Metrics) *OTPChallenge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OTPChallenge{
		Store:    store,
		SMS:      sms,
		Email:    email,
		Policy:   policy,
		SMSFrom:  smsFrom,
		Clock:    clock,
		Logger:   logger,
		Metrics:  metricsOrNoop(metrics),
		Rand:     rand.Reader,
		NewIssue: uuid.NewString,
	}
}

// Issue creates a new code for shortID, superseding any live one, and
// delivers it. When delivery fails the issuance is rolled back.
func (c *OTPChallenge) Issue(ctx context.Context, shortID string, method domain.DeliveryMethod, recipient string) (domain.OTPRecord, error) {
	if err := c.ready(); err != nil {
		return domain.OTPRecord{}, err
	}
	shortID = strings.TrimSpace(shortID)
	recipient = strings.TrimSpace(recipient)
	if shortID == "" || recipient == "" {
		return domain.OTPRecord{}, fmt.Errorf("%w: short id and recipient are required", domain.ErrInvalidInput)
	}
	if !method.Valid() {
		return domain.OTPRecord{}, fmt.Errorf("%w: unsupported delivery method %q", domain.ErrInvalidInput, method)
	}

	code, err := c.generateCode()
	if err != nil {
		return domain.OTPRecord{}, err
	}
	now := c.Clock.now()
	record := domain.OTPRecord{
		IssueID:        c.newIssueID(),
		ShortID:        shortID,
		CodeHash:       hashOTPCode(shortID, code),
		DeliveryMethod: method,
		Recipient:      recipient,
		CreatedAt:      now,
		ExpiresAt:      now.Add(c.Policy.TTL),
	}

	var previous *domain.OTPRecord
	err = c.Store.Update(ctx, shortID, func(state *domain.OTPState) (bool, error) {
		state.Issuances = pruneIssuances(state.Issuances, now, c.Policy.Window)
		if c.Policy.MaxIssues > 0 && len(state.Issuances) >= c.Policy.MaxIssues {
			reset := state.Issuances[0].Add(c.Policy.Window)
			return false, &domain.OTPError{Kind: domain.OTPRateLimited, RemainingSeconds: ceilSeconds(reset.Sub(now))}
		}
		if n := len(state.Issuances); n > 0 {
			ready := state.Issuances[n-1].Add(c.Policy.Cooldown)
			if now.Before(ready) {
				return false, &domain.OTPError{Kind: domain.OTPCooldown, RemainingSeconds: ceilSeconds(ready.Sub(now))}
			}
		}
		previous = state.Live
		stored := record
		state.Live = &stored
		state.Issuances = append(state.Issuances, now)
		return true, nil
	})
	if err != nil {
		var otpErr *domain.OTPError
		if errors.As(err, &otpErr) {
			c.Metrics.OTPIssued(method, string(otpErr.Kind))
			return domain.OTPRecord{}, err
		}
		return domain.OTPRecord{}, fmt.Errorf("store otp for %s: %w", shortID, err)
	}

	result := c.deliver(ctx, method, recipient, code)
	if !result.Success {
		c.Logger.Warn("otp delivery failed, rolling back",
			zap.String("short_id", shortID),
			zap.String("delivery_method", string(method)),
			zap.String("error", result.Error),
		)
		if rbErr := c.rollback(context.WithoutCancel(ctx), record, previous); rbErr != nil {
			c.Logger.Error("otp rollback failed", zap.String("short_id", shortID), zap.Error(rbErr))
		}
		c.Metrics.OTPIssued(method, otpOutcomeDeliveryFailed)
		if result.Error == "" {
			return domain.OTPRecord{}, domain.ErrDeliveryFailed
		}
		return domain.OTPRecord{}, fmt.Errorf("%w: %s", domain.ErrDeliveryFailed, result.Error)
	}

	c.Metrics.OTPIssued(method, otpOutcomeIssued)
	record.Code = code
	return record, nil
}

// Verify checks code against the live record for shortID. Every call that
// reaches a live, unverified record consumes one attempt.
func (c *OTPChallenge) Verify(ctx context.Context, shortID, code string) (domain.OTPRecord, error) {
	if err := c.ready(); err != nil {
		return domain.OTPRecord{}, err
	}
	now := c.Clock.now()
	var verified domain.OTPRecord
	err := c.Store.Update(ctx, shortID, func(state *domain.OTPState) (bool, error) {
		live := state.Live
		if live == nil {
			return false, domain.ErrOTPNotFound
		}
		if live.Verified {
			return false, domain.ErrOTPAlreadyUsed
		}
		live.Attempts++
		if now.After(live.ExpiresAt) {
			return true, &domain.OTPError{Kind: domain.OTPExpired}
		}
		if live.Attempts > c.Policy.MaxAttempts {
			return true, &domain.OTPError{Kind: domain.OTPAttemptsExceeded}
		}
		expected := []byte(live.CodeHash)
		given := []byte(hashOTPCode(shortID, strings.TrimSpace(code)))
		if subtle.ConstantTimeCompare(expected, given) != 1 {
			return true, &domain.OTPError{Kind: domain.OTPMismatch, RemainingAttempts: c.Policy.MaxAttempts - live.Attempts}
		}
		at := now
		live.Verified = true
		live.VerifiedAt = &at
		verified = *live
		return true, nil
	})
	if err != nil {
		var otpErr *domain.OTPError
		switch {
		case errors.As(err, &otpErr):
			c.Metrics.OTPVerified(string(otpErr.Kind))
			return domain.OTPRecord{}, err
		case errors.Is(err, domain.ErrOTPNotFound), errors.Is(err, domain.ErrOTPAlreadyUsed):
			return domain.OTPRecord{}, err
		default:
			return domain.OTPRecord{}, fmt.Errorf("verify otp for %s: %w", shortID, err)
		}
	}
	c.Metrics.OTPVerified(otpOutcomeVerified)
	return verified, nil
}

// Status returns the lifecycle state of shortID and its live record.
func (c *OTPChallenge) Status(ctx context.Context, shortID string) (domain.OTPStatus, *domain.OTPRecord, error) {
	if err := c.ready(); err != nil {
		return "", nil, err
	}
	state, err := c.Store.Get(ctx, shortID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.OTPStatusNone, nil, nil
		}
		return "", nil, err
	}
	return state.Status(c.Clock.now()), state.Live, nil
}

// RequireVerified returns the verified, unconsumed record for shortID or
// ErrOTPRequired.
func (c *OTPChallenge) RequireVerified(ctx context.Context, shortID string) (domain.OTPRecord, error) {
	status, live, err := c.Status(ctx, shortID)
	if err != nil {
		return domain.OTPRecord{}, err
	}
	if status != domain.OTPStatusVerified || live == nil {
		return domain.OTPRecord{}, domain.ErrOTPRequired
	}
	return *live, nil
}

// Consume binds the verified code for shortID to resourceID. A code signs one
// resource: consuming it again for the same resource returns the record
// unchanged, any other resource gets ErrOTPRequired.
func (c *OTPChallenge) Consume(ctx context.Context, shortID, resourceID string) (domain.OTPRecord, error) {
	if err := c.ready(); err != nil {
		return domain.OTPRecord{}, err
	}
	if strings.TrimSpace(resourceID) == "" {
		return domain.OTPRecord{}, fmt.Errorf("%w: resource id is required", domain.ErrInvalidInput)
	}
	now := c.Clock.now()
	var consumed domain.OTPRecord
	err := c.Store.Update(ctx, shortID, func(state *domain.OTPState) (bool, error) {
		live := state.Live
		if live == nil || !live.Verified {
			return false, domain.ErrOTPRequired
		}
		if live.ConsumedBy != "" {
			if live.ConsumedBy != resourceID {
				return false, domain.ErrOTPRequired
			}
			consumed = *live
			return false, nil
		}
		at := now
		live.ConsumedAt = &at
		live.ConsumedBy = resourceID
		consumed = *live
		return true, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrOTPRequired) {
			return domain.OTPRecord{}, err
		}
		return domain.OTPRecord{}, fmt.Errorf("consume otp for %s: %w", shortID, err)
	}
	return consumed, nil
}

func (c *OTPChallenge) deliver(ctx context.Context, method domain.DeliveryMethod, recipient, code string) domain.DeliveryResult {
	minutes := int(math.Ceil(c.Policy.TTL.Minutes()))
	text := fmt.Sprintf("Your signature verification code is %s. It expires in %d minutes.", code, minutes)
	switch method {
	case domain.DeliverySMS:
		if c.SMS == nil {
			return domain.DeliveryResult{Error: "sms delivery not configured"}
		}
		return c.SMS.Send(ctx, c.SMSFrom, text, recipient)
	case domain.DeliveryEmail:
		if c.Email == nil {
			return domain.DeliveryResult{Error: "email delivery not configured"}
		}
		html := fmt.Sprintf("<p>Your signature verification code is <strong>%s</strong>.</p><p>It expires in %d minutes.</p>", code, minutes)
		return c.Email.SendEmail(ctx, recipient, "Your verification code", text, html)
	default:
		return domain.DeliveryResult{Error: "unsupported delivery method"}
	}
}

// rollback removes the issuance made for record and restores the record it
// superseded, unless another issuance has replaced it in the meantime.
func (c *OTPChallenge) rollback(ctx context.Context, record domain.OTPRecord, previous *domain.OTPRecord) error {
	return c.Store.Update(ctx, record.ShortID, func(state *domain.OTPState) (bool, error) {
		if state.Live == nil || state.Live.IssueID != record.IssueID {
			return false, nil
		}
		state.Live = previous
		for i := len(state.Issuances) - 1; i >= 0; i-- {
			if state.Issuances[i].Equal(record.CreatedAt) {
				state.Issuances = append(state.Issuances[:i], state.Issuances[i+1:]...)
				break
			}
		}
		return true, nil
	})
}

func (c *OTPChallenge) generateCode() (string, error) {
	length := c.Policy.CodeLength
	if length <= 0 {
		length = domain.DefaultOTPPolicy().CodeLength
	}
	reader := c.Rand
	if reader == nil {
		reader = rand.Reader
	}
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n.Int64()), nil
}

func (c *OTPChallenge) newIssueID() string {
	if c.NewIssue != nil {
		return c.NewIssue()
	}
	return uuid.NewString()
}

func (c *OTPChallenge) ready() error {
	if c == nil || c.Store == nil {
		return errors.New("otp store required")
	}
	return nil
}

func hashOTPCode(shortID, code string) string {
	return sha256HexString([]byte(shortID + ":" + code))
}

func pruneIssuances(issuances []time.Time, now time.Time, window time.Duration) []time.Time {
	out := issuances[:0]
	for _, at := range issuances {
		if now.Sub(at) < window {
			out = append(out, at)
		}
	}
	return out
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
