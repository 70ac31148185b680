package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"signtrust/internal/domain"
	"signtrust/internal/infra/memstore"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type smsStub struct {
	mu       sync.Mutex
	fail     bool
	messages []string
}

func (s *smsStub) Send(ctx context.Context, sender, message, recipient string) domain.DeliveryResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return domain.DeliveryResult{Success: false, Error: "provider down"}
	}
	s.messages = append(s.messages, message)
	return domain.DeliveryResult{Success: true}
}

type emailStub struct {
	subjects []string
}

func (s *emailStub) SendEmail(ctx context.Context, to, subject, text, html string) domain.DeliveryResult {
	s.subjects = append(s.subjects, subject)
	return domain.DeliveryResult{Success: true}
}

func newOTPChallenge(t *testing.T) (*OTPChallenge, *manualClock, *smsStub, *memstore.OTPStore) {
	t.Helper()
	clock := &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	sms := &smsStub{}
	store := memstore.NewOTPStore()
	c := NewOTPChallenge(store, sms, &emailStub{}, domain.DefaultOTPPolicy(), "signtrust", clock.Now, nil, nil)
	return c, clock, sms, store
}

func TestOTPIssue_CodeShape(t *testing.T) {
	c, _, sms, store := newOTPChallenge(t)
	record, err := c.Issue(context.Background(), "abc", domain.DeliverySMS, "+34600000000")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(record.Code) != 6 {
		t.Fatalf("expected 6 digit code, got %q", record.Code)
	}
	for _, r := range record.Code {
		if r < '0' || r > '9' {
			t.Fatalf("expected numeric code, got %q", record.Code)
		}
	}
	if !record.ExpiresAt.Equal(record.CreatedAt.Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", record.ExpiresAt)
	}
	if len(sms.messages) != 1 {
		t.Fatalf("expected one sms, got %d", len(sms.messages))
	}

	state, err := store.Get(context.Background(), "abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state.Live == nil || state.Live.Code != "" || state.Live.CodeHash == "" {
		t.Fatal("expected only the code hash to be stored")
	}
}

func TestOTPIssue_CooldownReportsRemainingSeconds(t *testing.T) {
	c, clock, _, _ := newOTPChallenge(t)
	ctx := context.Background()
	if _, err := c.Issue(ctx, "abc", domain.DeliverySMS, "+34600000000"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	_, err := c.Issue(ctx, "abc", domain.DeliverySMS, "+34600000000")
	var otpErr *domain.OTPError
	if !errors.As(err, &otpErr) || otpErr.Kind != domain.OTPCooldown {
		t.Fatalf("expected cooldown error, got %v", err)
	}
	if otpErr.RemainingSeconds != 90 {
		t.Fatalf("expected 90 remaining seconds, got %d", otpErr.RemainingSeconds)
	}

	clock.Advance(30 * time.Second)
	_, err = c.Issue(ctx, "abc", domain.DeliverySMS, "+34600000000")
	if !errors.As(err, &otpErr) || otpErr.RemainingSeconds != 60 {
		t.Fatalf("expected 60 remaining seconds, got %v", err)
	}

	if _, err := c.Issue(ctx, "other", domain.DeliverySMS, "+34600000001"); err != nil {
		t.Fatalf("other short id must be independent: %v", err)
	}
}

func TestOTPIssue_WindowLimit(t *testing.T) {
	c, clock, _, _ := newOTPChallenge(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.Issue(ctx, "abc", domain.DeliverySMS, "+34600000000"); err != nil {
			t.Fatalf("issue %d: %v", i+1, err)
		}
		clock.Advance(91 * time.Second)
	}
	_, err := c.Issue(ctx, "abc", domain.DeliverySMS, "+34600000000")
	var otpErr *domain.OTPError
	if !errors.As(err, &otpErr) || otpErr.Kind != domain.OTPRateLimited {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	// first issuance was 273s ago, so the window reopens in 30m-273s
	if otpErr.RemainingSeconds != 30*60-273 {
		t.Fatalf("unexpected remaining seconds %d", otpErr.RemainingSeconds)
	}

	clock.Advance(time.Duration(otpErr.RemainingSeconds) * time.Second)
	if _, err := c.Issue(ctx, "abc", domain.DeliverySMS, "+34600000000"); err != nil {
		t.Fatalf("expected window to reopen: %v", err)
	}
}

func TestOTPIssue_SupersedesPrior(t *testing.T) {
	c, clock, _, _ := newOTPChallenge(t)
	ctx := context.Background()
	first, err := c.Issue(ctx, "abc", domain.DeliverySMS, "+34600000000")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	clock.Advance(2 * time.Minute)
	second, err := c.Issue(ctx, "abc", domain.DeliveryEmail, "ana@example.com")
	if err != nil {
		t.Fatalf("second issue: %v", err)
	}
	if first.Code != second.Code {
		if _, err := c.Verify(ctx, "abc", first.Code); !domain.IsOTPError(err, domain.OTPMismatch) {
			t.Fatalf("superseded code must not verify, got %v", err)
		}
	}
	if _, err := c.Verify(ctx, "abc", second.Code); err != nil {
		t.Fatalf("verify latest: %v", err)
	}
}

func TestOTPVerify_SucceedsOnceAndIsTerminal(t *testing.T) {
	c, clock, _, _ := newOTPChallenge(t)
	ctx := context.Background()
	record, err := c.Issue(ctx, "abc", domain.DeliverySMS, "+34600000000")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	clock.Advance(time.Minute)
	verified, err := c.Verify(ctx, "abc", record.Code)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !verified.Verified || verified.VerifiedAt == nil || !verified.VerifiedAt.Equal(clock.Now()) {
		t.Fatalf("unexpected verified record: %+v", verified)
	}
	if _, err := c.Verify(ctx, "abc", record.Code); !errors.Is(err, domain.ErrOTPAlreadyUsed) {
		t.Fatalf("expected already used, got %v", err)
	}
	if _, err := c.RequireVerified(ctx, "abc"); err != nil {
		t.Fatalf("require verified: %v", err)
	}
}

func TestOTPVerify_AttemptsBounded(t *testing.T) {
	c, _, _, _ := newOTPChallenge(t)
	ctx := context.Background()
	record, err := c.Issue(ctx, "abc", domain.DeliverySMS, "+34600000000")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	wrong := "000000"
	if record.Code == wrong {
		wrong = "111111"
	}
	for want := 2; want >= 0; want-- {
		_, err := c.Verify(ctx, "abc", wrong)
		var otpErr *domain.OTPError
		if !errors.As(err, &otpErr) || otpErr.Kind != domain.OTPMismatch {
			t.Fatalf("expected mismatch, got %v", err)
		}
		if otpErr.RemainingAttempts != want {
			t.Fatalf("expected %d remaining attempts, got %d", want, otpErr.RemainingAttempts)
		}
	}
	if _, err := c.Verify(ctx, "abc", record.Code); !domain.IsOTPError(err, domain.OTPAttemptsExceeded) {
		t.Fatalf("expected attempts exceeded even with correct code, got %v", err)
	}
	if _, err := c.RequireVerified(ctx, "abc"); !errors.Is(err, domain.ErrOTPRequired) {
		t.Fatalf("expected otp required, got %v", err)
	}
}

func TestOTPVerify_ExpiredRegardlessOfCode(t *testing.T) {
	c, clock, _, store := newOTPChallenge(t)
	ctx := context.Background()
	record, err := c.Issue(ctx, "abc", domain.DeliverySMS, "+34600000000")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	clock.Advance(10*time.Minute + time.Second)
	if _, err := c.Verify(ctx, "abc", record.Code); !domain.IsOTPError(err, domain.OTPExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	state, _ := store.Get(ctx, "abc")
	if state.Live.Attempts != 1 {
		t.Fatalf("expected the failed attempt to be counted, got %d", state.Live.Attempts)
	}
	status, _, err := c.Status(ctx, "abc")
	if err != nil || status != domain.OTPStatusExpired {
		t.Fatalf("expected expired status, got %s %v", status, err)
	}
}

func TestOTPVerify_Unknown(t *testing.T) {
	c, _, _, _ := newOTPChallenge(t)
	if _, err := c.Verify(context.Background(), "nope", "123456"); !errors.Is(err, domain.ErrOTPNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOTPIssue_DeliveryFailureRollsBack(t *testing.T) {
	c, clock, sms, store := newOTPChallenge(t)
	ctx := context.Background()
	first, err := c.Issue(ctx, "abc", domain.DeliverySMS, "+34600000000")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	clock.Advance(2 * time.Minute)

	sms.fail = true
	if _, err := c.Issue(ctx, "abc", domain.DeliverySMS, "+34600000000"); !errors.Is(err, domain.ErrDeliveryFailed) {
		t.Fatalf("expected delivery failure, got %v", err)
	}
	state, _ := store.Get(ctx, "abc")
	if state.Live == nil || state.Live.IssueID != first.IssueID {
		t.Fatal("expected the previous live code to be restored")
	}
	if len(state.Issuances) != 1 {
		t.Fatalf("failed delivery must not consume the issuance budget, got %d", len(state.Issuances))
	}

	sms.fail = false
	if _, err := c.Issue(ctx, "abc", domain.DeliverySMS, "+34600000000"); err != nil {
		t.Fatalf("retry after failed delivery: %v", err)
	}
}

func TestOTPIssue_DeliveryFailureOnFirstIssueLeavesNothing(t *testing.T) {
	c, _, sms, _ := newOTPChallenge(t)
	ctx := context.Background()
	sms.fail = true
	if _, err := c.Issue(ctx, "abc", domain.DeliverySMS, "+34600000000"); !errors.Is(err, domain.ErrDeliveryFailed) {
		t.Fatalf("expected delivery failure, got %v", err)
	}
	status, live, err := c.Status(ctx, "abc")
	if err != nil || status != domain.OTPStatusNone || live != nil {
		t.Fatalf("expected no live code, got %s %+v %v", status, live, err)
	}
	sms.fail = false
	if _, err := c.Issue(ctx, "abc", domain.DeliverySMS, "+34600000000"); err != nil {
		t.Fatalf("expected no cooldown after rollback: %v", err)
	}
}

func TestOTPVerify_ConcurrentAttemptsCountedOnce(t *testing.T) {
	c, _, _, store := newOTPChallenge(t)
	ctx := context.Background()
	record, err := c.Issue(ctx, "abc", domain.DeliverySMS, "+34600000000")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	wrong := "000000"
	if record.Code == wrong {
		wrong = "111111"
	}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Verify(ctx, "abc", wrong)
		}()
	}
	wg.Wait()
	state, _ := store.Get(ctx, "abc")
	if state.Live.Attempts != 10 {
		t.Fatalf("expected 10 counted attempts, got %d", state.Live.Attempts)
	}
}

func TestOTPIssue_InvalidInput(t *testing.T) {
	c, _, _, _ := newOTPChallenge(t)
	if _, err := c.Issue(context.Background(), "abc", "fax", "+34600000000"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := c.Issue(context.Background(), "", domain.DeliverySMS, "+34600000000"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestOTPConsume_BindsToOneResource(t *testing.T) {
	c, clock, _, _ := newOTPChallenge(t)
	ctx := context.Background()
	if _, err := c.Consume(ctx, "abc", "R1"); !errors.Is(err, domain.ErrOTPRequired) {
		t.Fatalf("expected otp required without a code, got %v", err)
	}
	record, err := c.Issue(ctx, "abc", domain.DeliverySMS, "+34600000000")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := c.Consume(ctx, "abc", "R1"); !errors.Is(err, domain.ErrOTPRequired) {
		t.Fatalf("expected otp required before verification, got %v", err)
	}
	if _, err := c.Verify(ctx, "abc", record.Code); err != nil {
		t.Fatalf("verify: %v", err)
	}

	clock.Advance(time.Second)
	consumed, err := c.Consume(ctx, "abc", "R1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if consumed.ConsumedBy != "R1" || consumed.ConsumedAt == nil || !consumed.ConsumedAt.Equal(clock.Now()) {
		t.Fatalf("unexpected consumed record %+v", consumed)
	}

	clock.Advance(time.Second)
	again, err := c.Consume(ctx, "abc", "R1")
	if err != nil {
		t.Fatalf("consume again for R1: %v", err)
	}
	if !again.ConsumedAt.Equal(*consumed.ConsumedAt) {
		t.Fatal("consuming for the same resource must not move ConsumedAt")
	}
	if _, err := c.Consume(ctx, "abc", "R2"); !errors.Is(err, domain.ErrOTPRequired) {
		t.Fatalf("expected otp required for R2, got %v", err)
	}
	if _, err := c.RequireVerified(ctx, "abc"); !errors.Is(err, domain.ErrOTPRequired) {
		t.Fatalf("expected consumed code to fail RequireVerified, got %v", err)
	}
	if _, err := c.Verify(ctx, "abc", record.Code); !errors.Is(err, domain.ErrOTPAlreadyUsed) {
		t.Fatalf("expected already used, got %v", err)
	}
	status, _, err := c.Status(ctx, "abc")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != domain.OTPStatusConsumed {
		t.Fatalf("expected consumed status, got %s", status)
	}
}
