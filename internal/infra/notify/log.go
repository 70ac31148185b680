package notify

import (
	"context"
	"strings"

	"signtrust/internal/domain"

	"go.uber.org/zap"
)

// LogSender satisfies both delivery collaborators by logging the attempt.
// It is the development default; message bodies carry codes and are never
// written out.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, sender, message, recipient string) domain.DeliveryResult {
	s.logger.Info("sms queued",
		zap.String("sender", sender),
		zap.String("recipient", Mask(recipient)),
		zap.Int("message_length", len(message)),
	)
	return domain.DeliveryResult{Success: true}
}

func (s *LogSender) SendEmail(ctx context.Context, to, subject, text, html string) domain.DeliveryResult {
	s.logger.Info("email queued",
		zap.String("recipient", Mask(to)),
		zap.String("subject", subject),
	)
	return domain.DeliveryResult{Success: true}
}

// Mask hides a recipient for logs: the local part of an email address, or
// everything but the last four characters of a phone number.
func Mask(recipient string) string {
	if at := strings.LastIndex(recipient, "@"); at >= 0 {
		return "***" + recipient[at:]
	}
	if len(recipient) <= 4 {
		return strings.Repeat("*", len(recipient))
	}
	return strings.Repeat("*", len(recipient)-4) + recipient[len(recipient)-4:]
}
