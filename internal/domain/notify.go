package domain

import "context"

type DeliveryResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type SMSSender interface {
	Send(ctx context.Context, sender, message, recipient string) DeliveryResult
}

type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, text, html string) DeliveryResult
}
