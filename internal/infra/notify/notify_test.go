package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

type fakeChannel struct {
	confirms  chan amqp091.Confirmation
	published []amqp091.Publishing
	keys      []string
	ack       bool
	failWith  error
	noConfirm bool
	closed    bool
}

func newFakeChannel(ack bool) *fakeChannel {
	return &fakeChannel{confirms: make(chan amqp091.Confirmation, 1), ack: ack}
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.published = append(f.published, msg)
	f.keys = append(f.keys, key)
	if !f.noConfirm {
		f.confirms <- amqp091.Confirmation{DeliveryTag: uint64(len(f.published)), Ack: f.ack}
	}
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func testPublisher(ch *fakeChannel) *Publisher {
	p := newPublisher(ch, ch.confirms, "signtrust.notifications", nil)
	p.clock = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	p.newID = func() string { return "msg-1" }
	return p
}

func TestPublisher_SMSConfirmed(t *testing.T) {
	ch := newFakeChannel(true)
	p := testPublisher(ch)
	result := p.Send(context.Background(), "signtrust", "Your code is 123456", "+34600000000")
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if len(ch.published) != 1 || ch.keys[0] != RoutingKeySMS {
		t.Fatalf("unexpected publishes %v", ch.keys)
	}
	var msg Message
	if err := json.Unmarshal(ch.published[0].Body, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.ID != "msg-1" || msg.Channel != "sms" || msg.Recipient != "+34600000000" || msg.Sender != "signtrust" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if ch.published[0].DeliveryMode != amqp091.Persistent {
		t.Fatal("expected persistent delivery")
	}
}

func TestPublisher_EmailNackIsFailure(t *testing.T) {
	ch := newFakeChannel(false)
	result := testPublisher(ch).SendEmail(context.Background(), "ana@example.com", "Code", "123456", "<b>123456</b>")
	if result.Success || !strings.Contains(result.Error, "rejected") {
		t.Fatalf("expected rejection, got %+v", result)
	}
	if ch.keys[0] != RoutingKeyEmail {
		t.Fatalf("unexpected routing key %s", ch.keys[0])
	}
}

func TestPublisher_PublishErrorAndTimeout(t *testing.T) {
	ch := newFakeChannel(true)
	ch.failWith = errors.New("channel closed")
	if result := testPublisher(ch).Send(context.Background(), "s", "m", "+1"); result.Success {
		t.Fatal("expected publish error to fail delivery")
	}

	ch = newFakeChannel(true)
	ch.noConfirm = true
	p := testPublisher(ch)
	p.confirmTimeout = 10 * time.Millisecond
	if result := p.Send(context.Background(), "s", "m", "+1"); result.Success || !strings.Contains(result.Error, "timeout") {
		t.Fatalf("expected confirm timeout, got %+v", result)
	}
}

func TestPublisher_Close(t *testing.T) {
	ch := newFakeChannel(true)
	p := testPublisher(ch)
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !ch.closed {
		t.Fatal("expected channel to be closed")
	}
	if result := p.Send(context.Background(), "s", "m", "+1"); result.Success {
		t.Fatal("publish after close must fail")
	}
}

func TestLogSenderAndMask(t *testing.T) {
	s := NewLogSender(nil)
	if !s.Send(context.Background(), "x", "code", "+34600000000").Success {
		t.Fatal("log sender always succeeds")
	}
	if !s.SendEmail(context.Background(), "ana@example.com", "s", "t", "h").Success {
		t.Fatal("log sender always succeeds")
	}
	cases := map[string]string{
		"ana@example.com": "***@example.com",
		"+34600001234":    "********1234",
		"123":             "***",
	}
	for in, want := range cases {
		if got := Mask(in); got != want {
			t.Fatalf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}
