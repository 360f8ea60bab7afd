package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/wolfman30/chat-agent/pkg/logging"
)

func TestNewSendGridSender_NilWithoutAPIKey(t *testing.T) {
	if sender := NewSendGridSender(SendGridConfig{FromEmail: "ops@example.com"}, nil); sender != nil {
		t.Error("expected nil sender when API key is empty")
	}
}

func TestNewSendGridSender_DefaultFromName(t *testing.T) {
	sender := NewSendGridSender(SendGridConfig{APIKey: "test-key", FromEmail: "ops@example.com"}, nil)
	if sender == nil {
		t.Fatal("expected non-nil sender")
	}
	if sender.fromName != "Chat Agent" {
		t.Errorf("expected default from name, got %q", sender.fromName)
	}
}

type fakeSendGrid struct {
	status int
	err    error
	last   *mail.SGMailV3
}

func (f *fakeSendGrid) SendWithContext(_ context.Context, email *mail.SGMailV3) (*rest.Response, error) {
	f.last = email
	if f.err != nil {
		return nil, f.err
	}
	return &rest.Response{StatusCode: f.status}, nil
}

func TestSendGridSender_Send(t *testing.T) {
	client := &fakeSendGrid{status: 202}
	sender := newSendGridSender(client, SendGridConfig{FromEmail: "ops@example.com"}, logging.Discard())

	err := sender.Send(context.Background(), EmailMessage{To: "team@example.com", Subject: "Oi", Body: "texto"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.last == nil || client.last.Subject != "Oi" {
		t.Fatalf("expected subject to be forwarded, got %+v", client.last)
	}
	if client.last.From.Address != "ops@example.com" {
		t.Errorf("unexpected from address %q", client.last.From.Address)
	}
}

func TestSendGridSender_SendErrors(t *testing.T) {
	sender := newSendGridSender(&fakeSendGrid{status: 401}, SendGridConfig{}, logging.Discard())
	if err := sender.Send(context.Background(), EmailMessage{To: "a@example.com"}); err == nil || !strings.Contains(err.Error(), "status 401") {
		t.Errorf("expected status error, got %v", err)
	}

	sender = newSendGridSender(&fakeSendGrid{err: errors.New("dial tcp")}, SendGridConfig{}, logging.Discard())
	if err := sender.Send(context.Background(), EmailMessage{To: "a@example.com"}); err == nil {
		t.Error("expected transport error")
	}

	var nilSender *SendGridSender
	if err := nilSender.Send(context.Background(), EmailMessage{}); err == nil {
		t.Error("expected error from nil sender")
	}
}

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSESSender_Send(t *testing.T) {
	if NewSESSender(nil, SESConfig{}, nil) != nil {
		t.Fatal("expected nil sender without client")
	}

	client := &fakeSES{}
	sender := NewSESSender(client, SESConfig{FromEmail: "ops@example.com", FromName: "Ops"}, logging.Discard())
	if err := sender.Send(context.Background(), EmailMessage{To: "team@example.com", Subject: "Oi", Body: "texto", HTML: "<p>texto</p>"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := aws.ToString(client.input.FromEmailAddress); got != "Ops <ops@example.com>" {
		t.Errorf("unexpected from %q", got)
	}
	body := client.input.Content.Simple.Body
	if body.Text == nil || body.Html == nil {
		t.Fatal("expected both text and html bodies")
	}

	client.err = errors.New("throttled")
	if err := sender.Send(context.Background(), EmailMessage{To: "team@example.com"}); err == nil {
		t.Error("expected error")
	}
}

type recordingSender struct {
	mu   sync.Mutex
	sent []EmailMessage
	fail map[string]bool
}

func (r *recordingSender) Send(_ context.Context, msg EmailMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[msg.To] {
		return errors.New("mailbox full")
	}
	r.sent = append(r.sent, msg)
	return nil
}

func TestHandoffNotifier_SendsToEveryOperator(t *testing.T) {
	sender := &recordingSender{fail: map[string]bool{"b@example.com": true}}
	n := NewHandoffNotifier(sender, []string{"a@example.com", " ", "b@example.com", "c@example.com"}, logging.Discard())

	err := n.NotifyHandoff(context.Background(), Handoff{
		ConversationID: "conv-1",
		SenderID:       "5511999",
		SenderName:     "Ana <script>",
		Mode:           "offer",
		LastMessage:    "quero falar com alguém",
		RequestedAt:    time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC),
	})
	if err == nil || !strings.Contains(err.Error(), "mailbox full") {
		t.Fatalf("expected joined failure, got %v", err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 delivered emails, got %d", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.To != "a@example.com" || sender.sent[1].To != "c@example.com" {
		t.Errorf("unexpected recipients %q, %q", msg.To, sender.sent[1].To)
	}
	if !strings.Contains(msg.Subject, "Ana") {
		t.Errorf("subject should name the contact: %q", msg.Subject)
	}
	if !strings.Contains(msg.Body, "quero falar com alguém") {
		t.Errorf("body should quote the last message: %q", msg.Body)
	}
	if strings.Contains(msg.HTML, "<script>") {
		t.Error("html body must escape contact fields")
	}
}

func TestHandoffNotifier_NoopWithoutRecipients(t *testing.T) {
	sender := &recordingSender{}
	if err := NewHandoffNotifier(sender, nil, nil).NotifyHandoff(context.Background(), Handoff{SenderID: "1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var nilNotifier *HandoffNotifier
	if err := nilNotifier.NotifyHandoff(context.Background(), Handoff{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Error("expected no email")
	}
	if err := NewLogSender(nil).Send(context.Background(), EmailMessage{To: "x@example.com"}); err != nil {
		t.Errorf("log sender should not fail: %v", err)
	}
}
