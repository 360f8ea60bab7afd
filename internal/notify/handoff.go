package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/wolfman30/chat-agent/pkg/logging"
)

// Handoff describes a conversation that needs a human operator.
type Handoff struct {
	ConversationID string
	SenderID       string
	SenderName     string
	Mode           string
	Reason         string
	LastMessage    string
	RequestedAt    time.Time
}

// HandoffNotifier e-mails every configured operator when a conversation is
// handed off.
type HandoffNotifier struct {
	email      EmailSender
	recipients []string
	logger     *logging.Logger
}

func NewHandoffNotifier(email EmailSender, recipients []string, logger *logging.Logger) *HandoffNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	var clean []string
	for _, r := range recipients {
		if r = strings.TrimSpace(r); r != "" {
			clean = append(clean, r)
		}
	}
	return &HandoffNotifier{email: email, recipients: clean, logger: logger}
}

// NotifyHandoff sends one e-mail per operator. Individual failures are joined.
func (n *HandoffNotifier) NotifyHandoff(ctx context.Context, h Handoff) error {
	if n == nil || n.email == nil || len(n.recipients) == 0 {
		return nil
	}
	if h.RequestedAt.IsZero() {
		h.RequestedAt = time.Now().UTC()
	}

	msg := handoffMessage(h)
	var errs []error
	for _, to := range n.recipients {
		msg.To = to
		if err := n.email.Send(ctx, msg); err != nil {
			n.logger.Error("notify: failed to send handoff email", "error", err, "to", to, "conversation_id", h.ConversationID)
			errs = append(errs, err)
			continue
		}
		n.logger.Info("notify: handoff email sent", "to", to, "conversation_id", h.ConversationID)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: handoff: %w", errors.Join(errs...))
	}
	return nil
}

func handoffMessage(h Handoff) EmailMessage {
	who := h.SenderName
	if who == "" {
		who = h.SenderID
	}
	reason := h.Reason
	if reason == "" {
		reason = "customer asked for a person"
	}
	when := h.RequestedAt.Format("02/01/2006 15:04 MST")

	body := fmt.Sprintf(`A conversation needs a human.

Contact: %s
Sender: %s
Mode: %s
Reason: %s
Requested: %s
Conversation: %s

Last message:
%s
`, who, h.SenderID, h.Mode, reason, when, h.ConversationID, h.LastMessage)

	htmlBody := fmt.Sprintf(`<div style="font-family: sans-serif; max-width: 600px;">
<h2>Human handoff requested</h2>
<p><strong>%s</strong> (%s) needs a person.</p>
<ul>
  <li><strong>Mode:</strong> %s</li>
  <li><strong>Reason:</strong> %s</li>
  <li><strong>Requested:</strong> %s</li>
  <li><strong>Conversation:</strong> %s</li>
</ul>
<blockquote>%s</blockquote>
</div>`,
		html.EscapeString(who), html.EscapeString(h.SenderID), html.EscapeString(h.Mode),
		html.EscapeString(reason), when, html.EscapeString(h.ConversationID), html.EscapeString(h.LastMessage))

	return EmailMessage{
		Subject: "Handoff requested: " + who,
		Body:    body,
		HTML:    htmlBody,
	}
}
