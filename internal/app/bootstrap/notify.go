package bootstrap

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/wolfman30/chat-agent/internal/config"
	"github.com/wolfman30/chat-agent/internal/notify"
	"github.com/wolfman30/chat-agent/pkg/logging"
)

// BuildEmailSender picks the handoff e-mail provider. Without usable
// credentials e-mails are only logged.
func BuildEmailSender(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) (notify.EmailSender, string) {
	if logger == nil {
		logger = logging.Default()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.EmailProvider)) {
	case "ses":
		if awsCfg != nil && cfg.SESFromEmail != "" {
			return notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{
				FromEmail: cfg.SESFromEmail,
				FromName:  cfg.SendGridFromName,
			}, logger), "ses"
		}
	case "sendgrid", "":
		if cfg.SendGridAPIKey != "" && cfg.SendGridFromEmail != "" {
			return notify.NewSendGridSender(notify.SendGridConfig{
				APIKey:    cfg.SendGridAPIKey,
				FromEmail: cfg.SendGridFromEmail,
				FromName:  cfg.SendGridFromName,
			}, logger), "sendgrid"
		}
	}
	return notify.NewLogSender(logger), "log"
}

// BuildHandoffNotifier e-mails the configured operators on handoff.
func BuildHandoffNotifier(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) *notify.HandoffNotifier {
	sender, provider := BuildEmailSender(cfg, awsCfg, logger)
	if logger != nil {
		logger.Info("handoff notifications configured", "provider", provider, "recipients", len(cfg.HandoffNotifyEmails))
	}
	return notify.NewHandoffNotifier(sender, cfg.HandoffNotifyEmails, logger)
}
