package bootstrap

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/numrent/numrent/internal/config"
	"github.com/numrent/numrent/internal/notify"
	"github.com/numrent/numrent/internal/observability/metrics"
	"github.com/numrent/numrent/pkg/logging"
)

// BuildNotifier wires the notification service from config. A Telegram
// token that fails verification degrades to the log-only stub sink so the
// rental pipeline keeps running without user pushes.
func BuildNotifier(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger, m *metrics.Metrics) *notify.Service {
	if logger == nil {
		logger = logging.Default()
	}

	var chat notify.ChatSink
	if cfg != nil && cfg.NotifyMode == "telegram" && cfg.TelegramBotToken != "" {
		sink, err := notify.NewTelegramSink(notify.TelegramConfig{
			Token:          cfg.TelegramBotToken,
			OperatorChatID: cfg.OperatorChatID,
		}, logger)
		if err != nil {
			logger.Warn("telegram sink unavailable, using stub sink", "error", err)
		} else {
			chat = sink
		}
	}
	if chat == nil {
		chat = notify.NewStubSink(logger)
	}

	var email notify.EmailSender
	if cfg != nil {
		switch cfg.EmailProvider {
		case "sendgrid":
			if s := notify.NewSendGridSender(notify.SendGridConfig{
				APIKey:    cfg.SendGridAPIKey,
				FromEmail: cfg.EmailFrom,
				FromName:  cfg.EmailFromName,
			}, logger); s != nil {
				email = s
				logger.Info("operator email alerts via sendgrid")
			}
		case "ses":
			if s := notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
				FromEmail: cfg.EmailFrom,
				FromName:  cfg.EmailFromName,
			}, logger); s != nil {
				email = s
				logger.Info("operator email alerts via ses")
			}
		}
	}

	svcCfg := notify.ServiceConfig{}
	if cfg != nil {
		svcCfg.OperatorEmail = cfg.OperatorEmail
		svcCfg.DefaultLanguage = cfg.DefaultLanguage
	}
	return notify.NewService(chat, email, svcCfg, logger, m)
}
