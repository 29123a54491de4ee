// Package notify delivers rendered notification messages to end users and
// to the operator. It runs strictly outside database transactions: billing
// and the scheduler call it only after their own commits.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/numrent/numrent/internal/observability/metrics"
	"github.com/numrent/numrent/pkg/logging"
)

// ChatSink pushes rendered text over a chat transport.
type ChatSink interface {
	SendUser(ctx context.Context, externalUserID, text string) error
	SendOperator(ctx context.Context, text string) error
}

// Service renders templates and routes them through the chat sink. User
// notifications are sent once and the outcome reported to the caller;
// operator alerts get one retry and are mirrored to email when an email
// sender is configured.
type Service struct {
	chat          ChatSink
	email         EmailSender
	operatorEmail string
	defaultLang   string
	logger        *logging.Logger
	metrics       *metrics.Metrics
}

// ServiceConfig holds the notification routing settings.
type ServiceConfig struct {
	OperatorEmail   string
	DefaultLanguage string
}

// NewService creates the notification service. The chat sink is required;
// the email sender is optional and only mirrors operator alerts.
func NewService(chat ChatSink, email EmailSender, cfg ServiceConfig, logger *logging.Logger, m *metrics.Metrics) *Service {
	if chat == nil {
		panic("notify: chat sink is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = langEnglish
	}
	return &Service{
		chat:          chat,
		email:         email,
		operatorEmail: cfg.OperatorEmail,
		defaultLang:   cfg.DefaultLanguage,
		logger:        logger.Component("notify"),
		metrics:       m,
	}
}

// NotifyUser renders templateKey in the user's language and pushes it to
// their chat. A failed push is reported but never retried here.
func (s *Service) NotifyUser(ctx context.Context, externalUserID, languageTag, templateKey string, params map[string]string) error {
	if languageTag == "" {
		languageTag = s.defaultLang
	}
	text, err := Render(languageTag, templateKey, params)
	if err != nil {
		return err
	}
	if err := s.chat.SendUser(ctx, externalUserID, text); err != nil {
		s.metrics.IncNotification("chat", "error")
		return fmt.Errorf("notify: push to user %s: %w", externalUserID, err)
	}
	s.metrics.IncNotification("chat", "ok")
	s.logger.Debug("user notified", "user", externalUserID, "template", templateKey)
	return nil
}

// NotifyOperator renders templateKey in the default language and pushes it
// to the operator chat, retrying once on failure. When an email sender and
// operator address are configured the alert is mirrored to email
// regardless of the chat outcome.
func (s *Service) NotifyOperator(ctx context.Context, templateKey string, params map[string]string) error {
	text, err := Render(s.defaultLang, templateKey, params)
	if err != nil {
		return err
	}

	pushErr := s.chat.SendOperator(ctx, text)
	if pushErr != nil {
		s.logger.Warn("operator push failed, retrying once", "template", templateKey, "error", pushErr)
		pushErr = s.chat.SendOperator(ctx, text)
	}
	if pushErr != nil {
		s.metrics.IncNotification("chat", "error")
	} else {
		s.metrics.IncNotification("chat", "ok")
	}

	if s.email != nil && s.operatorEmail != "" {
		msg := EmailMessage{
			To:      s.operatorEmail,
			Subject: operatorSubject(templateKey),
			Body:    text,
		}
		if err := s.email.Send(ctx, msg); err != nil {
			s.metrics.IncNotification("email", "error")
			s.logger.Error("operator email mirror failed", "template", templateKey, "error", err)
		} else {
			s.metrics.IncNotification("email", "ok")
		}
	}

	if pushErr != nil {
		return fmt.Errorf("notify: operator push: %w", pushErr)
	}
	return nil
}

func operatorSubject(templateKey string) string {
	return "Numrent alert: " + strings.ReplaceAll(templateKey, "_", " ")
}

// StubSink logs notifications instead of delivering them. Used in dev and
// in tests when no chat credentials are configured.
type StubSink struct {
	logger *logging.Logger
}

// NewStubSink creates a log-only chat sink.
func NewStubSink(logger *logging.Logger) *StubSink {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubSink{logger: logger.Component("notify")}
}

// SendUser logs but doesn't send.
func (s *StubSink) SendUser(ctx context.Context, externalUserID, text string) error {
	s.logger.Info("stub sink: would push to user", "user", externalUserID, "text_preview", truncate(text, 60))
	return nil
}

// SendOperator logs but doesn't send.
func (s *StubSink) SendOperator(ctx context.Context, text string) error {
	s.logger.Info("stub sink: would push to operator", "text_preview", truncate(text, 60))
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

var _ ChatSink = (*StubSink)(nil)
