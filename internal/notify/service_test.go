package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type mockChatSink struct {
	userMsgs      []struct{ to, text string }
	operatorMsgs  []string
	failUser      error
	operatorFails int
	operatorCalls int
}

func (m *mockChatSink) SendUser(ctx context.Context, externalUserID, text string) error {
	if m.failUser != nil {
		return m.failUser
	}
	m.userMsgs = append(m.userMsgs, struct{ to, text string }{externalUserID, text})
	return nil
}

func (m *mockChatSink) SendOperator(ctx context.Context, text string) error {
	m.operatorCalls++
	if m.operatorCalls <= m.operatorFails {
		return errors.New("mock chat error")
	}
	m.operatorMsgs = append(m.operatorMsgs, text)
	return nil
}

type mockEmailSender struct {
	sent    []EmailMessage
	callErr error
}

func (m *mockEmailSender) Send(ctx context.Context, msg EmailMessage) error {
	if m.callErr != nil {
		return m.callErr
	}
	m.sent = append(m.sent, msg)
	return nil
}

func TestNotifyUserRendersRequestedLanguage(t *testing.T) {
	chat := &mockChatSink{}
	svc := NewService(chat, nil, ServiceConfig{}, nil, nil)

	err := svc.NotifyUser(context.Background(), "tg:42", "ar", TemplateBalance, map[string]string{"balance": "12.50"})
	if err != nil {
		t.Fatalf("NotifyUser: %v", err)
	}
	if len(chat.userMsgs) != 1 {
		t.Fatalf("expected 1 user message, got %d", len(chat.userMsgs))
	}
	got := chat.userMsgs[0]
	if got.to != "tg:42" {
		t.Errorf("expected recipient tg:42, got %q", got.to)
	}
	if !strings.Contains(got.text, "12.50") {
		t.Errorf("expected substituted balance in %q", got.text)
	}
	if !strings.Contains(got.text, "الرصيد") {
		t.Errorf("expected arabic body, got %q", got.text)
	}
}

func TestNotifyUserFallsBackToEnglish(t *testing.T) {
	chat := &mockChatSink{}
	svc := NewService(chat, nil, ServiceConfig{}, nil, nil)

	err := svc.NotifyUser(context.Background(), "7", "ru", TemplateReservationExpired, map[string]string{"phone": "+201112223344"})
	if err != nil {
		t.Fatalf("NotifyUser: %v", err)
	}
	if !strings.Contains(chat.userMsgs[0].text, "expired before a code arrived") {
		t.Errorf("expected english fallback, got %q", chat.userMsgs[0].text)
	}
	if !strings.Contains(chat.userMsgs[0].text, "+201112223344") {
		t.Errorf("expected phone substituted, got %q", chat.userMsgs[0].text)
	}
}

func TestNotifyUserUnknownTemplate(t *testing.T) {
	chat := &mockChatSink{}
	svc := NewService(chat, nil, ServiceConfig{}, nil, nil)

	err := svc.NotifyUser(context.Background(), "7", "en", "no_such_template", nil)
	if err == nil {
		t.Fatal("expected error for unknown template")
	}
	if len(chat.userMsgs) != 0 {
		t.Errorf("expected no sends, got %d", len(chat.userMsgs))
	}
}

func TestNotifyUserPushFailureSurfaced(t *testing.T) {
	chat := &mockChatSink{failUser: errors.New("blocked by user")}
	svc := NewService(chat, nil, ServiceConfig{}, nil, nil)

	err := svc.NotifyUser(context.Background(), "7", "en", TemplateBalance, map[string]string{"balance": "1.00"})
	if err == nil {
		t.Fatal("expected push error to surface")
	}
}

func TestNotifyOperatorRetriesOnce(t *testing.T) {
	chat := &mockChatSink{operatorFails: 1}
	svc := NewService(chat, nil, ServiceConfig{}, nil, nil)

	err := svc.NotifyOperator(context.Background(), TemplateLowStockAlert, map[string]string{
		"service": "WhatsApp", "country": "EG", "stock": "0",
	})
	if err != nil {
		t.Fatalf("expected retry to succeed, got: %v", err)
	}
	if chat.operatorCalls != 2 {
		t.Errorf("expected 2 push attempts, got %d", chat.operatorCalls)
	}
	if len(chat.operatorMsgs) != 1 {
		t.Fatalf("expected 1 delivered alert, got %d", len(chat.operatorMsgs))
	}
	if !strings.Contains(chat.operatorMsgs[0], "WhatsApp") || !strings.Contains(chat.operatorMsgs[0], "0") {
		t.Errorf("unexpected alert body %q", chat.operatorMsgs[0])
	}
}

func TestNotifyOperatorGivesUpAfterRetry(t *testing.T) {
	chat := &mockChatSink{operatorFails: 2}
	email := &mockEmailSender{}
	svc := NewService(chat, email, ServiceConfig{OperatorEmail: "ops@example.com"}, nil, nil)

	err := svc.NotifyOperator(context.Background(), TemplateLowStockAlert, map[string]string{
		"service": "WhatsApp", "country": "EG", "stock": "0",
	})
	if err == nil {
		t.Fatal("expected error after retry exhausted")
	}
	if chat.operatorCalls != 2 {
		t.Errorf("expected exactly 2 push attempts, got %d", chat.operatorCalls)
	}
	if len(email.sent) != 1 {
		t.Errorf("expected email mirror despite chat failure, got %d", len(email.sent))
	}
}

func TestNotifyOperatorMirrorsToEmail(t *testing.T) {
	chat := &mockChatSink{}
	email := &mockEmailSender{}
	svc := NewService(chat, email, ServiceConfig{OperatorEmail: "ops@example.com"}, nil, nil)

	err := svc.NotifyOperator(context.Background(), TemplateLowStockAlert, map[string]string{
		"service": "Telegram", "country": "SA", "stock": "0",
	})
	if err != nil {
		t.Fatalf("NotifyOperator: %v", err)
	}
	if len(email.sent) != 1 {
		t.Fatalf("expected 1 mirrored email, got %d", len(email.sent))
	}
	msg := email.sent[0]
	if msg.To != "ops@example.com" {
		t.Errorf("expected operator recipient, got %q", msg.To)
	}
	if !strings.Contains(msg.Subject, "low stock alert") {
		t.Errorf("unexpected subject %q", msg.Subject)
	}
	if msg.Body != chat.operatorMsgs[0] {
		t.Errorf("email body %q differs from chat text %q", msg.Body, chat.operatorMsgs[0])
	}
}

func TestNotifyOperatorSkipsEmailWithoutRecipient(t *testing.T) {
	chat := &mockChatSink{}
	email := &mockEmailSender{}
	svc := NewService(chat, email, ServiceConfig{}, nil, nil)

	if err := svc.NotifyOperator(context.Background(), TemplateBalance, map[string]string{"balance": "5.00"}); err != nil {
		t.Fatalf("NotifyOperator: %v", err)
	}
	if len(email.sent) != 0 {
		t.Errorf("expected no email without operator address, got %d", len(email.sent))
	}
}

func TestRenderSubstitutesAllParams(t *testing.T) {
	text, err := Render("en", TemplateCodeDelivered, map[string]string{
		"service": "WhatsApp",
		"phone":   "+201112223344",
		"code":    "482913",
		"price":   "1.50",
		"balance": "3.50",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{"WhatsApp", "+201112223344", "482913", "1.50", "3.50"} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in rendered text %q", want, text)
		}
	}
	if strings.Contains(text, "{") {
		t.Errorf("unsubstituted placeholder left in %q", text)
	}
}

func TestRenderUnknownLanguageUsesEnglish(t *testing.T) {
	text, err := Render("fr", TemplateBalance, map[string]string{"balance": "9.99"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(text, "Balance") {
		t.Errorf("expected english fallback, got %q", text)
	}
}
