package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/numrent/numrent/pkg/logging"
)

// TelegramSink pushes notifications through a Telegram bot. The bot is
// send-only here; inbound updates arrive through the gateway webhook.
type TelegramSink struct {
	bot          *tele.Bot
	operatorChat tele.ChatID
	logger       *logging.Logger
}

// TelegramConfig holds credentials for the Telegram sink.
type TelegramConfig struct {
	Token          string
	OperatorChatID int64
}

// NewTelegramSink creates a Telegram chat sink. The token is verified
// against the Bot API during construction.
func NewTelegramSink(cfg TelegramConfig, logger *logging.Logger) (*TelegramSink, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("notify: telegram bot token is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("notify: create telegram bot: %w", err)
	}
	return &TelegramSink{
		bot:          bot,
		operatorChat: tele.ChatID(cfg.OperatorChatID),
		logger:       logger.Component("notify"),
	}, nil
}

// SendUser pushes text to the chat named by the external user id.
func (t *TelegramSink) SendUser(ctx context.Context, externalUserID, text string) error {
	chatID, err := ParseChatID(externalUserID)
	if err != nil {
		return err
	}
	if _, err := t.bot.Send(tele.ChatID(chatID), text); err != nil {
		return fmt.Errorf("notify: telegram send to %d: %w", chatID, err)
	}
	return nil
}

// SendOperator pushes text to the configured operator chat.
func (t *TelegramSink) SendOperator(ctx context.Context, text string) error {
	if int64(t.operatorChat) == 0 {
		return fmt.Errorf("notify: operator chat is not configured")
	}
	if _, err := t.bot.Send(t.operatorChat, text); err != nil {
		return fmt.Errorf("notify: telegram send to operator: %w", err)
	}
	return nil
}

// ParseChatID extracts the numeric Telegram chat id from an external user
// id. Accepts bare integers and "tg:"-prefixed forms.
func ParseChatID(externalUserID string) (int64, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(externalUserID), "tg:")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("notify: external user id %q is not a telegram chat id", externalUserID)
	}
	return id, nil
}

var _ ChatSink = (*TelegramSink)(nil)
