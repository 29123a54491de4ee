// Package gateway receives provider messages pushed by the SMS gateway,
// authenticates them, and hands them to the inbound queue. It never
// touches the database: the correlator workers own persistence.
package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/numrent/numrent/internal/correlator"
	"github.com/numrent/numrent/internal/observability/metrics"
	"github.com/numrent/numrent/internal/queue"
	"github.com/numrent/numrent/pkg/logging"
)

var tracer = otel.Tracer("numrent.internal.gateway")

const maxBodyBytes = 1 << 20

// WebhookHandler serves POST /v1/gateway/messages.
type WebhookHandler struct {
	secret  string
	queue   queue.Queue
	replay  *ReplayGuard
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// WebhookConfig wires the handler's collaborators.
type WebhookConfig struct {
	Secret  string
	Queue   queue.Queue
	Replay  *ReplayGuard
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// NewWebhookHandler creates the gateway intake handler.
func NewWebhookHandler(cfg WebhookConfig) *WebhookHandler {
	if cfg.Queue == nil {
		panic("gateway: queue is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &WebhookHandler{
		secret:  strings.TrimSpace(cfg.Secret),
		queue:   cfg.Queue,
		replay:  cfg.Replay,
		logger:  cfg.Logger.Component("gateway"),
		metrics: cfg.Metrics,
		now:     time.Now,
	}
}

type webhookRequest struct {
	GroupChatID       string    `json:"group_chat_id"`
	SenderID          string    `json:"sender_id"`
	Text              string    `json:"text"`
	ExternalMessageID string    `json:"external_message_id,omitempty"`
	ReceivedAt        time.Time `json:"received_at,omitempty"`
}

// Handle authenticates one gateway delivery and enqueues it.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "gateway.webhook")
	defer span.End()

	start := h.now()
	status := "error"
	defer func() {
		h.metrics.IncGateway(status)
		h.metrics.ObserveGatewayLatency(status, time.Since(start).Seconds())
		span.SetAttributes(attribute.String("numrent.gateway_status", status))
	}()

	if r.Method != http.MethodPost {
		status = "invalid"
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.secret == "" {
		h.logger.Error("gateway secret not configured")
		http.Error(w, "gateway secret not configured", http.StatusInternalServerError)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		status = "invalid"
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !verifySignature(h.secret, payload, r.Header.Get("X-Gateway-Signature")) {
		status = "unauthorized"
		h.logger.Warn("invalid gateway signature", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var req webhookRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		status = "invalid"
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.GroupChatID) == "" || strings.TrimSpace(req.Text) == "" {
		status = "invalid"
		http.Error(w, "group_chat_id and text are required", http.StatusBadRequest)
		return
	}
	if req.ExternalMessageID == "" {
		req.ExternalMessageID = uuid.NewString()
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = h.now().UTC()
	}
	span.SetAttributes(attribute.String("numrent.group_chat_id", req.GroupChatID))

	if !h.replay.FirstDelivery(ctx, req.ExternalMessageID) {
		status = "duplicate"
		h.logger.Debug("duplicate delivery suppressed", "external_message_id", req.ExternalMessageID)
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "duplicate"})
		return
	}

	in := correlator.Inbound{
		GroupChatID:       req.GroupChatID,
		SenderID:          req.SenderID,
		Text:              req.Text,
		ExternalMessageID: req.ExternalMessageID,
		ReceivedAt:        req.ReceivedAt,
	}
	body, err := json.Marshal(in)
	if err != nil {
		h.logger.Error("failed to encode inbound payload", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := h.queue.Send(ctx, string(body)); err != nil {
		span.RecordError(err)
		h.logger.Error("failed to enqueue inbound message", "error", err)
		http.Error(w, "queue unavailable", http.StatusInternalServerError)
		return
	}

	status = "queued"
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func verifySignature(secret string, payload []byte, header string) bool {
	header = strings.TrimSpace(header)
	if secret == "" || header == "" {
		return false
	}
	provided, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), provided)
}

func respondJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
