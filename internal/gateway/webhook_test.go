package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/numrent/numrent/internal/correlator"
	"github.com/numrent/numrent/internal/queue"
)

const testSecret = "gateway-secret"

func signed(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func newHandler(t *testing.T, replay *ReplayGuard) (*WebhookHandler, *queue.MemoryQueue) {
	t.Helper()
	q := queue.NewMemoryQueue(16, nil)
	h := NewWebhookHandler(WebhookConfig{
		Secret: testSecret,
		Queue:  q,
		Replay: replay,
	})
	return h, q
}

func post(h *WebhookHandler, payload []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/gateway/messages", bytes.NewReader(payload))
	if sig != "" {
		req.Header.Set("X-Gateway-Signature", sig)
	}
	w := httptest.NewRecorder()
	h.Handle(w, req)
	return w
}

func drainOne(t *testing.T, q *queue.MemoryQueue) correlator.Inbound {
	t.Helper()
	batch, err := q.Receive(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 queued message, got %d", len(batch))
	}
	var in correlator.Inbound
	if err := json.Unmarshal([]byte(batch[0].Body), &in); err != nil {
		t.Fatalf("decode queued payload: %v", err)
	}
	return in
}

func TestWebhookQueuesSignedMessage(t *testing.T) {
	h, q := newHandler(t, nil)

	payload := []byte(`{"group_chat_id":"-1001","sender_id":"77","text":"to: +20111 code: 482913","external_message_id":"msg-1","received_at":"2024-03-10T12:00:00Z"}`)
	w := post(h, payload, signed(testSecret, payload))

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"status":"queued"`) {
		t.Errorf("unexpected body %q", w.Body.String())
	}

	in := drainOne(t, q)
	if in.GroupChatID != "-1001" || in.SenderID != "77" {
		t.Errorf("unexpected payload %+v", in)
	}
	if in.ExternalMessageID != "msg-1" {
		t.Errorf("expected external id preserved, got %q", in.ExternalMessageID)
	}
	want := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	if !in.ReceivedAt.Equal(want) {
		t.Errorf("expected received_at %v, got %v", want, in.ReceivedAt)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h, q := newHandler(t, nil)

	payload := []byte(`{"group_chat_id":"-1001","text":"hello"}`)
	w := post(h, payload, signed("wrong-secret", payload))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if batch, _ := q.Receive(context.Background(), 1, 1); len(batch) != 0 {
		t.Errorf("rejected message must not be queued")
	}
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	h, _ := newHandler(t, nil)

	payload := []byte(`{"group_chat_id":"-1001","text":"hello"}`)
	w := post(h, payload, "")

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	h, _ := newHandler(t, nil)

	payload := []byte(`{broken`)
	w := post(h, payload, signed(testSecret, payload))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestWebhookRequiresGroupAndText(t *testing.T) {
	h, _ := newHandler(t, nil)

	payload := []byte(`{"sender_id":"77","text":"hello"}`)
	w := post(h, payload, signed(testSecret, payload))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestWebhookAssignsExternalID(t *testing.T) {
	h, q := newHandler(t, nil)

	payload := []byte(`{"group_chat_id":"-1001","text":"hello"}`)
	w := post(h, payload, signed(testSecret, payload))

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	in := drainOne(t, q)
	if in.ExternalMessageID == "" {
		t.Error("expected generated external message id")
	}
	if in.ReceivedAt.IsZero() {
		t.Error("expected received_at defaulted")
	}
}

func TestWebhookSuppressesReplays(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	guard := NewReplayGuard(client, time.Hour, nil)
	h, q := newHandler(t, guard)

	payload := []byte(`{"group_chat_id":"-1001","text":"hello","external_message_id":"msg-9"}`)

	first := post(h, payload, signed(testSecret, payload))
	if first.Code != http.StatusAccepted || !strings.Contains(first.Body.String(), "queued") {
		t.Fatalf("first delivery: %d %s", first.Code, first.Body.String())
	}

	second := post(h, payload, signed(testSecret, payload))
	if second.Code != http.StatusAccepted {
		t.Fatalf("duplicate delivery: %d", second.Code)
	}
	if !strings.Contains(second.Body.String(), `"status":"duplicate"`) {
		t.Errorf("expected duplicate status, got %q", second.Body.String())
	}

	drainOne(t, q)
	if batch, _ := q.Receive(context.Background(), 1, 1); len(batch) != 0 {
		t.Error("duplicate must not be queued twice")
	}
}

func TestWebhookFailsOpenWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	guard := NewReplayGuard(client, time.Hour, nil)
	mr.Close()

	h, q := newHandler(t, guard)

	payload := []byte(`{"group_chat_id":"-1001","text":"hello","external_message_id":"msg-10"}`)
	w := post(h, payload, signed(testSecret, payload))

	if w.Code != http.StatusAccepted || !strings.Contains(w.Body.String(), "queued") {
		t.Fatalf("expected queued despite redis outage: %d %s", w.Code, w.Body.String())
	}
	drainOne(t, q)
}

func TestReplayGuardSetsTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	guard := NewReplayGuard(client, 2*time.Hour, nil)

	if !guard.FirstDelivery(context.Background(), "msg-ttl") {
		t.Fatal("first delivery must pass")
	}
	if guard.FirstDelivery(context.Background(), "msg-ttl") {
		t.Fatal("second delivery must be suppressed")
	}

	key := replayKeyPrefix + "msg-ttl"
	if ttl := mr.TTL(key); ttl <= 0 || ttl > 2*time.Hour {
		t.Errorf("unexpected ttl %v", ttl)
	}

	mr.FastForward(3 * time.Hour)
	if !guard.FirstDelivery(context.Background(), "msg-ttl") {
		t.Error("expired key must pass again")
	}
}
