package bootstrap

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"

	appconfig "github.com/numrent/numrent/internal/config"
	"github.com/numrent/numrent/internal/notify"
	"github.com/numrent/numrent/internal/queue"
	"github.com/numrent/numrent/pkg/logging"
)

func TestBuildRedisClientDisabledReturnsNil(t *testing.T) {
	cfg := &appconfig.Config{RedisAddr: ""}

	if client := BuildRedisClient(context.Background(), cfg, logging.New("error"), false); client != nil {
		t.Fatalf("expected nil client without REDIS_ADDR")
	}
	if client := BuildRedisClient(context.Background(), nil, logging.New("error"), false); client != nil {
		t.Fatalf("expected nil client for nil config")
	}
}

func TestBuildRedisClientSkipsVerify(t *testing.T) {
	cfg := &appconfig.Config{RedisAddr: "localhost:0"}

	client := BuildRedisClient(context.Background(), cfg, logging.New("error"), false)
	if client == nil {
		t.Fatalf("expected client without verification")
	}
	_ = client.Close()
}

func TestBuildReplayGuardWithoutRedis(t *testing.T) {
	if guard := BuildReplayGuard(nil, logging.New("error")); guard != nil {
		t.Fatalf("expected nil guard without redis")
	}
}

func TestBuildQueueRequiresConfig(t *testing.T) {
	if _, err := BuildQueue(nil, aws.Config{}, nil, logging.New("error")); err == nil {
		t.Fatalf("expected error for nil config")
	}
}

func TestBuildQueueMemoryMode(t *testing.T) {
	cfg := &appconfig.Config{UseMemoryQueue: true}

	q, err := BuildQueue(cfg, aws.Config{}, nil, logging.New("error"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := q.(*queue.MemoryQueue); !ok {
		t.Fatalf("expected MemoryQueue, got %T", q)
	}
}

func TestBuildQueueSQSRequiresURL(t *testing.T) {
	cfg := &appconfig.Config{UseMemoryQueue: false}

	if _, err := BuildQueue(cfg, aws.Config{}, nil, logging.New("error")); err == nil {
		t.Fatalf("expected error without SQS_QUEUE_URL")
	}
}

func TestBuildNotifierFallsBackToStub(t *testing.T) {
	cfg := &appconfig.Config{NotifyMode: "stub", DefaultLanguage: "en"}

	svc := BuildNotifier(cfg, aws.Config{}, logging.New("error"), nil)
	if svc == nil {
		t.Fatalf("expected notifier")
	}
	// Stub sink delivers by logging, so a push must succeed.
	if err := svc.NotifyOperator(context.Background(), notify.TemplateLowStockAlert, map[string]string{
		"service": "WhatsApp",
		"country": "EG",
		"stock":   "0",
	}); err != nil {
		t.Fatalf("stub notify: %v", err)
	}
}

func TestBuildArchiverDisabledReturnsNil(t *testing.T) {
	cfg := &appconfig.Config{ArchiveBucket: ""}

	if a := BuildArchiver(cfg, aws.Config{}, logging.New("error")); a != nil {
		t.Fatalf("expected nil archiver without bucket")
	}
}

func TestNeedsAWS(t *testing.T) {
	cases := []struct {
		name string
		cfg  *appconfig.Config
		want bool
	}{
		{"nil config", nil, false},
		{"memory only", &appconfig.Config{UseMemoryQueue: true}, false},
		{"sqs queue", &appconfig.Config{UseMemoryQueue: false}, true},
		{"ses email", &appconfig.Config{UseMemoryQueue: true, EmailProvider: "ses"}, true},
		{"archive bucket", &appconfig.Config{UseMemoryQueue: true, ArchiveBucket: "numrent-archive"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NeedsAWS(tc.cfg); got != tc.want {
				t.Errorf("NeedsAWS = %v, want %v", got, tc.want)
			}
		})
	}
}
