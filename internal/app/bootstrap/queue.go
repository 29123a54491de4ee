package bootstrap

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/numrent/numrent/internal/config"
	"github.com/numrent/numrent/internal/observability/metrics"
	"github.com/numrent/numrent/internal/queue"
	"github.com/numrent/numrent/pkg/logging"
)

const memoryQueueBuffer = 256

// BuildQueue selects the inbound message queue from config. Memory mode
// keeps gateway and workers in one process; SQS mode lets them scale
// separately.
func BuildQueue(cfg *appconfig.Config, awsCfg aws.Config, m *metrics.Metrics, logger *logging.Logger) (queue.Queue, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	if cfg.UseMemoryQueue {
		logger.Info("using in-memory inbound queue")
		return queue.NewMemoryQueue(memoryQueueBuffer, m), nil
	}

	if strings.TrimSpace(cfg.InboundQueueURL) == "" {
		return nil, fmt.Errorf("bootstrap: SQS_QUEUE_URL is required when QUEUE_MODE is sqs")
	}
	logger.Info("using SQS inbound queue", "queue_url", cfg.InboundQueueURL)
	return queue.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.InboundQueueURL), nil
}

// NeedsAWS reports whether any configured component requires an AWS client,
// so binaries can skip credential loading entirely in local setups.
func NeedsAWS(cfg *appconfig.Config) bool {
	if cfg == nil {
		return false
	}
	if !cfg.UseMemoryQueue {
		return true
	}
	if cfg.EmailProvider == "ses" {
		return true
	}
	return strings.TrimSpace(cfg.ArchiveBucket) != ""
}
