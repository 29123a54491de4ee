// Package archive copies provider messages to S3 before the retention
// sweep deletes them. Archiving is best effort: the retention job keeps
// the rows and retries next pass when an upload fails.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/numrent/numrent/internal/scheduler"
	"github.com/numrent/numrent/internal/store"
	"github.com/numrent/numrent/pkg/logging"
)

// S3Client covers the S3 operations the archiver needs (allows mocking in
// tests).
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes one JSONL object per sweep under
// archive/provider-messages/<date>/<uuid>.jsonl.
type S3Archiver struct {
	s3     S3Client
	bucket string
	logger *logging.Logger
	now    func() time.Time
}

// ArchiverConfig holds configuration for the archiver.
type ArchiverConfig struct {
	S3     S3Client
	Bucket string
	Logger *logging.Logger
}

// NewS3Archiver creates an S3 archiver.
func NewS3Archiver(cfg ArchiverConfig) *S3Archiver {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &S3Archiver{
		s3:     cfg.S3,
		bucket: cfg.Bucket,
		logger: cfg.Logger.Component("archive"),
		now:    time.Now,
	}
}

// archivedMessage is the JSONL record layout. Sender ids are redacted;
// message text is kept verbatim since codes expire long before retention.
type archivedMessage struct {
	MessageID   int64      `json:"message_id"`
	ServiceID   *int64     `json:"service_id,omitempty"`
	GroupChatID string     `json:"group_chat_id"`
	Sender      string     `json:"sender_redacted"`
	Text        string     `json:"text"`
	Status      string     `json:"status"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	ArchivedAt  time.Time  `json:"archived_at"`
}

// Archive uploads the given messages as one JSONL object.
func (a *S3Archiver) Archive(ctx context.Context, msgs []store.ProviderMessage) error {
	if a == nil || a.s3 == nil || a.bucket == "" {
		return fmt.Errorf("archive: archiver not configured")
	}
	if len(msgs) == 0 {
		return nil
	}

	archivedAt := a.now().UTC()
	var buf bytes.Buffer
	for _, msg := range msgs {
		rec := archivedMessage{
			MessageID:   msg.ID,
			ServiceID:   msg.ServiceID,
			GroupChatID: msg.GroupChatID,
			Sender:      redactSender(msg.SenderID),
			Text:        msg.Text,
			Status:      msg.Status,
			ReceivedAt:  msg.ReceivedAt,
			ProcessedAt: msg.ProcessedAt,
			ArchivedAt:  archivedAt,
		}
		line, err := json.Marshal(rec)
		if err != nil {
			a.logger.Warn("failed to marshal message, skipping", "message_id", msg.ID, "error", err)
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	key := fmt.Sprintf("archive/provider-messages/%s/%s.jsonl",
		archivedAt.Format("2006/01/02"), uuid.NewString())

	_, err := a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"message_count": fmt.Sprintf("%d", len(msgs)),
		},
	})
	if err != nil {
		return fmt.Errorf("archive: s3 upload failed: %w", err)
	}

	a.logger.Info("messages archived to s3", "count", len(msgs), "s3_key", key, "bytes", buf.Len())
	return nil
}

func redactSender(id string) string {
	if len(id) <= 4 {
		return "XXXX"
	}
	return "XXXX" + id[len(id)-4:]
}

var _ scheduler.Archiver = (*S3Archiver)(nil)
