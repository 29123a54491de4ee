package archive

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/numrent/numrent/internal/store"
)

type mockS3 struct {
	inputs  []*s3.PutObjectInput
	callErr error
}

func (m *mockS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.callErr != nil {
		return nil, m.callErr
	}
	m.inputs = append(m.inputs, params)
	return &s3.PutObjectOutput{}, nil
}

func sampleMessages() []store.ProviderMessage {
	received := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	return []store.ProviderMessage{
		{ID: 1, GroupChatID: "-1001", SenderID: "7733991122", Text: "to: +20111 code: 482913", Status: store.MessageProcessed, ReceivedAt: received},
		{ID: 2, GroupChatID: "-1001", SenderID: "77", Text: "noise", Status: store.MessageOrphan, ReceivedAt: received.Add(time.Minute)},
	}
}

func TestArchiveWritesJSONL(t *testing.T) {
	mock := &mockS3{}
	arch := NewS3Archiver(ArchiverConfig{S3: mock, Bucket: "numrent-archive"})
	arch.now = func() time.Time { return time.Date(2024, 3, 17, 6, 0, 0, 0, time.UTC) }

	if err := arch.Archive(context.Background(), sampleMessages()); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if len(mock.inputs) != 1 {
		t.Fatalf("expected 1 upload, got %d", len(mock.inputs))
	}

	input := mock.inputs[0]
	if aws.ToString(input.Bucket) != "numrent-archive" {
		t.Errorf("unexpected bucket %q", aws.ToString(input.Bucket))
	}
	key := aws.ToString(input.Key)
	if !strings.HasPrefix(key, "archive/provider-messages/2024/03/17/") || !strings.HasSuffix(key, ".jsonl") {
		t.Errorf("unexpected key %q", key)
	}
	if input.Metadata["message_count"] != "2" {
		t.Errorf("unexpected metadata %v", input.Metadata)
	}

	body, err := io.ReadAll(input.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSONL lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"sender_redacted":"XXXX1122"`) {
		t.Errorf("expected redacted sender in %s", lines[0])
	}
	if strings.Contains(string(body), "7733991122") {
		t.Error("raw sender id leaked into archive")
	}
	if !strings.Contains(lines[1], `"sender_redacted":"XXXX"`) {
		t.Errorf("expected short sender fully masked in %s", lines[1])
	}
}

func TestArchiveEmptyBatchSkipsUpload(t *testing.T) {
	mock := &mockS3{}
	arch := NewS3Archiver(ArchiverConfig{S3: mock, Bucket: "numrent-archive"})

	if err := arch.Archive(context.Background(), nil); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if len(mock.inputs) != 0 {
		t.Errorf("expected no uploads, got %d", len(mock.inputs))
	}
}

func TestArchiveNotConfigured(t *testing.T) {
	arch := NewS3Archiver(ArchiverConfig{})
	if err := arch.Archive(context.Background(), sampleMessages()); err == nil {
		t.Error("expected error when archiver lacks a bucket")
	}
}

func TestArchiveSurfacesUploadError(t *testing.T) {
	mock := &mockS3{callErr: errors.New("access denied")}
	arch := NewS3Archiver(ArchiverConfig{S3: mock, Bucket: "numrent-archive"})

	if err := arch.Archive(context.Background(), sampleMessages()); err == nil {
		t.Error("expected upload error to surface")
	}
}
