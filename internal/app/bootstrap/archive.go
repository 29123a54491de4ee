package bootstrap

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/numrent/numrent/internal/archive"
	appconfig "github.com/numrent/numrent/internal/config"
	"github.com/numrent/numrent/pkg/logging"
)

// BuildArchiver returns the S3 archiver for retention sweeps, or nil when
// no bucket is configured. Without an archiver the sweep prunes without
// archiving.
func BuildArchiver(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) *archive.S3Archiver {
	if cfg == nil || strings.TrimSpace(cfg.ArchiveBucket) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	logger.Info("provider message archiving enabled", "bucket", cfg.ArchiveBucket)
	return archive.NewS3Archiver(archive.ArchiverConfig{
		S3:     s3.NewFromConfig(awsCfg),
		Bucket: cfg.ArchiveBucket,
		Logger: logger,
	})
}
