// Package archive persists completed pipeline reports to S3 for long-term
// inspection, outside the database retention window.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/phuslu/log"

	"docforge/internal/config"
	"docforge/internal/models"
)

type objectPutter interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive uploads reports as JSON objects keyed reports/{sessionID}.json.
type Archive struct {
	client objectPutter
	bucket string
}

// New builds an archive against the configured bucket, or nil when no
// bucket is configured so callers can skip archiving entirely.
func New(ctx context.Context, cfg config.Config) (*Archive, error) {
	if cfg.ArchiveBucket == "" {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Archive{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.ArchiveBucket,
	}, nil
}

// SaveReport uploads one completed report.
func (a *Archive) SaveReport(ctx context.Context, report models.PipelineReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report %s: %w", report.SessionID, err)
	}
	key := fmt.Sprintf("reports/%s.json", report.SessionID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put report %s: %w", report.SessionID, err)
	}
	log.Debug().Str("session_id", report.SessionID).Str("key", key).Msg("report archived")
	return nil
}
