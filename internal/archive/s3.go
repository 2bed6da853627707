package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "analytics-engine/internal/config"
	"analytics-engine/internal/model"
)

// Archiver exports rows to cold storage. An error means the rows were
// NOT archived and must not be deleted.
type Archiver interface {
	Export(ctx context.Context, rows []model.Analytics, destination string, compress bool) error
}

// S3Archiver writes row batches as NDJSON objects to S3-compatible
// storage (MinIO works via S3_ENDPOINT + path style).
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver creates an S3-backed Archiver.
func NewS3Archiver(ctx context.Context, cfg *appconfig.Config) (*S3Archiver, error) {
	var awsCfg aws.Config
	var err error

	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.S3Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.S3AccessKey,
				cfg.S3SecretKey,
				"",
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.S3Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		if cfg.S3UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Archiver{client: client, bucket: cfg.S3Bucket}, nil
}

// Export writes the rows to destination/<timestamp>.ndjson[.gz].
func (a *S3Archiver) Export(ctx context.Context, rows []model.Analytics, destination string, compress bool) error {
	if len(rows) == 0 {
		return nil
	}

	var buf bytes.Buffer
	if err := encodeNDJSON(&buf, rows, compress); err != nil {
		return err
	}

	key := fmt.Sprintf("%s/%s.ndjson", destination, time.Now().UTC().Format("20060102T150405"))
	contentType := "application/x-ndjson"
	if compress {
		key += ".gz"
		contentType = "application/gzip"
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put archive object %s: %w", key, err)
	}
	return nil
}

func encodeNDJSON(buf *bytes.Buffer, rows []model.Analytics, compress bool) error {
	var enc *json.Encoder
	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(buf)
		enc = json.NewEncoder(gz)
	} else {
		enc = json.NewEncoder(buf)
	}

	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("encode archive row: %w", err)
		}
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("close gzip writer: %w", err)
		}
	}
	return nil
}
