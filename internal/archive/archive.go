// Package archive exports delivery timelines to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"tablealert/internal/config"
	"tablealert/internal/model"
)

const (
	TimelineFolder       = "timelines"
	ContentTypeJSON      = "application/json"
	TimelineCacheControl = "private, max-age=0, no-store"
	presignExpiry        = 15 * time.Minute
)

// Archiver writes a timeline somewhere durable and says where.
type Archiver interface {
	Archive(ctx context.Context, timeline *model.DeliveryTimeline) (*model.ArchiveResult, error)
}

// objectPutter is the slice of the S3 client the archiver needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// R2Archiver stores timelines as JSON objects in a Cloudflare R2 bucket.
type R2Archiver struct {
	client    objectPutter
	presign   func(ctx context.Context, key string) (string, error)
	bucket    string
	publicURL string
	log       logrus.FieldLogger
}

// NewR2Archiver constructs an S3-compatible client for Cloudflare R2.
func NewR2Archiver(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*R2Archiver, error) {
	if !cfg.ArchiveEnabled() {
		return nil, fmt.Errorf("missing Cloudflare R2 configuration")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.R2AccessKeyID, cfg.R2SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for R2: %w", err)
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.R2AccountID)
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	presigner := s3.NewPresignClient(s3Client)
	bucket := cfg.R2BucketName

	a := newR2Archiver(s3Client, bucket, cfg.R2PublicURL, log)
	a.presign = func(ctx context.Context, key string) (string, error) {
		req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(presignExpiry))
		if err != nil {
			return "", err
		}
		return req.URL, nil
	}
	return a, nil
}

func newR2Archiver(client objectPutter, bucket, publicURL string, log logrus.FieldLogger) *R2Archiver {
	return &R2Archiver{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimSuffix(publicURL, "/"),
		log:       log.WithField("component", "archive"),
	}
}

// Archive uploads the timeline as JSON under timelines/<restaurant>/<booking>/<unix>.json.
// The returned URL is public when a public base URL is configured, otherwise
// a short-lived presigned link.
func (a *R2Archiver) Archive(ctx context.Context, timeline *model.DeliveryTimeline) (*model.ArchiveResult, error) {
	body, err := json.MarshalIndent(timeline, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal timeline: %w", err)
	}

	key := ObjectKey(timeline)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(a.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(body),
		ContentType:  aws.String(ContentTypeJSON),
		CacheControl: aws.String(TimelineCacheControl),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload to r2: %w", err)
	}

	result := &model.ArchiveResult{Key: key}
	switch {
	case a.publicURL != "":
		result.URL = fmt.Sprintf("%s/%s", a.publicURL, key)
	case a.presign != nil:
		url, err := a.presign(ctx, key)
		if err != nil {
			a.log.WithError(err).WithField("key", key).Warn("Presign archived timeline failed")
		} else {
			result.URL = url
		}
	}

	a.log.WithFields(logrus.Fields{
		"booking_id":    timeline.BookingID,
		"restaurant_id": timeline.RestaurantID,
		"key":           key,
		"intents":       len(timeline.Intents),
		"deliveries":    len(timeline.Deliveries),
	}).Info("Timeline archived")
	return result, nil
}

func ObjectKey(timeline *model.DeliveryTimeline) string {
	return fmt.Sprintf("%s/%s/%s/%d.json", TimelineFolder, timeline.RestaurantID, timeline.BookingID, timeline.GeneratedAt.Unix())
}
