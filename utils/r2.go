// utils/r2.go
package utils

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gosimple/slug"
)

// R2Archiver uploads JSON documents (no-show pass results) to an R2 bucket.
type R2Archiver struct {
	client *s3.Client
	bucket string
}

// R2Options carries the credentials and target bucket. Endpoint defaults to
// the Cloudflare account endpoint when empty.
type R2Options struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	Endpoint        string
}

func NewR2Archiver(ctx context.Context, opts R2Options) (*R2Archiver, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", opts.AccountID)
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID, opts.AccessKeySecret, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	return &R2Archiver{client: client, bucket: opts.Bucket}, nil
}

// Archive stores payload under key.
func (a *R2Archiver) Archive(ctx context.Context, key string, payload []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to R2: %w", err)
	}
	return nil
}

// ArchiveKey builds "<prefix>/<title-slug>-<matchID>/<unix-nanos>.json".
// Titles are optional; without one the match ID alone names the folder.
func ArchiveKey(prefix, title, matchID string, at time.Time) string {
	folder := matchID
	if s := slug.Make(title); s != "" {
		folder = s + "-" + matchID
	}
	return path.Join(prefix, folder, fmt.Sprintf("%d.json", at.UTC().UnixNano()))
}
