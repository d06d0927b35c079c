package attachments

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Writer stores attachments in an S3 bucket under attachments/{name}.
type S3Writer struct {
	client *s3.Client
	bucket string
}

// NewS3Writer builds an S3-backed writer using the default credential chain.
func NewS3Writer(ctx context.Context, bucket, region string) (*S3Writer, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("attachments: load aws config: %w", err)
	}
	return &S3Writer{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Save uploads the attachment.
func (w *S3Writer) Save(ctx context.Context, messageID, name string, data []byte) (string, error) {
	stored := FileName(messageID, name)
	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String("attachments/" + stored),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("attachments: s3 put %s: %w", stored, err)
	}
	return stored, nil
}
