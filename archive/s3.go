package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hazyhaar/edfpipe/config"
)

// S3Mirror writes objects to an S3 bucket. Credentials come from the
// default AWS chain (environment, shared config, instance role).
type S3Mirror struct {
	name   string
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Mirror loads the default AWS configuration for t.
func NewS3Mirror(ctx context.Context, t config.ArchiveTarget) (*S3Mirror, error) {
	if t.Bucket == "" {
		return nil, fmt.Errorf("bucket required for s3 mirror")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if t.Region != "" {
		opts = append(opts, awsconfig.WithRegion(t.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Mirror{
		name:   targetName(t),
		client: s3.NewFromConfig(cfg),
		bucket: t.Bucket,
		prefix: t.Prefix,
	}, nil
}

func (m *S3Mirror) Name() string { return m.name }

func (m *S3Mirror) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(joinKey(m.prefix, key)),
		Body:        bytes.NewReader(data),
		ACL:         types.ObjectCannedACLPrivate,
		ContentType: aws.String(contentType),
	})
	return err
}
