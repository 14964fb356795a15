package bronze

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3PutObjectAPI is the subset of the S3 client used for archiving.
type S3PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads bundles to a bucket under an optional prefix.
type S3Archiver struct {
	Client S3PutObjectAPI
	Bucket string
	Prefix string
}

type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
}

// NewS3Archiver builds an archiver from the default AWS credential chain.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archiver{Client: client, Bucket: cfg.Bucket, Prefix: cfg.Prefix}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, key string, body []byte) error {
	objectKey := key
	if a.Prefix != "" {
		objectKey = path.Join(a.Prefix, key)
	}
	_, err := a.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.Bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/gzip"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.Bucket, objectKey, err)
	}
	return nil
}
