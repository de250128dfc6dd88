package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Lister enumerates parquet objects under a table's upload prefix. The
// staging engine reads the objects itself; this lister only reconciles the
// file registry with what actually landed in the bucket.
type S3Lister struct {
	client *s3.Client
	bucket string
}

// S3ListerConfig carries the object-storage settings for the lister.
type S3ListerConfig struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // local emulator endpoint; enables path-style addressing
}

// NewS3Lister builds a lister from explicit credentials, falling back to the
// default AWS chain when none are provided.
func NewS3Lister(ctx context.Context, cfg S3ListerConfig) (*S3Lister, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Lister{client: client, bucket: cfg.Bucket}, nil
}

// ListParquet returns the s3:// paths of every parquet object under the
// table prefix user/graph/table/.
func (l *S3Lister) ListParquet(ctx context.Context, userID, graphID, tableName string) ([]string, error) {
	prefix := fmt.Sprintf("%s/%s/%s/", userID, graphID, tableName)
	var paths []string

	paginator := s3.NewListObjectsV2Paginator(l.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(l.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s/%s: %w", l.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, ".parquet") {
				paths = append(paths, fmt.Sprintf("s3://%s/%s", l.bucket, key))
			}
		}
	}
	return paths, nil
}
