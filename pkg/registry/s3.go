package registry

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gitlab-students-monitor/gsm/pkg/config"
)

// Compile-time interface check.
var _ Registry = (*s3Registry)(nil)

type s3Registry struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 creates a Registry whose exercises are the common prefixes
// directly under prefix in bucket.
func NewS3(cfg *config.RegistryS3Config, bucket, prefix string) Registry {
	return &s3Registry{
		client: newS3Client(cfg),
		bucket: bucket,
		prefix: prefix,
	}
}

func (r *s3Registry) Location() string {
	return s3Scheme + r.bucket + "/" + r.prefix
}

func (r *s3Registry) Names(ctx context.Context) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(
		r.client, &s3.ListObjectsV2Input{
			Bucket:    aws.String(r.bucket),
			Prefix:    aws.String(r.prefix),
			Delimiter: aws.String("/"),
		},
	)

	var names []string

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf(
				"listing exercise prefixes under %q: %w", r.Location(), err,
			)
		}

		for _, cp := range page.CommonPrefixes {
			if cp.Prefix == nil {
				continue
			}

			// "prefix/ex1/" -> "ex1"
			names = append(names, path.Base(strings.TrimRight(*cp.Prefix, "/")))
		}
	}

	sort.Strings(names)

	return names, nil
}

func newS3Client(cfg *config.RegistryS3Config) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}
