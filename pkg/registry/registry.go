// Package registry lists the exercise names that submissions are matched
// against.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/gitlab-students-monitor/gsm/pkg/config"
)

// Registry lists exercise names.
type Registry interface {
	// Names returns every exercise name, sorted.
	Names(ctx context.Context) ([]string, error)
	// Location describes where the names come from, for logging.
	Location() string
}

const s3Scheme = "s3://"

// Open returns the Registry for a location: s3://bucket/prefix selects an
// S3 registry, anything else is a local directory.
func Open(location string, s3cfg *config.RegistryS3Config) (Registry, error) {
	if location == "" {
		return nil, fmt.Errorf("exercise registry location is empty")
	}

	if !strings.HasPrefix(location, s3Scheme) {
		return NewLocal(location), nil
	}

	bucket, prefix, err := parseS3Location(location)
	if err != nil {
		return nil, err
	}

	if s3cfg == nil {
		s3cfg = &config.RegistryS3Config{}
	}

	return NewS3(s3cfg, bucket, prefix), nil
}

// parseS3Location splits s3://bucket/some/prefix into the bucket and a
// prefix that is empty or ends in "/".
func parseS3Location(location string) (string, string, error) {
	rest := strings.TrimPrefix(location, s3Scheme)

	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("s3 location %q has no bucket", location)
	}

	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	return bucket, prefix, nil
}
