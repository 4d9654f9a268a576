package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/contentpipe/pkg/config"
)

// Compile-time interface check.
var _ backend = (*s3Backend)(nil)

type s3Backend struct {
	client *s3.Client
	cfg    *config.S3ArtifactsConfig
}

// NewS3 creates a Store backed by S3-compatible storage laid out as
// {prefix}/runs/{runID}/{stage}.json. Objects are created with
// If-None-Match so an existing stage is never overwritten.
func NewS3(log logrus.FieldLogger, cfg *config.S3ArtifactsConfig) Store {
	return newStore(log, &s3Backend{
		client: newS3Client(cfg),
		cfg:    cfg,
	})
}

func (b *s3Backend) describe() string {
	return "s3://" + b.cfg.Bucket + "/" + b.resolveKey("")
}

// resolveKey prepends the configured prefix.
func (b *s3Backend) resolveKey(key string) string {
	prefix := strings.Trim(b.cfg.Prefix, "/")
	if prefix == "" {
		return key
	}

	return prefix + "/" + key
}

func (b *s3Backend) read(ctx context.Context, key string) ([]byte, error) {
	fullKey := b.resolveKey(key)

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("getting object %q: %w", fullKey, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", fullKey, err)
	}

	return data, nil
}

func (b *s3Backend) create(ctx context.Context, key string, data []byte) (bool, error) {
	fullKey := b.resolveKey(key)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.cfg.Bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	}

	if b.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(b.cfg.StorageClass)
	}

	if _, err := b.client.PutObject(ctx, input); err != nil {
		if isPreconditionFailed(err) {
			return false, nil
		}

		return false, fmt.Errorf("putting object %q: %w", fullKey, err)
	}

	return true, nil
}

func (b *s3Backend) listChildren(ctx context.Context, prefix string, dirs bool) ([]string, error) {
	fullPrefix := b.resolveKey(prefix)

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.cfg.Bucket),
		Prefix:    aws.String(fullPrefix),
		Delimiter: aws.String("/"),
	})

	var names []string

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing under %q: %w", fullPrefix, err)
		}

		if dirs {
			for _, cp := range page.CommonPrefixes {
				if cp.Prefix != nil {
					names = append(names, path.Base(strings.TrimRight(*cp.Prefix, "/")))
				}
			}

			continue
		}

		for _, obj := range page.Contents {
			if obj.Key != nil {
				names = append(names, path.Base(*obj.Key))
			}
		}
	}

	return names, nil
}

// isS3NotFound returns true if the error indicates the object does not exist.
func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	// Some S3-compatible implementations return a generic error with
	// "NoSuchKey" in the message rather than the typed error.
	return strings.Contains(err.Error(), "NoSuchKey")
}

// isPreconditionFailed reports whether a conditional write lost to an
// existing object.
func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "PreconditionFailed"
	}

	return false
}

func newS3Client(cfg *config.S3ArtifactsConfig) *s3.Client {
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
