package rules

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

//go:embed default_rules.json
var defaultRules []byte

const s3Scheme = "s3://"

// ObjectGetter is the part of *s3.Client the loader uses.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SourceOptions configures where a document is read from.
type SourceOptions struct {
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
	// S3Client overrides the client built from the default AWS chain.
	S3Client ObjectGetter
}

// ReadSource returns the raw document and its format. An empty location
// selects the embedded default; "s3://bucket/key" reads from S3; anything
// else is a local path.
func ReadSource(ctx context.Context, location string, opts SourceOptions) ([]byte, string, error) {
	switch {
	case location == "":
		return defaultRules, FormatJSON, nil
	case strings.HasPrefix(location, s3Scheme):
		data, err := readS3(ctx, location, opts)
		if err != nil {
			return nil, "", err
		}
		return data, FormatFor(location), nil
	default:
		data, err := os.ReadFile(location)
		if err != nil {
			return nil, "", fmt.Errorf("read rules file: %w", err)
		}
		return data, FormatFor(location), nil
	}
}

// ParseS3URI splits s3://bucket/key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, s3Scheme)
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %s", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 uri must be s3://bucket/key, got %s", uri)
	}
	return bucket, key, nil
}

func readS3(ctx context.Context, uri string, opts SourceOptions) ([]byte, error) {
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return nil, err
	}

	client := opts.S3Client
	if client == nil {
		region := opts.S3Region
		if region == "" {
			region = "us-east-1"
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if opts.S3PathStyle {
				o.UsePathStyle = true
			}
			if opts.S3Endpoint != "" {
				o.BaseEndpoint = aws.String(opts.S3Endpoint)
			}
		})
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", uri, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}
	return data, nil
}
