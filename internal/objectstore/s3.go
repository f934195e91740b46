package objectstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// maxDeleteKeys is the DeleteObjects request limit.
const maxDeleteKeys = 1000

// Listing is one page of keys under a prefix.
type Listing struct {
	Keys      []string
	Truncated bool
	NextToken string // pass back to ListByPrefix while Truncated
}

// S3API is the subset of *s3.Client the store calls.
type S3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

type Opts struct {
	Endpoint     string // optional, e.g. http://127.0.0.1:9000 for MinIO
	UsePathStyle bool
}

// NewS3Client builds the SDK client for the payload bucket.
func NewS3Client(cfg aws.Config, opts Opts) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
}

// S3Store lists and deletes encrypted payloads in one bucket.
type S3Store struct {
	api      S3API
	bucket   string
	pageSize int32
}

func NewS3Store(api S3API, bucket string, pageSize int32) *S3Store {
	if pageSize <= 0 || pageSize > maxDeleteKeys {
		pageSize = maxDeleteKeys
	}
	return &S3Store{api: api, bucket: bucket, pageSize: pageSize}
}

func (s *S3Store) ListByPrefix(ctx context.Context, prefix, token string) (Listing, error) {
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(s.pageSize),
	}
	if token != "" {
		in.ContinuationToken = aws.String(token)
	}

	out, err := s.api.ListObjectsV2(ctx, in)
	if err != nil {
		return Listing{}, err
	}

	l := Listing{
		Keys:      make([]string, 0, len(out.Contents)),
		Truncated: aws.ToBool(out.IsTruncated),
		NextToken: aws.ToString(out.NextContinuationToken),
	}
	for _, obj := range out.Contents {
		if k := aws.ToString(obj.Key); k != "" {
			l.Keys = append(l.Keys, k)
		}
	}
	return l, nil
}

// DeleteBatch removes keys. Keys that are already gone count as deleted.
func (s *S3Store) DeleteBatch(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += maxDeleteKeys {
		end := min(start+maxDeleteKeys, len(keys))

		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}

		out, err := s.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
		if len(out.Errors) > 0 {
			failed := make([]string, 0, len(out.Errors))
			for _, e := range out.Errors {
				failed = append(failed, fmt.Sprintf("%s: %s", aws.ToString(e.Key), aws.ToString(e.Code)))
			}
			return fmt.Errorf("delete objects: %d failed (%s)", len(out.Errors), strings.Join(failed, ", "))
		}
	}
	return nil
}
