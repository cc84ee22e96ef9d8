package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3 stores assets as objects under a key prefix. References keep the
// root-relative form; a CDN or proxy maps them onto the bucket.
type S3 struct {
	client    S3API
	bucket    string
	keyPrefix string
	urlPrefix string
}

type S3Options struct {
	Bucket    string
	Region    string
	KeyPrefix string
	URLPrefix string
	// Endpoint overrides the S3 endpoint, e.g. for MinIO.
	Endpoint string
}

// NewS3 builds an S3 store using the default AWS credential chain.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3WithClient(client, opts.Bucket, opts.KeyPrefix, opts.URLPrefix), nil
}

func NewS3WithClient(client S3API, bucket, keyPrefix, urlPrefix string) *S3 {
	if urlPrefix == "" {
		urlPrefix = DefaultURLPrefix
	}
	keyPrefix = strings.Trim(keyPrefix, "/")
	if keyPrefix != "" {
		keyPrefix += "/"
	}
	return &S3{
		client:    client,
		bucket:    bucket,
		keyPrefix: keyPrefix,
		urlPrefix: "/" + strings.Trim(urlPrefix, "/"),
	}
}

func (s *S3) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.keyPrefix + name),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return s.urlPrefix + "/" + name, nil
}

// Delete removes the object. S3 treats deleting a missing key as success.
func (s *S3) Delete(ctx context.Context, ref string) error {
	name, err := nameFromRef(s.urlPrefix, ref)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyPrefix + name),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed: %w", err)
	}
	return nil
}

func (s *S3) List(ctx context.Context) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.keyPrefix),
	})
	var refs []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list failed: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			name := strings.TrimPrefix(*obj.Key, s.keyPrefix)
			if validName(name) != nil {
				continue
			}
			refs = append(refs, s.urlPrefix+"/"+name)
		}
	}
	sort.Strings(refs)
	return refs, nil
}
