// Package s3store implements store.Store on an S3-compatible bucket (AWS S3,
// MinIO, and similar). Directories are key prefixes.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/bpowers/boxedr/store"
)

// Config holds S3 connection settings.
type Config struct {
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix" mapstructure:"prefix"`                       // key prefix for every object
	Endpoint        string `yaml:"endpoint" mapstructure:"endpoint"`                   // e.g. localhost:9000 for MinIO
	Region          string `yaml:"region" mapstructure:"region"`                       // AWS region
	AccessKeyID     string `yaml:"access_key_id" mapstructure:"access_key_id"`         // static credentials
	SecretAccessKey string `yaml:"secret_access_key" mapstructure:"secret_access_key"` // static credentials
	UseSSL          bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"` // required for MinIO
}

// API is the subset of the S3 client the store uses.
type API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	s3.ListObjectsV2APIClient
}

// Store is a store.Store backed by S3.
type Store struct {
	client API
	bucket string
	prefix string
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// maxDeleteBatch is the S3 limit on keys per DeleteObjects call.
const maxDeleteBatch = 1000

// New builds an S3 client from cfg and returns a store over cfg.Bucket.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3store: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			scheme := "https"
			if !cfg.UseSSL {
				scheme = "http"
			}
			o.BaseEndpoint = aws.String(fmt.Sprintf("%s://%s", scheme, cfg.Endpoint))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("s3 store configured",
		"bucket", cfg.Bucket,
		"prefix", cfg.Prefix,
		"endpoint", cfg.Endpoint,
		"region", cfg.Region,
		"force_path_style", cfg.ForcePathStyle)

	return NewWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewWithClient returns a store using an existing client.
func NewWithClient(client API, bucket, prefix string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Store{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return &store.Error{Op: "ping", Path: s.bucket, Err: err}
	}
	return nil
}

func (s *Store) ReadFile(ctx context.Context, name string) ([]byte, error) {
	key, err := s.key(name)
	if err != nil {
		return nil, &store.Error{Op: "read", Path: name, Err: err}
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, &store.Error{Op: "read", Path: name, Err: notFound(err)}
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &store.Error{Op: "read", Path: name, Err: err}
	}
	s.logger.Debug("object retrieved", "bucket", s.bucket, "key", key, "size", len(data))
	return data, nil
}

func (s *Store) WriteFile(ctx context.Context, name string, data []byte) error {
	key, err := s.key(name)
	if err != nil {
		return &store.Error{Op: "write", Path: name, Err: err}
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return &store.Error{Op: "write", Path: name, Err: err}
	}
	s.logger.Debug("object stored", "bucket", s.bucket, "key", key, "size", len(data))
	return nil
}

func (s *Store) List(ctx context.Context, dir string) ([]store.Entry, error) {
	prefix, err := s.dirPrefix(dir)
	if err != nil {
		return nil, &store.Error{Op: "list", Path: dir, Err: err}
	}

	var entries []store.Entry
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, &store.Error{Op: "list", Path: dir, Err: err}
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name != "" {
				entries = append(entries, store.Entry{Name: name, Kind: store.KindDir})
			}
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name != "" {
				entries = append(entries, store.Entry{Name: name, Kind: store.KindFile})
			}
		}
	}
	return entries, nil
}

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	key, err := s.key(name)
	if err != nil {
		return false, &store.Error{Op: "stat", Path: name, Err: err}
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if !errors.Is(notFound(err), fs.ErrNotExist) {
		return false, &store.Error{Op: "stat", Path: name, Err: err}
	}

	// Not an object; it may still be a non-empty prefix.
	prefix, err := s.dirPrefix(name)
	if err != nil {
		return false, &store.Error{Op: "stat", Path: name, Err: err}
	}
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, &store.Error{Op: "stat", Path: name, Err: err}
	}
	return len(out.Contents) > 0, nil
}

// RemoveAll deletes the object name and every object under the name/ prefix.
func (s *Store) RemoveAll(ctx context.Context, name string) error {
	key, err := s.key(name)
	if err != nil {
		return &store.Error{Op: "remove", Path: name, Err: err}
	}
	if key == s.prefix {
		return &store.Error{Op: "remove", Path: name, Err: store.ErrInvalidPath}
	}

	keys := []string{key}
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(key + "/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return &store.Error{Op: "remove", Path: name, Err: err}
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	for start := 0; start < len(keys); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return &store.Error{Op: "remove", Path: name, Err: err}
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return &store.Error{Op: "remove", Path: aws.ToString(e.Key), Err: errors.New(aws.ToString(e.Message))}
		}
	}
	s.logger.Debug("objects removed", "bucket", s.bucket, "prefix", key, "count", len(keys))
	return nil
}

func (s *Store) key(name string) (string, error) {
	cleaned, err := store.Clean(name)
	if err != nil {
		return "", err
	}
	return s.prefix + cleaned, nil
}

func (s *Store) dirPrefix(dir string) (string, error) {
	cleaned, err := store.Clean(dir)
	if err != nil {
		return "", err
	}
	if cleaned == "" {
		return s.prefix, nil
	}
	return s.prefix + path.Clean(cleaned) + "/", nil
}

// notFound maps S3's missing-object errors onto fs.ErrNotExist.
func notFound(err error) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return fmt.Errorf("%w: %v", fs.ErrNotExist, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
		return fmt.Errorf("%w: %v", fs.ErrNotExist, err)
	}
	return err
}
