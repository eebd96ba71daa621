// Package s3store keeps things as objects of an S3 compatible bucket (AWS S3, MinIO).
//
// Object key is "<prefix>/<namespace>/<id>", logical modification time is kept in
// object metadata. Namespaces exist only while they hold objects.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/iudanet/storagerelay/internal/models"
	"github.com/iudanet/storagerelay/internal/server/storage"
)

// metaModifiedOn - ключ метаданных объекта (S3 приводит ключи к нижнему регистру)
const metaModifiedOn = "modified-on"

// deleteBatchSize - максимум ключей в одном DeleteObjects
const deleteBatchSize = 1000

// API is the subset of *s3.Client used by Storage
type API interface {
	s3.ListObjectsV2APIClient
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Config holds connection settings of the bucket
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

var (
	// для подмены в тестах
	loadDefaultAWSConfig  = config.LoadDefaultConfig
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) API {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// Storage represents S3 storage implementation
type Storage struct {
	api    API
	bucket string
	prefix string
}

// New creates S3 client from static credentials and makes sure the bucket exists
func New(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	awsCfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// MinIO и прочие совместимые сервера работают с path-style адресами
			o.UsePathStyle = true
		}
	})

	return NewWithClient(ctx, client, cfg.Bucket, cfg.Prefix)
}

// NewWithClient wraps ready client; the bucket is created when missing
func NewWithClient(ctx context.Context, api API, bucket, prefix string) (*Storage, error) {
	s := &Storage{
		api:    api,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}

	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Storage) ensureBucket(ctx context.Context) error {
	_, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("failed to check bucket %q: %w", s.bucket, err)
	}

	if _, err := s.api.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("failed to create bucket %q: %w", s.bucket, err)
	}
	return nil
}

// Close is a no-op: the client holds no persistent resources
func (s *Storage) Close() error {
	return nil
}

// namespaceKey - префикс ключей пространства имен с завершающим '/'
func (s *Storage) namespaceKey(namespace string) string {
	if namespace == "" {
		if s.prefix == "" {
			return ""
		}
		return s.prefix + "/"
	}
	if s.prefix == "" {
		return namespace + "/"
	}
	return s.prefix + "/" + namespace + "/"
}

func (s *Storage) objectKey(namespace, id string) string {
	return s.namespaceKey(namespace) + id
}

// isNotFound распознает NotFound (HEAD) и NoSuchKey/NoSuchBucket (GET)
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return true
		}
	}
	return false
}

func formatModifiedOn(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseModifiedOn(meta map[string]string) (time.Time, error) {
	raw, ok := meta[metaModifiedOn]
	if !ok {
		return time.Time{}, fmt.Errorf("object has no %s metadata", metaModifiedOn)
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s metadata %q: %w", metaModifiedOn, raw, err)
	}
	return time.Unix(0, nanos), nil
}

// Store creates or replaces thing object
func (s *Storage) Store(ctx context.Context, namespace, id string, data []byte, modifiedOn time.Time) error {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return err
	}

	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(namespace, id)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      map[string]string{metaModifiedOn: formatModifiedOn(modifiedOn)},
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

// Exists reports whether thing object is present
func (s *Storage) Exists(ctx context.Context, namespace, id string) (bool, error) {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return false, err
	}

	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(namespace, id)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head object: %w", err)
	}
	return true, nil
}

// GetModifiedOn returns logical modification time from object metadata
func (s *Storage) GetModifiedOn(ctx context.Context, namespace, id string) (time.Time, error) {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return time.Time{}, err
	}

	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(namespace, id)),
	})
	if err != nil {
		if isNotFound(err) {
			return time.Time{}, storage.ErrThingNotFound
		}
		return time.Time{}, fmt.Errorf("failed to head object: %w", err)
	}
	return parseModifiedOn(out.Metadata)
}

// GetCopy downloads thing object
func (s *Storage) GetCopy(ctx context.Context, namespace, id string) (*models.Thing, error) {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return nil, err
	}

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(namespace, id)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrThingNotFound
		}
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	modifiedOn, err := parseModifiedOn(out.Metadata)
	if err != nil {
		return nil, err
	}

	return &models.Thing{Namespace: namespace, ID: id, Data: data, ModifiedOn: modifiedOn}, nil
}

// Discard removes thing object. S3 DeleteObject is idempotent.
func (s *Storage) Discard(ctx context.Context, namespace, id string) error {
	if err := storage.ValidateKey(namespace, id); err != nil {
		return err
	}

	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(namespace, id)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// listKeys возвращает все ключи объектов под keyPrefix.
// С delimiter "/" вложенные "каталоги" не раскрываются.
func (s *Storage) listKeys(ctx context.Context, keyPrefix, delimiter string) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(keyPrefix),
	}
	if delimiter != "" {
		input.Delimiter = aws.String(delimiter)
	}

	keys := make([]string, 0)
	paginator := s3.NewListObjectsV2Paginator(s.api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			if isNotFound(err) {
				return keys, nil
			}
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// FindIDs lists objects directly in namespace
func (s *Storage) FindIDs(ctx context.Context, namespace, pattern string) ([]string, error) {
	if err := storage.ValidateNamespace(namespace); err != nil {
		return nil, err
	}

	re, err := storage.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	nsKey := s.namespaceKey(namespace)
	keys, err := s.listKeys(ctx, nsKey, "/")
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, strings.TrimPrefix(key, nsKey))
	}
	return storage.FilterIDs(ids, re), nil
}

// DiscardAll deletes every object under namespace prefix in batches
func (s *Storage) DiscardAll(ctx context.Context, prefix string) error {
	if err := storage.ValidateNamespace(prefix); err != nil {
		return err
	}

	keys, err := s.listKeys(ctx, s.namespaceKey(prefix), "")
	if err != nil {
		return err
	}

	for start := 0; start < len(keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(keys))

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(key)})
		}

		out, err := s.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects: %w", err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("failed to delete %d objects, first %s: %s",
				len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}
	return nil
}

// FindAllIDs lists objects recursively under prefix and rebuilds namespace tree
func (s *Storage) FindAllIDs(ctx context.Context, prefix, pattern string) ([]models.FoundID, error) {
	re, err := storage.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	root := s.namespaceKey("")
	objects, err := s.listKeys(ctx, s.namespaceKey(prefix), "")
	if err != nil {
		return nil, err
	}

	keys := make([]storage.Key, 0, len(objects))
	for _, object := range objects {
		rel := strings.TrimPrefix(object, root)
		i := strings.LastIndex(rel, "/")
		if i <= 0 {
			// объект вне пространств имен (лежит прямо в корне) - не наш
			continue
		}
		keys = append(keys, storage.Key{Namespace: rel[:i], ID: rel[i+1:]})
	}

	return storage.BuildFoundIDs(prefix, re, keys), nil
}
