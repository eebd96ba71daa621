package s3store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/storagerelay/internal/server/storage"
	"github.com/iudanet/storagerelay/internal/server/storage/storagetest"
)

type fakeObject struct {
	data []byte
	meta map[string]string
}

// fakeS3 - in-memory бакет, достаточный для Storage
type fakeS3 struct {
	mu            sync.Mutex
	buckets       map[string]bool
	objects       map[string]fakeObject
	createdBucket string
	listErr       error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{buckets: map[string]bool{}, objects: map[string]fakeObject{}}
}

func notFound(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: "not found"}
}

func (f *fakeS3) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.buckets[aws.ToString(in.Bucket)] {
		return nil, notFound("NotFound")
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(_ context.Context, in *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[aws.ToString(in.Bucket)] = true
	f.createdBucket = aws.ToString(in.Bucket)
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	meta := make(map[string]string, len(in.Metadata))
	for k, v := range in.Metadata {
		meta[strings.ToLower(k)] = v
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = fakeObject{data: data, meta: meta}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{
		Body:     io.NopCloser(bytes.NewReader(obj.data)),
		Metadata: obj.meta,
	}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{Message: aws.String("not found")}
	}
	return &s3.HeadObjectOutput{Metadata: obj.meta, ContentLength: aws.Int64(int64(len(obj.data)))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, obj := range in.Delete.Objects {
		delete(f.objects, aws.ToString(obj.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}

	prefix := aws.ToString(in.Prefix)
	delimiter := aws.ToString(in.Delimiter)

	keys := make([]string, 0)
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	seen := map[string]bool{}
	for _, k := range keys {
		rest := strings.TrimPrefix(k, prefix)
		if delimiter != "" {
			if i := strings.Index(rest, delimiter); i >= 0 {
				cp := prefix + rest[:i+len(delimiter)]
				if !seen[cp] {
					seen[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func newTestStorage(t *testing.T, prefix string) (*Storage, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	s, err := NewWithClient(context.Background(), fake, "relay", prefix)
	require.NoError(t, err)
	return s, fake
}

func TestStorage_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.ThingStore {
		s, _ := newTestStorage(t, "")
		return s
	})
}

func TestStorage_ContractWithPrefix(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.ThingStore {
		s, _ := newTestStorage(t, "/tenants/")
		return s
	})
}

func TestNewWithClient_CreatesBucket(t *testing.T) {
	_, fake := newTestStorage(t, "")
	assert.Equal(t, "relay", fake.createdBucket)
}

func TestNewWithClient_ExistingBucket(t *testing.T) {
	fake := newFakeS3()
	fake.buckets["relay"] = true

	_, err := NewWithClient(context.Background(), fake, "relay", "")
	require.NoError(t, err)
	assert.Empty(t, fake.createdBucket)
}

func TestStorage_ObjectLayout(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestStorage(t, "tenants")

	require.NoError(t, s.Store(ctx, "repo/st", "k", []byte("v"), storagetest.Timestamp(0)))

	obj, ok := fake.objects["tenants/repo/st/k"]
	require.True(t, ok)
	assert.Equal(t, []byte("v"), obj.data)
	assert.Equal(t, "1714564800000000000", obj.meta[metaModifiedOn])
}

func TestStorage_ForeignObjectsIgnored(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestStorage(t, "")

	// Объект в корне бакета не принадлежит ни одному пространству
	fake.objects["README"] = fakeObject{data: []byte("x")}
	require.NoError(t, s.Store(ctx, "repo/st", "k", []byte("v"), storagetest.Timestamp(0)))

	found, err := s.FindAllIDs(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, found, 3) // repo, repo/st, k
}

func TestStorage_MissingMetadata(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestStorage(t, "")

	fake.objects["repo/st/k"] = fakeObject{data: []byte("x"), meta: map[string]string{}}

	_, err := s.GetModifiedOn(ctx, "repo/st", "k")
	assert.ErrorContains(t, err, "modified-on")
}

func TestStorage_ListError(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestStorage(t, "")
	fake.listErr = errors.New("connection reset")

	_, err := s.FindIDs(ctx, "repo/st", "")
	assert.ErrorContains(t, err, "failed to list objects")
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "head not found", err: &types.NotFound{}, want: true},
		{name: "no such key", err: &types.NoSuchKey{}, want: true},
		{name: "no such bucket", err: &types.NoSuchBucket{}, want: true},
		{name: "access denied", err: notFound("AccessDenied"), want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isNotFound(tt.err))
		})
	}
}
