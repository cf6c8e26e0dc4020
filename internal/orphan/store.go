package orphan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	maxRecordSize int64 = 64 << 10
)

var (
	ErrInvalidConfig = errors.New("orphan: invalid config")
	ErrInvalidKey    = errors.New("orphan: invalid key")
	ErrNotFound      = errors.New("orphan: not found")
)

// Store is the object storage behind a Ledger. Keys are relative to the
// configured prefix in both directions.
type Store interface {
	Put(ctx context.Context, key string, payload []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete succeeds when the key is already gone.
	Delete(ctx context.Context, key string) error
	// List returns matching keys in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

type StoreConfig struct {
	Driver string
	Prefix string

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

// S3Client is the subset of *s3.Client the ledger uses.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

func NewStore(cfg StoreConfig) (Store, error) {
	ks := keyspace{prefix: strings.Trim(strings.TrimSpace(cfg.Prefix), "/")}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverMemory
	}
	switch driver {
	case DriverMemory:
		return &memoryStore{ks: ks, objects: map[string][]byte{}}, nil
	case DriverS3:
		bucket := strings.TrimSpace(cfg.Bucket)
		switch {
		case bucket == "":
			return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
		case cfg.S3Client == nil:
			return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
		}
		return &s3Store{ks: ks, bucket: bucket, api: cfg.S3Client}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// keyspace maps caller keys to stored keys under an optional prefix.
type keyspace struct {
	prefix string
}

func (k keyspace) abs(key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: surrounding whitespace in %q", ErrInvalidKey, key)
	}
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.IndexFunc(key, func(r rune) bool { return r < 0x20 || r == 0x7f }) >= 0 {
		return "", fmt.Errorf("%w: control character in key", ErrInvalidKey)
	}
	return k.join(key), nil
}

func (k keyspace) join(rel string) string {
	if k.prefix == "" {
		return rel
	}
	return k.prefix + "/" + rel
}

func (k keyspace) rel(abs string) string {
	if k.prefix == "" {
		return abs
	}
	return strings.TrimPrefix(abs, k.prefix+"/")
}

type memoryStore struct {
	ks keyspace

	mu      sync.RWMutex
	objects map[string][]byte
}

func (m *memoryStore) Put(_ context.Context, key string, payload []byte) error {
	k, err := m.ks.abs(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[k] = bytes.Clone(payload)
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	k, err := m.ks.abs(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return bytes.Clone(b), nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	k, err := m.ks.abs(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, k)
	return nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]string, error) {
	want := m.ks.join(strings.TrimLeft(prefix, "/"))

	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, want) {
			keys = append(keys, m.ks.rel(k))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

type s3Store struct {
	ks     keyspace
	bucket string
	api    S3Client
}

func (s *s3Store) Put(ctx context.Context, key string, payload []byte) error {
	k, err := s.ks.abs(key)
	if err != nil {
		return err
	}
	if _, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(k),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("orphan/s3: put s3://%s/%s: %w", s.bucket, k, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	k, err := s.ks.abs(key)
	if err != nil {
		return nil, err
	}
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(k)})
	switch {
	case isNotFound(err):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	case err != nil:
		return nil, fmt.Errorf("orphan/s3: get s3://%s/%s: %w", s.bucket, k, err)
	}
	defer func() { _ = out.Body.Close() }()

	// Records are small JSON documents; anything bigger is not ours.
	b, err := io.ReadAll(io.LimitReader(out.Body, maxRecordSize+1))
	if err != nil {
		return nil, fmt.Errorf("orphan/s3: read s3://%s/%s: %w", s.bucket, k, err)
	}
	if int64(len(b)) > maxRecordSize {
		return nil, fmt.Errorf("orphan/s3: s3://%s/%s is larger than %d bytes", s.bucket, k, maxRecordSize)
	}
	return b, nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	k, err := s.ks.abs(key)
	if err != nil {
		return err
	}
	_, err = s.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(k)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("orphan/s3: delete s3://%s/%s: %w", s.bucket, k, err)
	}
	return nil
}

func (s *s3Store) List(ctx context.Context, prefix string) ([]string, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.ks.join(strings.TrimLeft(prefix, "/"))),
	}
	var keys []string
	for {
		page, err := s.api.ListObjectsV2(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("orphan/s3: list s3://%s/%s: %w", s.bucket, aws.ToString(in.Prefix), err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, s.ks.rel(aws.ToString(obj.Key)))
		}
		if !aws.ToBool(page.IsTruncated) || page.NextContinuationToken == nil {
			break
		}
		in.ContinuationToken = page.NextContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if err == nil || !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	}
	return false
}
