package inft

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var ErrObjectNotFound = errors.New("object not found")

// StoreConfig selects and configures an object store backend.
type StoreConfig struct {
	Provider           string // local | aliyun | s3
	Endpoint           string
	Region             string
	Bucket             string
	BasePrefix         string
	AccessKeyID        string
	AccessKeySecret    string
	STSRoleARN         string
	STSDurationSeconds int
	LocalDir           string
}

// ObjectStore keeps encrypted agent metadata and archived logs. Keys are
// relative to the configured base prefix.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string, limit int) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	// URI names the stored object for clients, e.g. oss://bucket/prefix/key.
	URI(key string) string
}

func JoinKey(basePrefix, key string) string {
	basePrefix = strings.Trim(strings.TrimSpace(basePrefix), "/")
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if basePrefix == "" {
		return key
	}
	if key == "" {
		return basePrefix
	}
	return basePrefix + "/" + key
}

func NewObjectStore(ctx context.Context, cfg StoreConfig) (ObjectStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "local":
		if strings.TrimSpace(cfg.LocalDir) == "" {
			return nil, errors.New("AGENTMARKET_OSS_LOCAL_DIR is required when AGENTMARKET_OSS_PROVIDER=local")
		}
		return &LocalStore{root: cfg.LocalDir, basePrefix: cfg.BasePrefix}, nil
	case "aliyun":
		if cfg.Endpoint == "" || cfg.AccessKeyID == "" || cfg.AccessKeySecret == "" || cfg.Bucket == "" {
			return nil, errors.New("missing OSS config for aliyun provider")
		}
		client, err := oss.New(cfg.Endpoint, cfg.AccessKeyID, cfg.AccessKeySecret)
		if err != nil {
			return nil, err
		}
		bucket, err := client.Bucket(cfg.Bucket)
		if err != nil {
			return nil, err
		}
		return &aliyunStore{bucket: bucket, name: cfg.Bucket, basePrefix: cfg.BasePrefix}, nil
	case "s3":
		return newS3Store(ctx, cfg)
	default:
		return nil, errors.New("unsupported object store provider (set AGENTMARKET_OSS_PROVIDER=local|aliyun|s3)")
	}
}

// LocalStore writes objects below a directory. Used in development and tests.
type LocalStore struct {
	root       string
	basePrefix string
}

func NewLocalStore(root, basePrefix string) *LocalStore {
	return &LocalStore{root: root, basePrefix: basePrefix}
}

func (s *LocalStore) path(key string) (string, error) {
	full := JoinKey(s.basePrefix, key)
	if full == "" || strings.Contains(full, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(full)), nil
}

func (s *LocalStore) Put(_ context.Context, key, _ string, body []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return b, err
}

// List returns keys relative to the base prefix, sorted.
func (s *LocalStore) List(_ context.Context, prefix string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	base := filepath.Join(s.root, filepath.FromSlash(JoinKey(s.basePrefix, "")))
	want := strings.TrimLeft(prefix, "/")

	var out []string
	err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, want) {
			out = append(out, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *LocalStore) URI(key string) string {
	return "local://" + JoinKey(s.basePrefix, key)
}

type aliyunStore struct {
	bucket     *oss.Bucket
	name       string
	basePrefix string
}

func (s *aliyunStore) Put(ctx context.Context, key, contentType string, body []byte) error {
	opts := []oss.Option{oss.WithContext(ctx)}
	if strings.TrimSpace(contentType) != "" {
		opts = append(opts, oss.ContentType(contentType))
	}
	return s.bucket.PutObject(JoinKey(s.basePrefix, key), bytes.NewReader(body), opts...)
}

func (s *aliyunStore) Get(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.bucket.GetObject(JoinKey(s.basePrefix, key), oss.WithContext(ctx))
	if err != nil {
		var srvErr oss.ServiceError
		if errors.As(err, &srvErr) && srvErr.StatusCode == 404 {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

func (s *aliyunStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	full := JoinKey(s.basePrefix, strings.TrimLeft(prefix, "/"))
	res, err := s.bucket.ListObjects(oss.Prefix(full), oss.MaxKeys(limit), oss.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(res.Objects))
	for _, o := range res.Objects {
		out = append(out, trimBase(s.basePrefix, o.Key))
	}
	return out, nil
}

func (s *aliyunStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.IsObjectExist(JoinKey(s.basePrefix, key), oss.WithContext(ctx))
}

func (s *aliyunStore) URI(key string) string {
	return "oss://" + s.name + "/" + JoinKey(s.basePrefix, key)
}

type s3Store struct {
	client     *s3.Client
	bucket     string
	basePrefix string
}

func newS3Store(ctx context.Context, cfg StoreConfig) (*s3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("AGENTMARKET_OSS_BUCKET is required when AGENTMARKET_OSS_PROVIDER=s3")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.AccessKeySecret != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.AccessKeySecret, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			// MinIO and other S3-compatible servers need path-style addressing.
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &s3Store{client: client, bucket: cfg.Bucket, basePrefix: cfg.BasePrefix}, nil
}

func (s *s3Store) Put(ctx context.Context, key, contentType string, body []byte) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(JoinKey(s.basePrefix, key)),
		Body:   bytes.NewReader(body),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(JoinKey(s.basePrefix, key)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

func (s *s3Store) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(JoinKey(s.basePrefix, strings.TrimLeft(prefix, "/"))),
		MaxKeys: aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 list %s: %w", prefix, err)
	}
	keys := make([]string, 0, len(out.Contents))
	for _, o := range out.Contents {
		keys = append(keys, trimBase(s.basePrefix, aws.ToString(o.Key)))
	}
	return keys, nil
}

func (s *s3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(JoinKey(s.basePrefix, key)),
	})
	if err == nil {
		return true, nil
	}
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, fmt.Errorf("s3 head %s: %w", key, err)
}

func (s *s3Store) URI(key string) string {
	return "s3://" + s.bucket + "/" + JoinKey(s.basePrefix, key)
}

func trimBase(basePrefix, full string) string {
	base := strings.Trim(strings.TrimSpace(basePrefix), "/")
	if base == "" {
		return full
	}
	return strings.TrimPrefix(full, base+"/")
}
