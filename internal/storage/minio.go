package storage

import (
	"bytes"
	"context"
	"io"
	"iter"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3 error codes the backend maps to typed results.
const (
	codeNoSuchKey          = "NoSuchKey"
	codePreconditionFailed = "PreconditionFailed"
)

// Compile-time interface satisfaction checks.
var (
	_ Backend          = (*Minio)(nil)
	_ ExclusiveCreator = (*Minio)(nil)
)

// MinioConfig configures an S3-compatible bucket and key prefix.
type MinioConfig struct {
	Endpoint string
	Region   string
	Bucket   string
	Prefix   string
	UseSSL   bool

	// AccessKey and SecretKey are optional. When both are empty, credentials
	// come from the environment, the shared credentials file or IAM.
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// Validate checks that the configuration can produce a client.
func (c MinioConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return errors.Newf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.New("access key and secret key must be set together")
	}
	return nil
}

func (c MinioConfig) credentials() *credentials.Credentials {
	if c.AccessKey != "" {
		return credentials.NewStaticV4(c.AccessKey, c.SecretKey, c.SessionToken)
	}
	return credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.EnvMinio{},
		&credentials.FileAWSCredentials{},
		&credentials.IAM{Client: &http.Client{Transport: newTransport()}},
	})
}

// Minio stores objects in an S3-compatible bucket under a key prefix.
type Minio struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinio builds a client from cfg and checks that the bucket exists.
func NewMinio(ctx context.Context, cfg MinioConfig) (*Minio, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid object store config")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     cfg.credentials(),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "create object store client")
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.Wrapf(err, "check bucket %s", cfg.Bucket)
	}
	if !exists {
		return nil, errors.Newf("bucket %s does not exist", cfg.Bucket)
	}

	return NewMinioWithClient(client, cfg.Bucket, cfg.Prefix)
}

// NewMinioWithClient wraps an existing client.
func NewMinioWithClient(client *minio.Client, bucket, prefix string) (*Minio, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	return &Minio{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

// Location returns an s3 URL for the bucket and prefix.
func (m *Minio) Location() string {
	if m.prefix == "" {
		return "s3://" + m.bucket
	}
	return "s3://" + m.bucket + "/" + m.prefix
}

func (m *Minio) objectKey(p string) string {
	p = strings.TrimPrefix(p, "/")
	if m.prefix == "" {
		return p
	}
	return m.prefix + "/" + p
}

func (m *Minio) relative(key string) string {
	if m.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, m.prefix+"/")
}

// ReadBytes downloads the object at p.
func (m *Minio) ReadBytes(ctx context.Context, p string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, m.objectKey(p), minio.GetObjectOptions{})
	if err != nil {
		return nil, m.wrap(err, "read", p)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, m.wrap(err, "read", p)
	}
	return data, nil
}

// WriteBytes uploads data to p.
func (m *Minio) WriteBytes(ctx context.Context, p string, data []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, m.objectKey(p), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return m.wrap(err, "write", p)
	}
	return nil
}

// CreateExclusive uploads data with If-None-Match so only the first writer wins.
func (m *Minio) CreateExclusive(ctx context.Context, p string, data []byte) (bool, error) {
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	opts.SetMatchETagExcept("*")

	_, err := m.client.PutObject(ctx, m.bucket, m.objectKey(p), bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		if minio.ToErrorResponse(err).Code == codePreconditionFailed {
			return false, nil
		}
		return false, m.wrap(err, "create", p)
	}
	return true, nil
}

// Exists stats the object at p.
func (m *Minio) Exists(ctx context.Context, p string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, m.objectKey(p), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == codeNoSuchKey {
			return false, nil
		}
		return false, m.wrap(err, "stat", p)
	}
	return true, nil
}

// List yields object keys under prefix. Breaking out of the loop stops the
// underlying listing.
func (m *Minio) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		objects := m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
			Prefix:    m.objectKey(prefix),
			Recursive: true,
		})
		for obj := range objects {
			if obj.Err != nil {
				yield("", m.wrap(obj.Err, "list", prefix))
				return
			}
			if !yield(m.relative(obj.Key), nil) {
				return
			}
		}
	}
}

// Delete removes the object at p. S3 deletes are idempotent.
func (m *Minio) Delete(ctx context.Context, p string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, m.objectKey(p), minio.RemoveObjectOptions{}); err != nil {
		return m.wrap(err, "delete", p)
	}
	return nil
}

func (m *Minio) wrap(err error, op, p string) error {
	if minio.ToErrorResponse(err).Code == codeNoSuchKey {
		return errors.Wrapf(ErrNotFound, "%s s3://%s/%s", op, m.bucket, m.objectKey(p))
	}
	return errors.Wrapf(err, "%s s3://%s/%s", op, m.bucket, m.objectKey(p))
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
