package storage

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Default object store settings for s3:// URLs without query parameters.
const (
	defaultS3Endpoint = "s3.amazonaws.com"
	defaultS3Region   = "us-east-1"
)

// Credentials are explicit object store credentials. Zero values defer to the
// ambient credential chain.
type Credentials struct {
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// Opener builds a backend for a parsed location URL.
type Opener func(ctx context.Context, u *url.URL, creds Credentials) (Backend, error)

// Registry maps URL schemes to backend openers.
type Registry struct {
	mu      sync.RWMutex
	openers map[string]Opener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		openers: make(map[string]Opener),
	}
}

// DefaultRegistry returns a registry with the file and s3 schemes.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("file", openLocal)
	r.Register("s3", openMinio)
	return r
}

// Register adds an opener for scheme, replacing any previous one.
func (r *Registry) Register(scheme string, o Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[strings.ToLower(scheme)] = o
}

// Schemes returns the registered schemes, sorted.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemes := make([]string, 0, len(r.openers))
	for s := range r.openers {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

// Open parses location and builds the matching backend. A location without
// a scheme is a local directory.
func (r *Registry) Open(ctx context.Context, location string, creds Credentials) (Backend, error) {
	if location == "" {
		return nil, errors.New("storage location is required")
	}

	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Bare paths, including Windows drive letters, are local.
		u = &url.URL{Scheme: "file", Path: location}
	}

	r.mu.RLock()
	o, ok := r.openers[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf("no storage backend registered for scheme %q", u.Scheme)
	}
	return o(ctx, u, creds)
}

// Open resolves location with the default registry.
func Open(ctx context.Context, location string, creds Credentials) (Backend, error) {
	return DefaultRegistry().Open(ctx, location, creds)
}

func openLocal(_ context.Context, u *url.URL, _ Credentials) (Backend, error) {
	p := u.Path
	if u.Host != "" && u.Host != "localhost" {
		p = u.Host + p
	}
	if p == "" {
		return nil, errors.New("local storage path is required")
	}
	return NewLocal(p)
}

// openMinio handles s3://bucket/prefix?endpoint=host:port&region=r&ssl=true.
func openMinio(ctx context.Context, u *url.URL, creds Credentials) (Backend, error) {
	q := u.Query()
	cfg := MinioConfig{
		Endpoint:     q.Get("endpoint"),
		Region:       q.Get("region"),
		Bucket:       u.Host,
		Prefix:       strings.Trim(u.Path, "/"),
		UseSSL:       true,
		AccessKey:    creds.AccessKey,
		SecretKey:    creds.SecretKey,
		SessionToken: creds.SessionToken,
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultS3Endpoint
	}
	if cfg.Region == "" {
		cfg.Region = defaultS3Region
	}
	if v := q.Get("ssl"); v != "" {
		ssl, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.Wrapf(err, "parse ssl flag %q", v)
		}
		cfg.UseSSL = ssl
	}
	return NewMinio(ctx, cfg)
}
