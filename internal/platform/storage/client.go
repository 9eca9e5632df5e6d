package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
)

const (
	defaultSignedURLExpiry = 15 * time.Minute
	maxSignedURLExpiry     = 7 * 24 * time.Hour
)

var (
	errNoSigner      = errors.New("storage: signer is required")
	errInvalidBucket = errors.New("storage: bucket name is required")
	errInvalidObject = errors.New("storage: object name is required")
	errExpiryTooLong = errors.New("storage: expiry exceeds permitted maximum")
)

// Client issues V4 signed download URLs for objects in one bucket. URLs are
// reused until half of their lifetime has passed.
type Client struct {
	signer Signer
	bucket string
	expiry time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]SignedURL
}

// ClientOption customises client behaviour.
type ClientOption func(*Client)

// WithExpiry sets the lifetime of issued URLs.
func WithExpiry(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.expiry = d
		}
	}
}

// WithClock injects a custom clock.
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

// NewClient constructs a signed URL client for bucket.
func NewClient(signer Signer, bucket string, opts ...ClientOption) (*Client, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	c := &Client{
		signer: signer,
		bucket: bucket,
		expiry: defaultSignedURLExpiry,
		now:    time.Now,
		cache:  make(map[string]SignedURL),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.expiry > maxSignedURLExpiry {
		return nil, errExpiryTooLong
	}
	return c, nil
}

// SignedURL is an issued download URL.
type SignedURL struct {
	URL       string
	ExpiresAt time.Time
	issuedAt  time.Time
}

// DownloadURL signs a GET URL for object. Objects may be given as a bare path
// or as gs://bucket/path for the configured bucket.
func (c *Client) DownloadURL(ctx context.Context, object string) (SignedURL, error) {
	if c == nil {
		return SignedURL{}, errNoSigner
	}
	object, err := c.objectName(object)
	if err != nil {
		return SignedURL{}, err
	}

	now := c.now()
	c.mu.Lock()
	if cached, ok := c.cache[object]; ok && now.Before(cached.issuedAt.Add(c.expiry/2)) {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	expires := now.Add(c.expiry)
	url, err := storage.SignedURL(c.bucket, object, &storage.SignedURLOptions{
		GoogleAccessID: c.signer.Email(),
		Method:         http.MethodGet,
		Expires:        expires,
		Scheme:         storage.SigningSchemeV4,
		SignBytes: func(payload []byte) ([]byte, error) {
			return c.signer.SignBytes(ctx, payload)
		},
	})
	if err != nil {
		return SignedURL{}, fmt.Errorf("storage: sign download url: %w", err)
	}

	signed := SignedURL{URL: url, ExpiresAt: expires, issuedAt: now}
	c.mu.Lock()
	c.cache[object] = signed
	c.mu.Unlock()
	return signed, nil
}

func (c *Client) objectName(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if rest, ok := strings.CutPrefix(ref, "gs://"); ok {
		bucket, object, _ := strings.Cut(rest, "/")
		if bucket != c.bucket {
			return "", fmt.Errorf("storage: object %q is outside bucket %s", ref, c.bucket)
		}
		ref = object
	}
	ref = strings.TrimPrefix(ref, "/")
	if ref == "" {
		return "", errInvalidObject
	}
	return ref, nil
}

// IsObjectReference reports whether ref names a bucket object rather than an absolute URL.
func IsObjectReference(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return false
	}
	lower := strings.ToLower(ref)
	return !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://")
}
