package storage

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeSigner struct {
	email string
	calls int
	err   error
}

func (f *fakeSigner) Email() string {
	return f.email
}

func (f *fakeSigner) SignBytes(_ context.Context, payload []byte) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []byte("signed"), nil
}

func TestDownloadURLSignsAndCaches(t *testing.T) {
	signer := &fakeSigner{email: "images@shishu.iam.gserviceaccount.com"}
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	client, err := NewClient(signer, "shishu-affirmations", WithExpiry(10*time.Minute), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	res, err := client.DownloadURL(context.Background(), "gs://shishu-affirmations/moods/calm/1.jpg")
	if err != nil {
		t.Fatalf("DownloadURL: %v", err)
	}
	if !res.ExpiresAt.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", res.ExpiresAt)
	}
	parsed, err := url.Parse(res.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if !strings.Contains(parsed.Path, "moods/calm/1.jpg") {
		t.Fatalf("expected object path in url, got %s", parsed.Path)
	}
	if parsed.Query().Get("X-Goog-Signature") == "" {
		t.Fatalf("expected signature in query: %s", parsed.RawQuery)
	}

	now = now.Add(4 * time.Minute)
	again, err := client.DownloadURL(context.Background(), "moods/calm/1.jpg")
	if err != nil {
		t.Fatalf("DownloadURL cached: %v", err)
	}
	if again.URL != res.URL || signer.calls != 1 {
		t.Fatalf("expected cached url, signer calls %d", signer.calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := client.DownloadURL(context.Background(), "moods/calm/1.jpg"); err != nil {
		t.Fatalf("DownloadURL refresh: %v", err)
	}
	if signer.calls != 2 {
		t.Fatalf("expected re-sign after half lifetime, got %d calls", signer.calls)
	}
}

func TestDownloadURLErrors(t *testing.T) {
	if _, err := NewClient(&fakeSigner{}, "bucket"); !errors.Is(err, errNoSigner) {
		t.Fatalf("expected errNoSigner, got %v", err)
	}
	if _, err := NewClient(&fakeSigner{email: "a@b"}, " "); !errors.Is(err, errInvalidBucket) {
		t.Fatalf("expected errInvalidBucket, got %v", err)
	}
	if _, err := NewClient(&fakeSigner{email: "a@b"}, "bucket", WithExpiry(8*24*time.Hour)); !errors.Is(err, errExpiryTooLong) {
		t.Fatalf("expected errExpiryTooLong, got %v", err)
	}

	signer := &fakeSigner{email: "a@b", err: errors.New("kms down")}
	client, err := NewClient(signer, "bucket")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.DownloadURL(context.Background(), ""); !errors.Is(err, errInvalidObject) {
		t.Fatalf("expected errInvalidObject, got %v", err)
	}
	if _, err := client.DownloadURL(context.Background(), "gs://other/x.jpg"); err == nil {
		t.Fatal("expected error for foreign bucket")
	}
	if _, err := client.DownloadURL(context.Background(), "x.jpg"); err == nil {
		t.Fatal("expected signer error")
	}
}

func TestIsObjectReference(t *testing.T) {
	cases := map[string]bool{
		"moods/calm/1.jpg":              true,
		"gs://bucket/a.jpg":             true,
		"https://cdn.example.com/a.jpg": false,
		"HTTP://cdn.example.com/a.jpg":  false,
		"":                              false,
	}
	for ref, want := range cases {
		if got := IsObjectReference(ref); got != want {
			t.Fatalf("%q: expected %v, got %v", ref, want, got)
		}
	}
}

func TestLoadSigner(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	raw, _ := json.Marshal(map[string]string{
		"client_email": "images@shishu.iam.gserviceaccount.com",
		"private_key":  string(pemKey),
	})

	inline, err := LoadSigner(string(raw))
	if err != nil {
		t.Fatalf("LoadSigner inline: %v", err)
	}
	if inline.Email() != "images@shishu.iam.gserviceaccount.com" {
		t.Fatalf("unexpected email %s", inline.Email())
	}
	sig, err := inline.SignBytes(context.Background(), []byte("payload"))
	if err != nil || len(sig) == 0 {
		t.Fatalf("SignBytes: %v", err)
	}

	path := filepath.Join(t.TempDir(), "sa.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if _, err := LoadSigner(path); err != nil {
		t.Fatalf("LoadSigner file: %v", err)
	}

	if _, err := LoadSigner(`{"client_email":"x@y","private_key":"nope"}`); err == nil {
		t.Fatal("expected PEM error")
	}
}
