package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Signer signs URL payloads on behalf of a service account.
type Signer interface {
	// Email is used as the GoogleAccessID of signed URLs.
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// ServiceAccountSigner signs with a service account private key.
type ServiceAccountSigner struct {
	email string
	key   *rsa.PrivateKey
}

type serviceAccountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// LoadSigner accepts either the raw service account JSON or a path to it.
func LoadSigner(value string) (*ServiceAccountSigner, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("storage: signer key is empty")
	}
	if strings.HasPrefix(value, "{") {
		return NewServiceAccountSignerFromJSON([]byte(value))
	}
	contents, err := os.ReadFile(value)
	if err != nil {
		return nil, fmt.Errorf("storage: read service account file: %w", err)
	}
	return NewServiceAccountSignerFromJSON(contents)
}

// NewServiceAccountSignerFromJSON builds a signer from a service account JSON key.
func NewServiceAccountSignerFromJSON(data []byte) (*ServiceAccountSigner, error) {
	var key serviceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("storage: decode service account json: %w", err)
	}
	email := strings.TrimSpace(key.ClientEmail)
	if email == "" {
		return nil, errors.New("storage: client_email missing in service account JSON")
	}
	rsaKey, err := parseRSAPrivateKey(strings.TrimSpace(key.PrivateKey))
	if err != nil {
		return nil, err
	}
	return &ServiceAccountSigner{email: email, key: rsaKey}, nil
}

// Email returns the signer service account email.
func (s *ServiceAccountSigner) Email() string {
	if s == nil {
		return ""
	}
	return s.email
}

// SignBytes applies RSA SHA256 signing over the payload.
func (s *ServiceAccountSigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("storage: signer not initialised")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("storage: sign payload: %w", err)
	}
	return sig, nil
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("storage: failed to decode PEM private key")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("storage: private key is not RSA")
		}
		return rsaKey, nil
	}
	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("storage: parse RSA private key: %w", err)
	}
	return rsaKey, nil
}
