package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/shishu/api/internal/platform/firestore"
	"github.com/shishu/api/internal/repositories"
)

const usageValuesField = "values"

var _ repositories.UsageStore = (*UsageStore)(nil)

// UsageStore keeps each visitor's usage keys in a map field of one document.
// Writes merge single keys so concurrent instances resolve last-writer-wins.
type UsageStore struct {
	coll *pfirestore.Collection[usageDocument]
	now  func() time.Time
}

// NewUsageStore constructs the store over the named collection.
func NewUsageStore(provider *pfirestore.Provider, collection string, clock func() time.Time) (*UsageStore, error) {
	if provider == nil {
		return nil, errors.New("usage store requires firestore provider")
	}
	if strings.TrimSpace(collection) == "" {
		return nil, errors.New("usage store requires a collection name")
	}
	if clock == nil {
		clock = time.Now
	}
	return &UsageStore{coll: pfirestore.NewCollection[usageDocument](provider, collection), now: clock}, nil
}

// Load returns the stored keys, or an empty map for an unknown visitor.
func (s *UsageStore) Load(ctx context.Context, visitorID string) (map[string]string, error) {
	doc, err := s.coll.Get(ctx, visitorID)
	if err != nil {
		if pfirestore.IsNotFound(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	out := make(map[string]string, len(doc.Data.Values))
	for k, v := range doc.Data.Values {
		out[k] = v
	}
	return out, nil
}

// Set merges the keys into the visitor document.
func (s *UsageStore) Set(ctx context.Context, visitorID string, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	return s.coll.Set(ctx, visitorID, map[string]any{
		usageValuesField: values,
		"updatedAt":      s.now().UTC(),
	}, true)
}

// Delete removes keys from the visitor document. A missing document is not an error.
func (s *UsageStore) Delete(ctx context.Context, visitorID string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ref, err := s.coll.Doc(ctx, visitorID)
	if err != nil {
		return err
	}
	updates := make([]firestore.Update, 0, len(keys)+1)
	for _, key := range keys {
		updates = append(updates, firestore.Update{FieldPath: firestore.FieldPath{usageValuesField, key}, Value: firestore.Delete})
	}
	updates = append(updates, firestore.Update{Path: "updatedAt", Value: s.now().UTC()})
	if _, err := ref.Update(ctx, updates); err != nil {
		wrapped := pfirestore.WrapError(s.coll.Path()+".delete", err)
		if pfirestore.IsNotFound(wrapped) {
			return nil
		}
		return wrapped
	}
	return nil
}

type usageDocument struct {
	Values    map[string]string `firestore:"values"`
	UpdatedAt time.Time         `firestore:"updatedAt"`
}
