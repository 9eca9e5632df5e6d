package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document is a decoded snapshot together with its id and update time.
type Document[T any] struct {
	ID         string
	Data       T
	UpdateTime time.Time
}

// QueryBuilder customises collection queries before execution.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection gives typed access to one collection path. Paths may address
// subcollections such as "letters/free/items".
type Collection[T any] struct {
	provider *Provider
	path     string
}

// NewCollection binds a typed collection to the provider.
func NewCollection[T any](provider *Provider, path string) *Collection[T] {
	return &Collection[T]{provider: provider, path: strings.Trim(strings.TrimSpace(path), "/")}
}

// Path returns the collection path.
func (c *Collection[T]) Path() string {
	return c.path
}

// Get fetches one document by id.
func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return decode[T](snap)
}

// List runs the query produced by build and decodes every document.
func (c *Collection[T]) List(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	coll, err := c.ref(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, WrapError(c.op("list"), err)
		}
		doc, err := decode[T](snap)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
}

// Set writes the value. With merge only the supplied fields are replaced.
func (c *Collection[T]) Set(ctx context.Context, id string, value any, merge bool) error {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	var opts []firestore.SetOption
	if merge {
		opts = append(opts, firestore.MergeAll)
	}
	if _, err := ref.Set(ctx, value, opts...); err != nil {
		return WrapError(c.op("set"), err)
	}
	return nil
}

// Delete removes the document. Deleting a missing document is not an error.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	ref, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return WrapError(c.op("delete"), err)
	}
	return nil
}

// Doc returns the document reference for id.
func (c *Collection[T]) Doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("doc"), errors.New("firestore: document id is required"))
	}
	coll, err := c.ref(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func (c *Collection[T]) ref(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, errors.New("firestore: provider is nil")
	}
	if c.path == "" {
		return nil, errors.New("firestore: collection path is required")
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	coll := client.Collection(c.path)
	if coll == nil {
		return nil, fmt.Errorf("firestore: invalid collection path %q", c.path)
	}
	return coll, nil
}

func (c *Collection[T]) op(action string) string {
	return c.path + "." + action
}

// Decode hydrates a snapshot obtained outside a Collection, e.g. inside a transaction.
func Decode[T any](snap *firestore.DocumentSnapshot) (Document[T], error) {
	return decode[T](snap)
}

func decode[T any](snap *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snap.DataTo(&data); err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode %s: %w", snap.Ref.Path, err)
	}
	return Document[T]{ID: snap.Ref.ID, Data: data, UpdateTime: snap.UpdateTime}, nil
}
