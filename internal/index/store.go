package index

import (
	"context"
	"errors"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("index store closed")

// Query selects, orders and pages documents.
type Query struct {
	Filter Predicate
	Sort   []Sort
	Offset int
	Limit  int
}

// Store persists index documents.
type Store interface {
	// Put writes documents keyed by their internal id, replacing any
	// existing document with the same id.
	Put(ctx context.Context, docs ...Document) error
	// Delete removes every document matching filter and reports how many
	// were removed.
	Delete(ctx context.Context, filter Predicate) (int, error)
	// Find returns documents matching q. A zero Limit means no limit.
	Find(ctx context.Context, q Query) ([]Document, error)
	// Count returns the number of documents matching filter.
	Count(ctx context.Context, filter Predicate) (int, error)
	// Clean removes every document.
	Clean(ctx context.Context) error
	Close() error
}

// Page applies offset and limit to an already ordered slice.
func Page(docs []Document, offset, limit int) []Document {
	if offset >= len(docs) {
		return nil
	}
	if offset > 0 {
		docs = docs[offset:]
	}
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}
