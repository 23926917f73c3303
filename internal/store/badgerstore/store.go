// Package badgerstore is an embedded index.Store backed by BadgerDB.
// Filters are evaluated in process with index.Match; a per-type key index
// narrows the scan when a filter names its resource type.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirindex/internal/index"
)

const (
	docPrefix  = "doc:"
	typePrefix = "type:"
)

func docKey(id string) []byte { return []byte(docPrefix + id) }

func typeKey(resourceType, id string) []byte {
	return []byte(typePrefix + resourceType + ":" + id)
}

// Store implements index.Store.
type Store struct {
	db     *badger.DB
	logger zerolog.Logger
	// visit, when set, sees the id of every document a scan decodes.
	visit func(id string)
}

var _ index.Store = (*Store)(nil)

type badgerLogger struct {
	logger zerolog.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, items ...any)   { l.logger.Error().Msgf(msg, items...) }
func (l *badgerLogger) Warningf(msg string, items ...any) { l.logger.Warn().Msgf(msg, items...) }
func (l *badgerLogger) Infof(msg string, items ...any)    { l.logger.Debug().Msgf(msg, items...) }
func (l *badgerLogger) Debugf(msg string, items ...any)   { l.logger.Trace().Msgf(msg, items...) }

// Open opens a store in dir, creating it if needed. With inMemory set the
// directory is ignored and nothing is persisted.
func Open(dir string, inMemory bool, logger zerolog.Logger) (*Store, error) {
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		info, err := os.Stat(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		} else if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", dir)
		}
		opts = badger.DefaultOptions(dir)
	}
	logger = logger.With().Str("component", "badgerstore").Logger()
	opts.Logger = &badgerLogger{logger: logger}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// OpenMemory opens an in-memory store, mainly for tests.
func OpenMemory() (*Store, error) {
	return Open("", true, zerolog.Nop())
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is open.
func (s *Store) Ping(ctx context.Context) error {
	return s.checkOpen(ctx)
}

func (s *Store) checkOpen(ctx context.Context) error {
	if s.db.IsClosed() {
		return index.ErrClosed
	}
	return ctx.Err()
}

// writer wraps a read-write transaction that commits and restarts when it
// grows too large.
type writer struct {
	db  *badger.DB
	txn *badger.Txn
}

func (w *writer) do(fn func(txn *badger.Txn) error) error {
	err := fn(w.txn)
	if !errors.Is(err, badger.ErrTxnTooBig) {
		return err
	}
	if err := w.txn.Commit(); err != nil {
		return err
	}
	w.txn = w.db.NewTransaction(true)
	return fn(w.txn)
}

func (s *Store) update(fn func(w *writer) error) error {
	w := &writer{db: s.db, txn: s.db.NewTransaction(true)}
	defer func() { w.txn.Discard() }()
	if err := fn(w); err != nil {
		return err
	}
	return w.txn.Commit()
}

// Put writes docs keyed by internal id.
func (s *Store) Put(ctx context.Context, docs ...index.Document) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	return s.update(func(w *writer) error {
		for _, doc := range docs {
			id := doc.ID()
			if id == "" {
				return errors.New("put: document without internal id")
			}
			data, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("put %s: %w", id, err)
			}
			err = w.do(func(txn *badger.Txn) error {
				if old, err := readDoc(txn, docKey(id)); err == nil && old.String(index.FieldResource) != doc.String(index.FieldResource) {
					if err := txn.Delete(typeKey(old.String(index.FieldResource), id)); err != nil {
						return err
					}
				}
				if err := txn.Set(docKey(id), data); err != nil {
					return err
				}
				return txn.Set(typeKey(doc.String(index.FieldResource), id), []byte{})
			})
			if err != nil {
				return fmt.Errorf("put %s: %w", id, err)
			}
		}
		return nil
	})
}

func readDoc(txn *badger.Txn, key []byte) (index.Document, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var doc index.Document
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &doc)
	})
	return doc, err
}

// scan calls fn for every document that may match filter. Filters on the
// internal id seek the matching doc keys; filters naming a resource type
// walk that type's key index; anything else walks every document.
func (s *Store) scan(ctx context.Context, txn *badger.Txn, filter index.Predicate, fn func(index.Document) error) error {
	if prefixes, ok := filter.IDPrefixes(); ok {
		for _, p := range prefixes {
			if err := s.scanPrefix(ctx, txn, []byte(docPrefix+p), false, filter, fn); err != nil {
				return err
			}
		}
		return nil
	}
	if rt, ok := filter.ResourceType(); ok {
		return s.scanPrefix(ctx, txn, []byte(typePrefix+rt+":"), true, filter, fn)
	}
	return s.scanPrefix(ctx, txn, []byte(docPrefix), false, filter, fn)
}

// scanPrefix iterates keys under prefix. With byType set the keys are type
// index entries and the document is looked up by the id they carry.
func (s *Store) scanPrefix(ctx context.Context, txn *badger.Txn, prefix []byte, byType bool, filter index.Predicate, fn func(index.Document) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = !byType
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var (
			doc index.Document
			err error
		)
		if byType {
			id := string(it.Item().Key()[len(prefix):])
			doc, err = readDoc(txn, docKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
		} else {
			err = it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &doc)
			})
		}
		if err != nil {
			return err
		}
		if s.visit != nil {
			s.visit(doc.ID())
		}
		if index.Match(doc, filter) {
			if err := fn(doc); err != nil {
				return err
			}
		}
	}
	return nil
}

// Find returns matching documents in sort order.
func (s *Store) Find(ctx context.Context, q index.Query) ([]index.Document, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}
	var docs []index.Document
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scan(ctx, txn, q.Filter, func(doc index.Document) error {
			docs = append(docs, doc)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	index.SortDocuments(docs, q.Sort)
	return index.Page(docs, q.Offset, q.Limit), nil
}

// Count returns the number of matching documents.
func (s *Store) Count(ctx context.Context, filter index.Predicate) (int, error) {
	if err := s.checkOpen(ctx); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scan(ctx, txn, filter, func(index.Document) error {
			n++
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// Delete removes matching documents.
func (s *Store) Delete(ctx context.Context, filter index.Predicate) (int, error) {
	if err := s.checkOpen(ctx); err != nil {
		return 0, err
	}
	var victims []index.Document
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scan(ctx, txn, filter, func(doc index.Document) error {
			victims = append(victims, doc)
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	if len(victims) == 0 {
		return 0, nil
	}
	err = s.update(func(w *writer) error {
		for _, doc := range victims {
			id := doc.ID()
			err := w.do(func(txn *badger.Txn) error {
				if err := txn.Delete(docKey(id)); err != nil {
					return err
				}
				return txn.Delete(typeKey(doc.String(index.FieldResource), id))
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	return len(victims), nil
}

// Clean drops every document.
func (s *Store) Clean(ctx context.Context) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	return s.db.DropAll()
}
