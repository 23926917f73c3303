package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirindex/internal/index"
	"github.com/ehr/fhirindex/internal/model"
)

// Observer receives indexing outcomes, typically for metrics.
type Observer interface {
	IndexOperation(op string, err error)
}

type nopObserver struct{}

func (nopObserver) IndexOperation(string, error) {}

// Indexer writes harvested documents to a store. Writes for a key replace
// any documents previously written for it, so re-indexing is idempotent.
type Indexer struct {
	mu        sync.Mutex
	store     index.Store
	harvester *Harvester
	logger    zerolog.Logger
	observer  Observer
}

// NewIndexer creates an Indexer. A nil observer is allowed.
func NewIndexer(store index.Store, h *Harvester, logger zerolog.Logger, observer Observer) *Indexer {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Indexer{store: store, harvester: h, logger: logger, observer: observer}
}

// Index harvests res and stores its documents under key.
func (ix *Indexer) Index(ctx context.Context, res model.Resource, key index.Key) error {
	docs, err := ix.harvester.Harvest(res, key)
	if err != nil {
		ix.observer.IndexOperation("index", err)
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, err := ix.store.Delete(ctx, index.KeyFilter(key)); err != nil {
		ix.observer.IndexOperation("index", err)
		return fmt.Errorf("index %s: %w", key.InternalID(), err)
	}
	if err := ix.store.Put(ctx, docs...); err != nil {
		ix.observer.IndexOperation("index", err)
		return fmt.Errorf("index %s: %w", key.InternalID(), err)
	}
	ix.observer.IndexOperation("index", nil)
	ix.logger.Debug().Str("key", key.InternalID()).Int("documents", len(docs)).Msg("indexed resource")
	return nil
}

// Unindex removes every document of the resource identified by key.
func (ix *Indexer) Unindex(ctx context.Context, key index.Key) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n, err := ix.store.Delete(ctx, index.KeyFilter(key))
	ix.observer.IndexOperation("unindex", err)
	if err != nil {
		return fmt.Errorf("unindex %s: %w", key.Reference(), err)
	}
	ix.logger.Debug().Str("key", key.Reference()).Int("documents", n).Msg("unindexed resource")
	return nil
}

// Clean empties the store.
func (ix *Indexer) Clean(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	err := ix.store.Clean(ctx)
	ix.observer.IndexOperation("clean", err)
	return err
}

// Entry is one resource to index in bulk.
type Entry struct {
	Resource model.Resource
	Key      index.Key
}

// Reindex indexes entries concurrently using a worker pool of the given
// size. It returns the number of entries indexed and every failure joined.
func (ix *Indexer) Reindex(ctx context.Context, entries <-chan Entry, workers int) (int, error) {
	if workers < 1 {
		workers = 1
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		errs    []error
		indexed int
	)
	pool, err := ants.NewPool(workers)
	if err != nil {
		return 0, fmt.Errorf("reindex: create pool: %w", err)
	}
	defer pool.Release()

	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			return
		}
		indexed++
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case e, ok := <-entries:
			if !ok {
				break loop
			}
			wg.Add(1)
			err := pool.Submit(func() {
				defer wg.Done()
				record(ix.Index(ctx, e.Resource, e.Key))
			})
			if err != nil {
				wg.Done()
				record(fmt.Errorf("reindex %s: %w", e.Key.InternalID(), err))
			}
		}
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return indexed, errors.Join(errs...)
}
