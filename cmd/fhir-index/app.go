package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirindex/internal/catalog"
	"github.com/ehr/fhirindex/internal/config"
	"github.com/ehr/fhirindex/internal/harvest"
	"github.com/ehr/fhirindex/internal/index"
	"github.com/ehr/fhirindex/internal/model"
	"github.com/ehr/fhirindex/internal/platform/db"
	"github.com/ehr/fhirindex/internal/platform/telemetry"
	"github.com/ehr/fhirindex/internal/search"
	"github.com/ehr/fhirindex/internal/store/badgerstore"
	"github.com/ehr/fhirindex/internal/store/breaker"
	"github.com/ehr/fhirindex/internal/store/pgstore"
)

const serviceName = "fhir-index"

// version is set at build time.
var version = "dev"

// app holds the components every command shares.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	catalog  *catalog.Catalog
	store    index.Store
	health   db.Pinger
	indexer  *harvest.Indexer
	searcher *search.Searcher
	metrics  *telemetry.Metrics
	tracing  *telemetry.Provider
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Str("service", serviceName).Logger()
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, newLogger(cfg), nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, metrics: telemetry.NewMetrics()}

	a.tracing, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	a.catalog, err = loadCatalog(cfg.SearchParametersFile)
	if err != nil {
		return nil, err
	}

	raw, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store, a.health = raw, raw
	if cfg.BreakerEnabled {
		bcfg := breaker.DefaultConfig("index-store")
		bcfg.Timeout = cfg.BreakerTimeout
		a.store = breaker.New(raw, bcfg, logger, a.metrics)
	}

	h := harvest.New(a.catalog, model.Default(), logger, harvest.WithBaseURL(cfg.BaseURL))
	if skipped := h.Skipped(); len(skipped) > 0 {
		logger.Debug().Strs("params", skipped).Msg("search parameters without harvestable paths")
	}
	a.indexer = harvest.NewIndexer(a.store, h, logger, a.metrics)
	a.searcher = search.NewSearcher(a.store, a.catalog,
		search.WithBaseURL(cfg.BaseURL),
		search.WithLogger(logger),
		search.WithObserver(a.metrics),
		search.WithTracer(a.tracing.Tracer("fhirindex/search")),
		search.WithPageSize(cfg.PageSize),
	)
	return a, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("closing store")
	}
	if err := a.tracing.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("flushing spans")
	}
}

func (a *app) tracingMiddleware() echo.MiddlewareFunc {
	return telemetry.TracingMiddleware(a.tracing.Tracer("fhirindex/http"))
}

// loadCatalog returns the built-in catalog, extended with the
// SearchParameter Bundle at path when one is configured.
func loadCatalog(path string) (*catalog.Catalog, error) {
	cat := catalog.Default()
	if path == "" {
		return cat, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open search parameters: %w", err)
	}
	defer f.Close()
	defs, err := catalog.LoadBundle(f)
	if err != nil {
		return nil, err
	}
	return cat.Merge(defs...)
}

func openPostgres(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pgstore.Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	return pgstore.New(pool, cfg.DatabaseSchema, logger), nil
}

type backend interface {
	index.Store
	db.Pinger
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (backend, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		s, err := openPostgres(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		logger.Info().Str("schema", cfg.DatabaseSchema).Msg("connected to database")
		return s, nil
	default:
		s, err := badgerstore.Open(cfg.BadgerDir, cfg.BadgerInMemory, logger)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("dir", cfg.BadgerDir).Bool("in_memory", cfg.BadgerInMemory).Msg("opened badger index")
		return s, nil
	}
}

// maxLine bounds one NDJSON line.
const maxLine = 64 << 20

// readNDJSON streams the resources of r as index entries. The error channel
// yields one value, nil or the first malformed line, once r is exhausted.
func readNDJSON(ctx context.Context, r io.Reader, base string) (<-chan harvest.Entry, <-chan error) {
	entries := make(chan harvest.Entry)
	errc := make(chan error, 1)
	go func() {
		defer close(entries)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 1<<20), maxLine)
		line := 0
		for sc.Scan() {
			line++
			text := strings.TrimSpace(sc.Text())
			if text == "" {
				continue
			}
			res, err := model.DecodeResource([]byte(text))
			if err != nil {
				errc <- fmt.Errorf("line %d: %w", line, err)
				return
			}
			if res.ID() == "" {
				errc <- fmt.Errorf("line %d: %s without id", line, res.Type())
				return
			}
			e := harvest.Entry{
				Resource: res,
				Key: index.Key{
					Base:       base,
					TypeName:   res.Type(),
					ResourceID: res.ID(),
					VersionID:  res.VersionID(),
				},
			}
			select {
			case entries <- e:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		errc <- sc.Err()
	}()
	return entries, errc
}
