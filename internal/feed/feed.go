// Package feed keeps the index in step with a resource change feed on
// Kafka. Each record carries one resource version; the record key is the
// resource reference "Type/id" and the "operation" header selects between
// indexing and unindexing.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/fhirindex/internal/index"
	"github.com/ehr/fhirindex/internal/model"
)

// Record header names.
const (
	HeaderOperation = "operation"
	HeaderVersion   = "version"
)

// Operations.
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// Applier applies changes to the index. *harvest.Indexer satisfies it.
type Applier interface {
	Index(ctx context.Context, res model.Resource, key index.Key) error
	Unindex(ctx context.Context, key index.Key) error
}

// Change is a decoded feed record.
type Change struct {
	Op       string
	Key      index.Key
	Resource model.Resource
}

// Decode turns a record into a change. base is this server's base URL.
func Decode(rec *kgo.Record, base string) (Change, error) {
	op := OpUpsert
	var version string
	for _, h := range rec.Headers {
		switch h.Key {
		case HeaderOperation:
			op = string(h.Value)
		case HeaderVersion:
			version = string(h.Value)
		}
	}

	var (
		res model.Resource
		err error
	)
	switch op {
	case OpUpsert:
		res, err = model.DecodeResource(rec.Value)
		if err != nil {
			return Change{}, err
		}
	case OpDelete:
	default:
		return Change{}, fmt.Errorf("unknown operation %q", op)
	}

	ref := string(rec.Key)
	if ref == "" && res != nil {
		ref = res.Type() + "/" + res.ID()
	}
	typeName, id, err := index.ParseReference(ref)
	if err != nil {
		return Change{}, fmt.Errorf("record key: %w", err)
	}
	if res != nil {
		if res.Type() != typeName {
			return Change{}, fmt.Errorf("record key %s does not match resourceType %s", ref, res.Type())
		}
		if version == "" {
			version = res.VersionID()
		}
	}
	return Change{
		Op:       op,
		Resource: res,
		Key:      index.Key{Base: base, TypeName: typeName, ResourceID: id, VersionID: version},
	}, nil
}

// Config holds consumer settings.
type Config struct {
	Brokers []string
	Topic   string
	Group   string
	// BaseURL is used to build self links of indexed resources.
	BaseURL string
}

// Consumer reads the change feed and applies it to the index. Offsets are
// committed only after a record was applied. A record that cannot be
// decoded is logged and skipped so it cannot block the partition.
type Consumer struct {
	client  *kgo.Client
	applier Applier
	base    string
	logger  zerolog.Logger
	tracer  trace.Tracer
}

// NewConsumer creates a group consumer for cfg.Topic.
func NewConsumer(cfg Config, applier Applier, logger zerolog.Logger) (*Consumer, error) {
	if applier == nil {
		return nil, errors.New("feed: applier is required")
	}
	c := &Consumer{applier: applier, base: cfg.BaseURL, logger: logger, tracer: otel.Tracer("fhirindex/feed")}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info().Interface("partitions", assigned).Msg("partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info().Interface("partitions", revoked).Msg("partitions revoked")
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn().Err(err).Msg("commit on revoke failed")
			}
		}),
		kgo.BlockRebalanceOnPoll(),
		kgo.AutoCommitMarks(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	c.client = client
	return c, nil
}

// Run consumes until ctx is done. A record that cannot be applied stops the
// consumer with an error; it is redelivered once the consumer restarts.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.close()
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			c.client.AllowRebalance()
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("fetch error")
		})
		for iter := fetches.RecordIter(); !iter.Done(); {
			rec := iter.Next()
			if err := c.Handle(ctx, rec); err != nil {
				c.client.AllowRebalance()
				return fmt.Errorf("feed %s/%d@%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
			}
			c.client.MarkCommitRecords(rec)
		}
		c.client.AllowRebalance()
	}
}

func (c *Consumer) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("error committing offsets on stop")
	}
	c.client.Close()
}

// Handle applies one record. Undecodable records are skipped without error.
func (c *Consumer) Handle(ctx context.Context, rec *kgo.Record) error {
	return handle(ctx, rec, c.applier, c.base, c.tracer, c.logger)
}

func handle(ctx context.Context, rec *kgo.Record, applier Applier, base string, tracer trace.Tracer, logger zerolog.Logger) error {
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(rec.Headers))
	ctx, span := tracer.Start(ctx, "feed.Handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", rec.Topic),
			attribute.Int64("messaging.kafka.partition", int64(rec.Partition)),
			attribute.Int64("messaging.kafka.offset", rec.Offset),
		))
	defer span.End()

	change, err := Decode(rec, base)
	if err != nil {
		logger.Warn().Err(err).
			Str("topic", rec.Topic).
			Int32("partition", rec.Partition).
			Int64("offset", rec.Offset).
			Msg("skipping undecodable record")
		span.RecordError(err)
		return nil
	}
	span.SetAttributes(attribute.String("fhir.reference", change.Key.Reference()))

	switch change.Op {
	case OpDelete:
		err = applier.Unindex(ctx, change.Key)
	default:
		err = applier.Index(ctx, change.Resource, change.Key)
	}
	if err != nil {
		logger.Error().Err(err).
			Str("key", change.Key.InternalID()).
			Int64("offset", rec.Offset).
			Msg("applying change failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// headerCarrier adapts record headers to the propagation API.
type headerCarrier []kgo.RecordHeader

var _ propagation.TextMapCarrier = headerCarrier(nil)

func (h headerCarrier) Get(key string) string {
	for _, hd := range h {
		if hd.Key == key {
			return string(hd.Value)
		}
	}
	return ""
}

// Set is a no-op; the consumer only extracts.
func (h headerCarrier) Set(string, string) {}

func (h headerCarrier) Keys() []string {
	keys := make([]string, len(h))
	for i, hd := range h {
		keys[i] = hd.Key
	}
	return keys
}
