package feed

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ehr/fhirindex/internal/index"
	"github.com/ehr/fhirindex/internal/model"
)

const base = "http://fhir.example.org/fhir"

func record(key, value string, headers ...string) *kgo.Record {
	rec := &kgo.Record{Topic: "fhir.resources", Key: []byte(key), Value: []byte(value)}
	for i := 0; i+1 < len(headers); i += 2 {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: headers[i], Value: []byte(headers[i+1])})
	}
	return rec
}

func TestDecodeUpsert(t *testing.T) {
	rec := record("Patient/p1", `{"resourceType":"Patient","id":"p1","meta":{"versionId":"3"}}`)
	change, err := Decode(rec, base)
	require.NoError(t, err)
	assert.Equal(t, OpUpsert, change.Op)
	assert.Equal(t, "Patient", change.Resource.Type())
	assert.Equal(t, index.Key{Base: base, TypeName: "Patient", ResourceID: "p1", VersionID: "3"}, change.Key)
}

func TestDecodeVersionHeaderWins(t *testing.T) {
	rec := record("Patient/p1", `{"resourceType":"Patient","id":"p1","meta":{"versionId":"3"}}`, HeaderVersion, "7")
	change, err := Decode(rec, base)
	require.NoError(t, err)
	assert.Equal(t, "7", change.Key.VersionID)
}

func TestDecodeKeyFromResource(t *testing.T) {
	change, err := Decode(record("", `{"resourceType":"Observation","id":"o1"}`), base)
	require.NoError(t, err)
	assert.Equal(t, "Observation/o1", change.Key.Reference())
}

func TestDecodeDelete(t *testing.T) {
	change, err := Decode(record("Patient/p1", "", HeaderOperation, OpDelete), base)
	require.NoError(t, err)
	assert.Equal(t, OpDelete, change.Op)
	assert.Nil(t, change.Resource)
	assert.Equal(t, "Patient/p1", change.Key.Reference())
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		rec  *kgo.Record
	}{
		{"bad json", record("Patient/p1", `{`)},
		{"no resource type", record("Patient/p1", `{"id":"p1"}`)},
		{"type mismatch", record("Patient/p1", `{"resourceType":"Observation","id":"p1"}`)},
		{"bad key", record("p1", `{"resourceType":"Patient","id":"p1"}`)},
		{"delete without key", record("", "", HeaderOperation, OpDelete)},
		{"unknown operation", record("Patient/p1", "", HeaderOperation, "merge")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.rec, base)
			assert.Error(t, err)
		})
	}
}

type fakeApplier struct {
	indexed   []index.Key
	unindexed []index.Key
	err       error
}

func (f *fakeApplier) Index(_ context.Context, _ model.Resource, key index.Key) error {
	if f.err != nil {
		return f.err
	}
	f.indexed = append(f.indexed, key)
	return nil
}

func (f *fakeApplier) Unindex(_ context.Context, key index.Key) error {
	if f.err != nil {
		return f.err
	}
	f.unindexed = append(f.unindexed, key)
	return nil
}

func TestHandle(t *testing.T) {
	ctx := context.Background()
	tracer := noop.NewTracerProvider().Tracer("test")
	app := &fakeApplier{}

	require.NoError(t, handle(ctx, record("Patient/p1", `{"resourceType":"Patient","id":"p1"}`), app, base, tracer, zerolog.Nop()))
	require.NoError(t, handle(ctx, record("Patient/p2", "", HeaderOperation, OpDelete), app, base, tracer, zerolog.Nop()))
	require.NoError(t, handle(ctx, record("Patient/p3", `not json`), app, base, tracer, zerolog.Nop()), "undecodable records are skipped")

	require.Len(t, app.indexed, 1)
	assert.Equal(t, "Patient/p1", app.indexed[0].Reference())
	require.Len(t, app.unindexed, 1)
	assert.Equal(t, "Patient/p2", app.unindexed[0].Reference())
}

func TestHandleReportsApplyFailure(t *testing.T) {
	boom := errors.New("store down")
	app := &fakeApplier{err: boom}
	err := handle(context.Background(), record("Patient/p1", `{"resourceType":"Patient","id":"p1"}`), app,
		base, noop.NewTracerProvider().Tracer("test"), zerolog.Nop())
	assert.ErrorIs(t, err, boom)
}

func TestHeaderCarrier(t *testing.T) {
	c := headerCarrier{{Key: "traceparent", Value: []byte("00-abc-def-01")}, {Key: "operation", Value: []byte("delete")}}
	assert.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	assert.Equal(t, "", c.Get("tracestate"))
	assert.Equal(t, []string{"traceparent", "operation"}, c.Keys())
}
