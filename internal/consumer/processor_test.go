package consumer

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func framed(schemaID int, payload string) []byte {
	value := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(value[1:5], uint32(schemaID))
	copy(value[5:], payload)
	return value
}

func record(offset int64, value []byte, headers ...kafka.Header) kafka.Message {
	return kafka.Message{
		Topic:     "activity_synced",
		Partition: 0,
		Offset:    offset,
		Time:      time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC),
		Value:     value,
		Headers:   headers,
	}
}

var upsertHeaders = []kafka.Header{
	{Key: "event_type", Value: []byte("activity.upserted")},
	{Key: "owner_id", Value: []byte("owner-1")},
	{Key: "schema_subject", Value: []byte("activity_synced-value")},
}

func quietProcessor(reader Reader, handler Handler) *Processor {
	return NewProcessor(reader, handler, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestProcessorCommitsOnSuccess(t *testing.T) {
	payload := `{"vendor_activity_id":"1001"}`
	reader := &stubReader{messages: []kafka.Message{record(10, framed(42, payload), upsertHeaders...)}}
	handler := &stubHandler{}

	before := testutil.ToFloat64(processedCounter.WithLabelValues("activity_synced", "activity.upserted"))
	err := quietProcessor(reader, handler).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, "activity.upserted", handler.last.EventType)
	require.Equal(t, "owner-1", handler.last.OwnerID)
	require.Equal(t, "activity_synced-value", handler.last.SchemaSubject)
	require.Equal(t, 42, handler.last.SchemaID)
	require.JSONEq(t, payload, string(handler.last.Payload))
	require.InDelta(t, before+1, testutil.ToFloat64(processedCounter.WithLabelValues("activity_synced", "activity.upserted")), 0.0001)
}

func TestProcessorSkipsCommitOnHandlerError(t *testing.T) {
	reader := &stubReader{messages: []kafka.Message{record(20, framed(99, `{}`), upsertHeaders...)}}
	handler := &stubHandler{err: errors.New("boom")}

	err := quietProcessor(reader, handler).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 0, reader.commitCalls)
}

func TestProcessorCommitsUndecodableRecords(t *testing.T) {
	reader := &stubReader{messages: []kafka.Message{
		record(1, []byte{0, 1}),
		record(2, framed(1, `{}`)),
		record(3, append([]byte{9}, framed(1, `{}`)[1:]...), upsertHeaders...),
		record(4, framed(1, `not json`), upsertHeaders...),
	}}
	handler := &stubHandler{}

	before := testutil.ToFloat64(decodeErrorCounter.WithLabelValues("activity_synced"))
	err := quietProcessor(reader, handler).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Zero(t, handler.calls)
	require.Equal(t, 4, reader.commitCalls)
	require.InDelta(t, before+4, testutil.ToFloat64(decodeErrorCounter.WithLabelValues("activity_synced")), 0.0001)
}

func TestProcessorContinuesAfterFetchError(t *testing.T) {
	reader := &stubReader{
		errs:     []error{errors.New("broker not available")},
		messages: []kafka.Message{record(5, framed(3, `{}`), upsertHeaders...)},
	}
	handler := &stubHandler{}

	err := quietProcessor(reader, handler).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, handler.calls)
}

type stubReader struct {
	errs        []error
	messages    []kafka.Message
	index       int
	commitCalls int
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return kafka.Message{}, err
	}
	if r.index >= len(r.messages) {
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, _ ...kafka.Message) error {
	r.commitCalls++
	return nil
}

func (r *stubReader) Close() error { return nil }

type stubHandler struct {
	calls int
	err   error
	last  Message
}

func (h *stubHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	return h.err
}
