package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDeliverer struct {
	got []ingestion.ExtractionMessage
	err error
}

func (f *fakeDeliverer) Deliver(_ context.Context, msg ingestion.ExtractionMessage) (*ingestion.IngestedDocument, error) {
	f.got = append(f.got, msg)
	if f.err != nil {
		return nil, f.err
	}
	return &ingestion.IngestedDocument{ID: msg.DocumentID, State: ingestion.StateAwaitingReview}, nil
}

func TestHandleMessageDecodesPayload(t *testing.T) {
	d := &fakeDeliverer{}
	handle := HandleMessage(d)

	err := handle(context.Background(), kafka.Message{
		Key:   []byte("doc-7"),
		Value: []byte(`{"fields":[{"label":"Retailer Name","raw_value":"Kumar Pharma","confidence":93.5}],"line_items":[{"raw_sku":"PARA500-10S","raw_quantity":"10"}]}`),
	})
	require.NoError(t, err)
	require.Len(t, d.got, 1)
	msg := d.got[0]
	assert.Equal(t, "doc-7", msg.DocumentID, "key fills a missing document id")
	require.Len(t, msg.Fields, 1)
	assert.Equal(t, 93.5, msg.Fields[0].Confidence)
	assert.Equal(t, "PARA500-10S", msg.LineItems[0].RawSKU)
	assert.Nil(t, msg.Error)
}

func TestHandleMessageFailureReport(t *testing.T) {
	d := &fakeDeliverer{}
	err := HandleMessage(d)(context.Background(), kafka.Message{
		Value: []byte(`{"document_id":"doc-8","error":{"kind":"TransientIngestionError","message":"ocr worker restarted"}}`),
	})
	require.NoError(t, err)
	require.Len(t, d.got, 1)
	require.NotNil(t, d.got[0].Error)
	assert.Equal(t, "TransientIngestionError", d.got[0].Error.Kind)
}

func TestHandleMessageCommitsPoisonMessages(t *testing.T) {
	d := &fakeDeliverer{}
	assert.NoError(t, HandleMessage(d)(context.Background(), kafka.Message{Value: []byte("not json")}))
	assert.Empty(t, d.got)

	d.err = apperrors.InvalidTransition("document doc-9 is Reconciled")
	assert.NoError(t, HandleMessage(d)(context.Background(), kafka.Message{Key: []byte("doc-9"), Value: []byte(`{}`)}))
}

func TestHandleMessageKeepsOffsetOnStoreFailure(t *testing.T) {
	d := &fakeDeliverer{err: errors.New("connection refused")}
	err := HandleMessage(d)(context.Background(), kafka.Message{Key: []byte("doc-10"), Value: []byte(`{}`)})
	assert.Error(t, err)
}

type fakeSource struct {
	failures int64
	started  chan struct{}
	err      error
}

func (f *fakeSource) Start(ctx context.Context) error {
	close(f.started)
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return nil
}

func (f *fakeSource) FetchFailures() int64 { return f.failures }

func TestLivenessTracksTheConsumeLoop(t *testing.T) {
	src := &fakeSource{started: make(chan struct{}), failures: 7}
	ec := New(src)
	check := ec.LivenessCheck()
	assert.Equal(t, health.StatusUp, check(context.Background()).Status)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ec.Start(ctx) }()
	<-src.started
	require.Eventually(t, func() bool {
		return check(context.Background()).Status == health.StatusDegraded
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, check(context.Background()).Message, "7 consecutive fetch failures")

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, health.StatusUp, check(context.Background()).Status, "shutdown is not a failure")
}

func TestLivenessDownWhenLoopDies(t *testing.T) {
	src := &fakeSource{started: make(chan struct{}), err: errors.New("closing reader: broken pipe")}
	ec := New(src)
	require.Error(t, ec.Start(context.Background()))

	got := ec.LivenessCheck()(context.Background())
	assert.Equal(t, health.StatusDown, got.Status)
	assert.Contains(t, got.Message, "broken pipe")
}
