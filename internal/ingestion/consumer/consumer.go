// Package consumer reads extraction results from Kafka and hands them to the
// ingestion tracker.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/kafka"
)

// stalledAfter is the number of consecutive fetch errors after which the
// consumer reports degraded.
const stalledAfter = 5

// Deliverer accepts one extraction message for a document.
type Deliverer interface {
	Deliver(ctx context.Context, msg ingestion.ExtractionMessage) (*ingestion.IngestedDocument, error)
}

// Source is the consume loop, satisfied by *kafka.Consumer.
type Source interface {
	Start(ctx context.Context) error
	FetchFailures() int64
}

// ExtractionConsumer wraps a Kafka consumer on the extraction results topic.
type ExtractionConsumer struct {
	consumer Source
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopped error
}

func New(source Source) *ExtractionConsumer {
	return &ExtractionConsumer{
		consumer: source,
		logger:   slog.Default().With("component", "extraction-consumer"),
	}
}

// Start consumes until ctx is cancelled.
func (ec *ExtractionConsumer) Start(ctx context.Context) error {
	ec.logger.Info("extraction consumer starting")
	ec.mu.Lock()
	ec.running, ec.stopped = true, nil
	ec.mu.Unlock()

	err := ec.consumer.Start(ctx)

	ec.mu.Lock()
	ec.running = false
	switch {
	case err != nil:
		ec.stopped = err
	case ctx.Err() == nil:
		ec.stopped = errors.New("consume loop returned")
	}
	ec.mu.Unlock()
	return err
}

// LivenessCheck reports down once the consume loop has exited on its own
// and degraded while fetches keep failing. A loop stopped by shutdown, or
// not started yet, is up.
func (ec *ExtractionConsumer) LivenessCheck() health.Check {
	return func(context.Context) health.ComponentHealth {
		ec.mu.Lock()
		running, stopped := ec.running, ec.stopped
		ec.mu.Unlock()
		if stopped != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: "consumer stopped: " + stopped.Error()}
		}
		if !running {
			return health.ComponentHealth{Status: health.StatusUp, Message: "not running"}
		}
		if n := ec.consumer.FetchFailures(); n >= stalledAfter {
			return health.ComponentHealth{
				Status:  health.StatusDegraded,
				Message: fmt.Sprintf("%d consecutive fetch failures", n),
			}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	}
}

// HandleMessage returns the handler for extraction messages. The record key
// is the document id when the body omits it. Messages that can never
// succeed (undecodable, unknown document, wrong state, invalid payload) are
// logged and committed; anything else is returned so the offset stays
// uncommitted.
func HandleMessage(d Deliverer) kafka.MessageHandler {
	logger := slog.Default().With("component", "extraction-consumer")
	return func(ctx context.Context, msg kafka.Message) error {
		event, err := kafka.DecodeJSON[ingestion.ExtractionMessage](msg.Value)
		if err != nil {
			logger.Error("failed to decode extraction message",
				"error", err,
				"key", string(msg.Key),
				"offset", msg.Offset,
			)
			return nil
		}
		if event.DocumentID == "" {
			event.DocumentID = string(msg.Key)
		}

		doc, err := d.Deliver(ctx, event)
		if err != nil {
			if permanent(err) {
				logger.Warn("extraction message dropped",
					"doc_id", event.DocumentID,
					"kind", apperrors.KindOf(err),
					"error", err,
				)
				return nil
			}
			return fmt.Errorf("delivering extraction for %s: %w", event.DocumentID, err)
		}
		logger.Info("extraction delivered",
			"doc_id", doc.ID,
			"state", doc.State,
			"attempts", doc.Attempts,
		)
		return nil
	}
}

func permanent(err error) bool {
	return errors.Is(err, apperrors.ErrValidation) ||
		errors.Is(err, apperrors.ErrNotFound) ||
		errors.Is(err, apperrors.ErrInvalidTransition)
}
