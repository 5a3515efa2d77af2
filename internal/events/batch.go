package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/resilience"
)

// BatchWriter is the producer side the publisher flushes into.
type BatchWriter interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// BatchPublisher buffers events and flushes them when the buffer reaches
// batchSize or every flushInterval. Flushes go through a circuit breaker so
// an unavailable broker is not hammered; failed batches are re-queued up to
// three batches' worth, beyond which the oldest overflow is dropped.
type BatchPublisher struct {
	writer        BatchWriter
	breaker       *resilience.Breaker
	mu            sync.Mutex
	flushMu       sync.Mutex
	buffer        []kafka.Event
	batchSize     int
	flushInterval time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger
	done          chan struct{}
}

// NewBatchPublisher creates a publisher named after its topic. m may be nil.
func NewBatchPublisher(name string, writer BatchWriter, batchSize int, flushInterval time.Duration, m *metrics.Metrics) *BatchPublisher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	cbCfg := resilience.BreakerConfig{Threshold: 3, Cooldown: 15 * time.Second}
	if m != nil {
		cbCfg.OnStateChange = func(name string, from, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		}
	}
	return &BatchPublisher{
		writer:        writer,
		breaker:       resilience.NewBreaker("events-"+name, cbCfg),
		buffer:        make([]kafka.Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		metrics:       m,
		logger:        slog.Default().With("component", "event-publisher", "name", name),
		done:          make(chan struct{}),
	}
}

// Start launches the background flush loop. Cancelling ctx performs a final
// flush; Close waits for it.
func (bp *BatchPublisher) Start(ctx context.Context) {
	go func() {
		defer close(bp.done)
		ticker := time.NewTicker(bp.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				bp.Flush(ctx)
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				bp.Flush(flushCtx)
				cancel()
				return
			}
		}
	}()
	bp.logger.Info("event publisher started",
		"batch_size", bp.batchSize,
		"flush_interval", bp.flushInterval,
	)
}

func (bp *BatchPublisher) Emit(key, eventType string, value any) {
	bp.mu.Lock()
	bp.buffer = append(bp.buffer, kafka.Event{Key: key, Type: eventType, Value: value})
	shouldFlush := len(bp.buffer) >= bp.batchSize
	bp.mu.Unlock()
	if shouldFlush {
		go bp.Flush(context.Background())
	}
}

// Close waits for the background loop to finish its final flush.
func (bp *BatchPublisher) Close() {
	<-bp.done
}

// Breaker exposes the broker breaker to the health checks.
func (bp *BatchPublisher) Breaker() *resilience.Breaker {
	return bp.breaker
}

func (bp *BatchPublisher) BufferLen() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.buffer)
}

// Flush writes the buffered events now.
func (bp *BatchPublisher) Flush(ctx context.Context) {
	bp.flushMu.Lock()
	defer bp.flushMu.Unlock()

	bp.mu.Lock()
	if len(bp.buffer) == 0 {
		bp.mu.Unlock()
		return
	}
	batch := bp.buffer
	bp.buffer = make([]kafka.Event, 0, bp.batchSize)
	bp.mu.Unlock()

	err := bp.breaker.Do(func() error {
		return bp.writer.PublishBatch(ctx, batch)
	})
	if err == nil {
		bp.logger.Debug("batch flushed", "events", len(batch))
		return
	}

	bp.logger.Error("batch flush failed", "batch_size", len(batch), "error", err)
	bp.mu.Lock()
	bp.buffer = append(batch, bp.buffer...)
	limit := bp.batchSize * 3
	if len(bp.buffer) > limit {
		dropped := len(bp.buffer) - limit
		bp.buffer = bp.buffer[dropped:]
		if bp.metrics != nil {
			bp.metrics.EventsDropped.Add(float64(dropped))
		}
		bp.logger.Warn("buffer overflow, events dropped", "dropped", dropped)
	}
	bp.mu.Unlock()
}
