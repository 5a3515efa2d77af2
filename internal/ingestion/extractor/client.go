// Package extractor calls an extraction service over HTTP, the pull-mode
// alternative to consuming extraction results from Kafka.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
)

// maxResponseSize bounds the body read from the extractor.
const maxResponseSize = 10 << 20

type request struct {
	DocumentID    string               `json:"document_id"`
	DistributorID string               `json:"distributor_id"`
	SourceKind    ingestion.SourceKind `json:"source_kind"`
	Fingerprint   string               `json:"fingerprint"`
}

// Client posts one document at a time to the extractor's endpoint. The
// extractor fetches the content by fingerprint and answers with an
// extraction result or a failure report, the same body the results topic
// carries.
type Client struct {
	url    string
	http   *http.Client
	logger *slog.Logger
}

// New creates a Client for url. The timeout bounds a single call; the
// tracker's step timeout bounds the whole attempt.
func New(url string, timeout time.Duration) *Client {
	return &Client{
		url: url,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
		logger: slog.Default().With("component", "extractor-client"),
	}
}

// Extract satisfies tracker.ExtractFunc. Transport errors, 429 and 5xx are
// transient; other non-2xx answers are permanent.
func (c *Client) Extract(ctx context.Context, doc *ingestion.IngestedDocument) (ingestion.ExtractionResult, error) {
	var none ingestion.ExtractionResult
	body, err := json.Marshal(request{
		DocumentID:    doc.ID,
		DistributorID: doc.DistributorID,
		SourceKind:    doc.SourceKind,
		Fingerprint:   doc.Fingerprint,
	})
	if err != nil {
		return none, fmt.Errorf("encoding extraction request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return none, fmt.Errorf("building extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return none, apperrors.Transient(err, "calling extractor")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return none, apperrors.Transient(err, "reading extractor response")
	}
	c.logger.Debug("extractor answered",
		"doc_id", doc.ID,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return none, apperrors.Transient(nil, fmt.Sprintf("extractor returned %d: %s", resp.StatusCode, snippet(data)))
	case resp.StatusCode >= 300:
		return none, apperrors.Permanent(nil, fmt.Sprintf("extractor returned %d: %s", resp.StatusCode, snippet(data)))
	}
	if len(data) > maxResponseSize {
		return none, apperrors.Permanent(nil, "extractor response exceeds 10MB")
	}

	var msg ingestion.ExtractionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return none, apperrors.Permanent(err, "decoding extractor response")
	}
	if msg.Error != nil {
		return none, apperrors.FromKind(msg.Error.Kind, msg.Error.Message)
	}
	return msg.ExtractionResult, nil
}

func snippet(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
