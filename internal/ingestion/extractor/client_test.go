package extractor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
)

var doc = &ingestion.IngestedDocument{
	ID:            "doc-1",
	DistributorID: "D1",
	SourceKind:    ingestion.SourceFile,
	Fingerprint:   "f1",
}

func serve(t *testing.T, status int, body string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "doc-1", req.DocumentID)
		assert.Equal(t, "f1", req.Fingerprint)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL, time.Second)
}

func TestExtractDecodesResult(t *testing.T) {
	c := serve(t, http.StatusOK, `{"fields":[{"label":"Retailer","raw_value":"Kumar Medicals","confidence":0.9}],
		"line_items":[{"raw_sku":"PARA500-10S","raw_quantity":"10"}]}`)
	res, err := c.Extract(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, res.LineItems, 1)
	assert.Equal(t, "PARA500-10S", res.LineItems[0].RawSKU)
	assert.Equal(t, "Kumar Medicals", res.Fields[0].RawValue)
}

func TestExtractClassifiesFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"server error", http.StatusBadGateway, "upstream down", true},
		{"throttled", http.StatusTooManyRequests, "", true},
		{"rejected", http.StatusUnprocessableEntity, "unreadable scan", false},
		{"reported transient", http.StatusOK, `{"error":{"kind":"TransientIngestionError","message":"ocr busy"}}`, true},
		{"reported permanent", http.StatusOK, `{"error":{"kind":"PermanentExtractionError","message":"blank page"}}`, false},
		{"garbage", http.StatusOK, `<html>`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := serve(t, tt.status, tt.body).Extract(context.Background(), doc)
			require.Error(t, err)
			assert.Equal(t, tt.transient, apperrors.IsTransient(err))
		})
	}
}

func TestExtractUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	_, err := New(url, time.Second).Extract(context.Background(), doc)
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}
