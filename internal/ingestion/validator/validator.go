// Package validator checks submission requests and extraction payloads
// before they reach the tracker, reporting every offending field at once.
package validator

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
)

const (
	maxDistributorIDLength = 128
	maxFingerprintLength   = 256
	maxLabelLength         = 256
	maxRawValueLength      = 4096
)

// ValidationError holds per-field validation failure messages. It matches
// apperrors.ErrValidation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return apperrors.ErrValidation }

// ValidateSubmitRequest checks the identity fields of a submission.
func ValidateSubmitRequest(req *ingestion.SubmitRequest) error {
	errs := make(map[string]string)

	distributor := strings.TrimSpace(req.DistributorID)
	if distributor == "" {
		errs["distributor_id"] = "distributor id is required"
	} else if len(distributor) > maxDistributorIDLength {
		errs["distributor_id"] = fmt.Sprintf("distributor id must be at most %d characters", maxDistributorIDLength)
	}
	if _, err := ingestion.ParseSourceKind(req.SourceKind); err != nil {
		errs["source_kind"] = "source kind must be one of file, api, email, voice, camera"
	}
	fingerprint := strings.TrimSpace(req.Fingerprint)
	if fingerprint == "" {
		errs["fingerprint"] = "content fingerprint is required"
	} else if len(fingerprint) > maxFingerprintLength {
		errs["fingerprint"] = fmt.Sprintf("fingerprint must be at most %d characters", maxFingerprintLength)
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// ValidateExtraction checks an extraction payload. The upstream producer is
// trusted for content; only bounds are enforced.
func ValidateExtraction(res *ingestion.ExtractionResult) error {
	errs := make(map[string]string)
	for i, f := range res.Fields {
		key := fmt.Sprintf("fields[%d]", i)
		switch {
		case strings.TrimSpace(f.Label) == "":
			errs[key+".label"] = "label is required"
		case len(f.Label) > maxLabelLength:
			errs[key+".label"] = fmt.Sprintf("label must be at most %d characters", maxLabelLength)
		}
		if len(f.RawValue) > maxRawValueLength {
			errs[key+".raw_value"] = fmt.Sprintf("raw value must be at most %d characters", maxRawValueLength)
		}
		if math.IsNaN(f.Confidence) || f.Confidence < 0 || f.Confidence > 100 {
			errs[key+".confidence"] = fmt.Sprintf("confidence %v is outside [0,100]", f.Confidence)
		}
	}
	for i, item := range res.LineItems {
		if len(item.RawSKU) > maxRawValueLength {
			errs[fmt.Sprintf("line_items[%d].raw_sku", i)] = fmt.Sprintf("raw sku must be at most %d characters", maxRawValueLength)
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}
