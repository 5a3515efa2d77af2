package ingestion

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/postgres"
	"github.com/lib/pq"
)

// PostgresStore persists documents, candidates and decisions. Duplicate
// submissions are caught by the partial unique index on
// (distributor_id, fingerprint) over non-Failed documents.
type PostgresStore struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewPostgresStore(db *postgres.Client) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: slog.Default().With("component", "ingestion-postgres"),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

const documentColumns = `id, distributor_id, source_kind, fingerprint, state, attempts, fields,
	candidate_ids, failure_kind, failure_reason, created_at, updated_at`

func scanDocument(row rowScanner) (*IngestedDocument, error) {
	var doc IngestedDocument
	var fields []byte
	var failureKind, failureReason sql.NullString
	if err := row.Scan(&doc.ID, &doc.DistributorID, &doc.SourceKind, &doc.Fingerprint, &doc.State,
		&doc.Attempts, &fields, pq.Array(&doc.CandidateIDs), &failureKind, &failureReason,
		&doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fields, &doc.Fields); err != nil {
		return nil, fmt.Errorf("decoding fields of document %s: %w", doc.ID, err)
	}
	doc.FailureKind = failureKind.String
	doc.FailureReason = failureReason.String
	return &doc, nil
}

func (p *PostgresStore) CreateDocument(ctx context.Context, doc *IngestedDocument) error {
	fields, err := json.Marshal(nonNilFields(doc.Fields))
	if err != nil {
		return fmt.Errorf("encoding fields: %w", err)
	}
	var id string
	err = p.db.DB.QueryRowContext(ctx,
		`INSERT INTO documents (id, distributor_id, source_kind, fingerprint, state, attempts, fields,
			candidate_ids, failure_kind, failure_reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (distributor_id, fingerprint) WHERE state <> 'Failed' DO NOTHING
		 RETURNING id`,
		doc.ID, doc.DistributorID, doc.SourceKind, doc.Fingerprint, doc.State, doc.Attempts, fields,
		pq.Array(doc.CandidateIDs), nullableString(doc.FailureKind), nullableString(doc.FailureReason),
		doc.CreatedAt, doc.UpdatedAt,
	).Scan(&id)
	if err == sql.ErrNoRows {
		var existing string
		if err := p.db.DB.QueryRowContext(ctx,
			`SELECT id FROM documents WHERE distributor_id = $1 AND fingerprint = $2 AND state <> 'Failed'`,
			doc.DistributorID, doc.Fingerprint,
		).Scan(&existing); err != nil {
			return fmt.Errorf("resolving duplicate submission: %w", err)
		}
		return apperrors.Duplicate(existing)
	}
	if err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetDocument(ctx context.Context, id string) (*IngestedDocument, error) {
	doc, err := scanDocument(p.db.DB.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("document", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying document %s: %w", id, err)
	}
	return doc, nil
}

func (p *PostgresStore) UpdateDocument(ctx context.Context, doc *IngestedDocument, expected State) error {
	fields, err := json.Marshal(nonNilFields(doc.Fields))
	if err != nil {
		return fmt.Errorf("encoding fields: %w", err)
	}
	now := time.Now().UTC()
	result, err := p.db.DB.ExecContext(ctx,
		`UPDATE documents SET state = $1, attempts = $2, fields = $3, candidate_ids = $4,
			failure_kind = $5, failure_reason = $6, updated_at = $7
		 WHERE id = $8 AND state = $9`,
		doc.State, doc.Attempts, fields, pq.Array(doc.CandidateIDs),
		nullableString(doc.FailureKind), nullableString(doc.FailureReason), now,
		doc.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("updating document %s: %w", doc.ID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var current State
		err := p.db.DB.QueryRowContext(ctx, `SELECT state FROM documents WHERE id = $1`, doc.ID).Scan(&current)
		if err == sql.ErrNoRows {
			return apperrors.NotFound("document", doc.ID)
		}
		if err != nil {
			return fmt.Errorf("querying document %s: %w", doc.ID, err)
		}
		return apperrors.InvalidTransition("document %s is %s, expected %s", doc.ID, current, expected)
	}
	doc.UpdatedAt = now
	return nil
}

func (p *PostgresStore) UpdateField(ctx context.Context, documentID string, field ExtractedField, expected State, d Decision) error {
	return p.db.InTx(ctx, func(tx *sql.Tx) error {
		var current State
		var raw []byte
		err := tx.QueryRowContext(ctx,
			`SELECT state, fields FROM documents WHERE id = $1 FOR UPDATE`, documentID,
		).Scan(&current, &raw)
		if err == sql.ErrNoRows {
			return apperrors.NotFound("document", documentID)
		}
		if err != nil {
			return fmt.Errorf("querying document %s: %w", documentID, err)
		}
		if current != expected {
			return apperrors.InvalidTransition("document %s is %s, expected %s", documentID, current, expected)
		}
		var fields []ExtractedField
		if err := json.Unmarshal(raw, &fields); err != nil {
			return fmt.Errorf("decoding fields of document %s: %w", documentID, err)
		}
		i := fieldIndex(fields, field.ID)
		if i < 0 {
			return apperrors.NotFound("field", field.ID)
		}
		fields[i] = field
		encoded, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("encoding fields: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET fields = $1, updated_at = $2 WHERE id = $3`,
			encoded, time.Now().UTC(), documentID,
		); err != nil {
			return fmt.Errorf("updating fields of document %s: %w", documentID, err)
		}
		return insertDecision(ctx, tx, d)
	})
}

func (p *PostgresStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]*IngestedDocument, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.DB.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE ($1 = '' OR distributor_id = $1) AND ($2 = '' OR state = $2)
		 ORDER BY created_at DESC, id
		 LIMIT $3`,
		filter.DistributorID, string(filter.State), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()
	var out []*IngestedDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

const candidateColumns = `id, document_id, distributor_id, raw, quantity, kind, options, state, version,
	resolved_canonical_id, last_decision_id, auto_accepted, created_at, updated_at`

func scanCandidate(row rowScanner) (*MatchCandidate, error) {
	var c MatchCandidate
	var options []byte
	if err := row.Scan(&c.ID, &c.DocumentID, &c.DistributorID, &c.Raw, &c.Quantity, &c.Kind, &options,
		&c.State, &c.Version, &c.ResolvedCanonicalID, &c.LastDecisionID, &c.AutoAccepted,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(options, &c.Options); err != nil {
		return nil, fmt.Errorf("decoding options of candidate %s: %w", c.ID, err)
	}
	return &c, nil
}

func (p *PostgresStore) SaveCandidates(ctx context.Context, candidates []*MatchCandidate) error {
	return p.db.InTx(ctx, func(tx *sql.Tx) error {
		for _, c := range candidates {
			options, err := json.Marshal(c.Options)
			if err != nil {
				return fmt.Errorf("encoding options: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO match_candidates (id, document_id, distributor_id, raw, quantity, kind, options,
					state, version, resolved_canonical_id, last_decision_id, auto_accepted, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
				c.ID, c.DocumentID, c.DistributorID, c.Raw, c.Quantity, c.Kind, options,
				c.State, c.Version, c.ResolvedCanonicalID, c.LastDecisionID, c.AutoAccepted,
				c.CreatedAt, c.UpdatedAt,
			); err != nil {
				return fmt.Errorf("inserting candidate %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

func (p *PostgresStore) GetCandidate(ctx context.Context, id string) (*MatchCandidate, error) {
	c, err := scanCandidate(p.db.DB.QueryRowContext(ctx,
		`SELECT `+candidateColumns+` FROM match_candidates WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("candidate", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying candidate %s: %w", id, err)
	}
	return c, nil
}

func (p *PostgresStore) ListCandidates(ctx context.Context, documentID string) ([]*MatchCandidate, error) {
	return p.queryCandidates(ctx,
		`SELECT `+candidateColumns+` FROM match_candidates WHERE document_id = $1 ORDER BY created_at, id`,
		documentID,
	)
}

func (p *PostgresStore) ListRetailerCandidates(ctx context.Context) ([]*MatchCandidate, error) {
	return p.queryCandidates(ctx,
		`SELECT `+candidateColumns+` FROM match_candidates
		 WHERE kind = $1 AND state <> $2 ORDER BY id`,
		"retailer", CandidateRejected,
	)
}

func (p *PostgresStore) queryCandidates(ctx context.Context, query string, args ...any) ([]*MatchCandidate, error) {
	rows, err := p.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing candidates: %w", err)
	}
	defer rows.Close()
	var out []*MatchCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning candidate row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateCandidate(ctx context.Context, c *MatchCandidate, expectedVersion int64) error {
	return p.db.InTx(ctx, func(tx *sql.Tx) error {
		return updateCandidate(ctx, tx, c, expectedVersion)
	})
}

func updateCandidate(ctx context.Context, tx *sql.Tx, c *MatchCandidate, expectedVersion int64) error {
	options, err := json.Marshal(c.Options)
	if err != nil {
		return fmt.Errorf("encoding options: %w", err)
	}
	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		`UPDATE match_candidates SET raw = $1, options = $2, state = $3, version = $4, resolved_canonical_id = $5,
			last_decision_id = $6, auto_accepted = $7, updated_at = $8
		 WHERE id = $9 AND version = $10`,
		c.Raw, options, c.State, expectedVersion+1, c.ResolvedCanonicalID, c.LastDecisionID, c.AutoAccepted, now,
		c.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("updating candidate %s: %w", c.ID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM match_candidates WHERE id = $1`, c.ID).Scan(&current)
		if err == sql.ErrNoRows {
			return apperrors.NotFound("candidate", c.ID)
		}
		if err != nil {
			return fmt.Errorf("querying candidate %s: %w", c.ID, err)
		}
		return apperrors.Conflict("candidate", c.ID, expectedVersion, current)
	}
	c.Version = expectedVersion + 1
	c.UpdatedAt = now
	return nil
}

func (p *PostgresStore) ApplyDecision(ctx context.Context, c *MatchCandidate, expectedVersion int64, d Decision) error {
	version, updatedAt := c.Version, c.UpdatedAt
	err := p.db.InTx(ctx, func(tx *sql.Tx) error {
		if err := updateCandidate(ctx, tx, c, expectedVersion); err != nil {
			return err
		}
		return insertDecision(ctx, tx, d)
	})
	if err != nil {
		c.Version, c.UpdatedAt = version, updatedAt
		return err
	}
	return nil
}

func insertDecision(ctx context.Context, tx *sql.Tx, d Decision) error {
	prior, err := json.Marshal(d.Prior)
	if err != nil {
		return fmt.Errorf("encoding prior snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO review_decisions (id, candidate_id, document_id, actor_id, action, auto, prior,
			new_value, chosen_rank, reason, group_id, field_id, prior_value, decided_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		d.ID, nullableString(d.CandidateID), d.DocumentID, d.ActorID, d.Action, d.Auto, prior,
		d.NewValue, d.ChosenRank, d.Reason, d.GroupID, d.FieldID, d.PriorValue, d.DecidedAt,
	); err != nil {
		return fmt.Errorf("appending decision %s: %w", d.ID, err)
	}
	return nil
}

func (p *PostgresStore) ListDecisions(ctx context.Context, candidateID string) ([]Decision, error) {
	return p.queryDecisions(ctx, `WHERE candidate_id = $1`, candidateID)
}

func (p *PostgresStore) ListDocumentDecisions(ctx context.Context, documentID string) ([]Decision, error) {
	return p.queryDecisions(ctx, `WHERE document_id = $1`, documentID)
}

func (p *PostgresStore) queryDecisions(ctx context.Context, where string, arg string) ([]Decision, error) {
	rows, err := p.db.DB.QueryContext(ctx,
		`SELECT id, candidate_id, document_id, actor_id, action, auto, prior, new_value, chosen_rank,
			reason, group_id, field_id, prior_value, decided_at
		 FROM review_decisions `+where+` ORDER BY decided_at, id`,
		arg,
	)
	if err != nil {
		return nil, fmt.Errorf("listing decisions: %w", err)
	}
	defer rows.Close()
	var out []Decision
	for rows.Next() {
		var d Decision
		var prior []byte
		var candidateID sql.NullString
		if err := rows.Scan(&d.ID, &candidateID, &d.DocumentID, &d.ActorID, &d.Action, &d.Auto, &prior,
			&d.NewValue, &d.ChosenRank, &d.Reason, &d.GroupID, &d.FieldID, &d.PriorValue, &d.DecidedAt); err != nil {
			return nil, fmt.Errorf("scanning decision row: %w", err)
		}
		d.CandidateID = candidateID.String
		if err := json.Unmarshal(prior, &d.Prior); err != nil {
			return nil, fmt.Errorf("decoding prior of decision %s: %w", d.ID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func nonNilFields(f []ExtractedField) []ExtractedField {
	if f == nil {
		return []ExtractedField{}
	}
	return f
}

// nullableString stores the empty string as NULL.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
