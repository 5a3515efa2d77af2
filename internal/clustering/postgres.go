package clustering

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/postgres"
	"github.com/lib/pq"
)

// PostgresGroupStore persists groups in the duplicate_groups table. Member
// overlap uses the array && operator. Groups folded by Propose leave a row
// in duplicate_group_folds pointing at their survivor.
type PostgresGroupStore struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewPostgresGroupStore(db *postgres.Client) *PostgresGroupStore {
	return &PostgresGroupStore{
		db:     db,
		logger: slog.Default().With("component", "group-store-postgres"),
	}
}

const groupColumns = `id, member_ids, representative_candidate_id, suggested_canonical_id, state,
	merged_canonical_id, resolved_by, created_at, updated_at`

// survivorOf resolves the id in parameter $n through the fold table.
func survivorOf(n int) string {
	return fmt.Sprintf(`COALESCE((SELECT folded_into FROM duplicate_group_folds WHERE group_id = $%[1]d::uuid), $%[1]d::uuid)`, n)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (*DuplicateGroup, error) {
	var g DuplicateGroup
	var suggested sql.NullString
	if err := row.Scan(&g.ID, pq.Array(&g.MemberIDs), &g.RepresentativeCandidateID, &suggested, &g.State,
		&g.MergedCanonicalID, &g.ResolvedBy, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return nil, err
	}
	if suggested.Valid {
		g.SuggestedCanonicalID = &suggested.String
	}
	return &g, nil
}

func (p *PostgresGroupStore) Propose(ctx context.Context, g Group) (*DuplicateGroup, error) {
	if len(g.MemberIDs) < 2 {
		return nil, apperrors.Validation("a duplicate group needs at least two members")
	}
	var stored *DuplicateGroup
	err := p.db.InTx(ctx, func(tx *sql.Tx) error {
		// Serialize proposals so two passes cannot create overlapping groups.
		if _, err := tx.ExecContext(ctx, `LOCK TABLE duplicate_groups IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("locking duplicate groups: %w", err)
		}

		var dismissed bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM duplicate_groups WHERE state = $1 AND member_ids @> $2)`,
			GroupDismissed, pq.Array(g.MemberIDs),
		).Scan(&dismissed); err != nil {
			return fmt.Errorf("checking dismissed groups: %w", err)
		}
		if dismissed {
			return nil
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT `+groupColumns+` FROM duplicate_groups
			 WHERE state = $1 AND member_ids && $2 ORDER BY created_at, id`,
			GroupOpen, pq.Array(g.MemberIDs),
		)
		if err != nil {
			return fmt.Errorf("finding overlapping groups: %w", err)
		}
		var open []*DuplicateGroup
		for rows.Next() {
			existing, err := scanGroup(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scanning group row: %w", err)
			}
			open = append(open, existing)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating group rows: %w", err)
		}

		now := time.Now().UTC()
		if len(open) == 0 {
			stored = newDuplicateGroup(g, now)
			_, err := tx.ExecContext(ctx,
				`INSERT INTO duplicate_groups (`+groupColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				stored.ID, pq.Array(stored.MemberIDs), stored.RepresentativeCandidateID,
				stored.SuggestedCanonicalID, stored.State, stored.MergedCanonicalID, stored.ResolvedBy,
				stored.CreatedAt, stored.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("inserting duplicate group: %w", err)
			}
			return nil
		}

		target := open[0]
		changed := false
		for _, other := range open[1:] {
			target.MemberIDs = sortedUnique(append(target.MemberIDs, other.MemberIDs...))
			if _, err := tx.ExecContext(ctx, `DELETE FROM duplicate_groups WHERE id = $1`, other.ID); err != nil {
				return fmt.Errorf("folding group %s: %w", other.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE duplicate_group_folds SET folded_into = $1 WHERE folded_into = $2`,
				target.ID, other.ID,
			); err != nil {
				return fmt.Errorf("repointing folds of group %s: %w", other.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO duplicate_group_folds (group_id, folded_into, folded_at) VALUES ($1, $2, $3)`,
				other.ID, target.ID, now,
			); err != nil {
				return fmt.Errorf("recording fold of group %s: %w", other.ID, err)
			}
			p.logger.Info("duplicate group folded", "group_id", other.ID, "into", target.ID)
			changed = true
		}
		if absorb(target, g, now) {
			changed = true
		}
		if !changed {
			return nil
		}
		target.UpdatedAt = now
		if _, err := tx.ExecContext(ctx,
			`UPDATE duplicate_groups SET member_ids = $1, representative_candidate_id = $2,
				suggested_canonical_id = $3, updated_at = $4
			 WHERE id = $5`,
			pq.Array(target.MemberIDs), target.RepresentativeCandidateID, target.SuggestedCanonicalID,
			target.UpdatedAt, target.ID,
		); err != nil {
			return fmt.Errorf("updating duplicate group %s: %w", target.ID, err)
		}
		stored = target
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (p *PostgresGroupStore) Get(ctx context.Context, id string) (*DuplicateGroup, error) {
	g, err := scanGroup(p.db.DB.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM duplicate_groups WHERE id = `+survivorOf(1), id))
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("duplicate group", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying duplicate group %s: %w", id, err)
	}
	return g, nil
}

func (p *PostgresGroupStore) List(ctx context.Context, state GroupState) ([]*DuplicateGroup, error) {
	rows, err := p.db.DB.QueryContext(ctx,
		`SELECT `+groupColumns+` FROM duplicate_groups
		 WHERE ($1 = '' OR state = $1) ORDER BY created_at, id`,
		string(state),
	)
	if err != nil {
		return nil, fmt.Errorf("listing duplicate groups: %w", err)
	}
	defer rows.Close()
	var out []*DuplicateGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning group row: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (p *PostgresGroupStore) Resolve(ctx context.Context, id string, to GroupState, canonicalID, actorID string) (*DuplicateGroup, error) {
	if !CanTransitionGroup(GroupOpen, to) {
		return nil, apperrors.InvalidTransition("duplicate groups cannot move to %s", to)
	}
	g, err := scanGroup(p.db.DB.QueryRowContext(ctx,
		`UPDATE duplicate_groups SET state = $1, merged_canonical_id = $2, resolved_by = $3, updated_at = $4
		 WHERE id = `+survivorOf(5)+` AND state = $6
		 RETURNING `+groupColumns,
		to, canonicalID, actorID, time.Now().UTC(), id, GroupOpen,
	))
	if err == sql.ErrNoRows {
		current, getErr := p.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, apperrors.InvalidTransition("duplicate group %s is %s", current.ID, current.State)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving duplicate group %s: %w", id, err)
	}
	p.logger.Info("duplicate group resolved", "group_id", g.ID, "state", to, "actor_id", actorID)
	return g, nil
}
