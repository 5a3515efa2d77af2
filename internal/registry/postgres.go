package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/Distributor-Reconciliation-Platform/pkg/postgres"
)

// PostgresStore persists the registry in the reference_* and
// registry_aliases tables. registry_meta.version is bumped inside the same
// transaction as every effective write, so a snapshot is reloaded only when
// the version moved. registry_meta.epoch is fixed when the row is created
// and changes only if the database is rebuilt.
type PostgresStore struct {
	db     *postgres.Client
	mu     sync.Mutex
	cached *Snapshot
	logger *slog.Logger
}

func NewPostgresStore(db *postgres.Client) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: slog.Default().With("component", "registry-postgres"),
	}
}

func (p *PostgresStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	var version int64
	var epoch string
	if err := p.db.DB.QueryRowContext(ctx,
		`SELECT version, epoch FROM registry_meta WHERE singleton`,
	).Scan(&version, &epoch); err != nil {
		return nil, fmt.Errorf("reading registry version: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil && p.cached.Version == version && p.cached.Epoch == epoch {
		return p.cached, nil
	}

	var snap *Snapshot
	err := p.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		snap, err = loadSnapshot(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.cached = snap
	p.logger.Debug("registry snapshot loaded", "version", snap.Version)
	return snap, nil
}

func loadSnapshot(ctx context.Context, tx *sql.Tx) (*Snapshot, error) {
	var version int64
	var epoch string
	if err := tx.QueryRowContext(ctx,
		`SELECT version, epoch FROM registry_meta WHERE singleton`,
	).Scan(&version, &epoch); err != nil {
		return nil, fmt.Errorf("reading registry version: %w", err)
	}

	skuRows, err := tx.QueryContext(ctx, `SELECT id, display_name, strength, pack FROM reference_skus`)
	if err != nil {
		return nil, fmt.Errorf("listing skus: %w", err)
	}
	var skus []SKUEntry
	for skuRows.Next() {
		var e SKUEntry
		if err := skuRows.Scan(&e.ID, &e.DisplayName, &e.Strength, &e.Pack); err != nil {
			skuRows.Close()
			return nil, fmt.Errorf("scanning sku row: %w", err)
		}
		skus = append(skus, e)
	}
	skuRows.Close()
	if err := skuRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sku rows: %w", err)
	}

	retailerRows, err := tx.QueryContext(ctx, `SELECT id, display_name FROM reference_retailers`)
	if err != nil {
		return nil, fmt.Errorf("listing retailers: %w", err)
	}
	var retailers []RetailerEntry
	for retailerRows.Next() {
		var e RetailerEntry
		if err := retailerRows.Scan(&e.ID, &e.DisplayName); err != nil {
			retailerRows.Close()
			return nil, fmt.Errorf("scanning retailer row: %w", err)
		}
		retailers = append(retailers, e)
	}
	retailerRows.Close()
	if err := retailerRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating retailer rows: %w", err)
	}

	aliasRows, err := tx.QueryContext(ctx,
		`SELECT kind, alias_key, scope, canonical_id, distributor_id, actor_id, decision_id, accepted_at
		 FROM registry_aliases`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing aliases: %w", err)
	}
	defer aliasRows.Close()
	var aliases []Alias
	for aliasRows.Next() {
		var a Alias
		var scope string
		if err := aliasRows.Scan(&a.Kind, &a.Key, &scope, &a.CanonicalID, &a.DistributorID, &a.ActorID, &a.DecisionID, &a.AcceptedAt); err != nil {
			return nil, fmt.Errorf("scanning alias row: %w", err)
		}
		a.Scope = ScopeGlobal
		if scope != "" {
			a.Scope = ScopeDistributor
		}
		aliases = append(aliases, a)
	}
	if err := aliasRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating alias rows: %w", err)
	}

	snap := NewSnapshot(version, skus, retailers, aliases)
	snap.Epoch = epoch
	return snap, nil
}

// AppendAlias upserts into the alias slot. The conditional DO UPDATE keeps
// a late-arriving older decision from replacing a newer one.
func (p *PostgresStore) AppendAlias(ctx context.Context, a Alias) (bool, error) {
	if err := a.validate(); err != nil {
		return false, err
	}
	applied := false
	err := p.db.InTx(ctx, func(tx *sql.Tx) error {
		table := "reference_skus"
		if a.Kind == KindRetailer {
			table = "reference_retailers"
		}
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, a.CanonicalID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("checking canonical id: %w", err)
		}
		if !exists {
			return unknownCanonical(a)
		}

		result, err := tx.ExecContext(ctx,
			`INSERT INTO registry_aliases
			   (kind, alias_key, scope, canonical_id, distributor_id, actor_id, decision_id, accepted_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (kind, alias_key, scope) DO UPDATE SET
			   canonical_id = EXCLUDED.canonical_id,
			   distributor_id = EXCLUDED.distributor_id,
			   actor_id = EXCLUDED.actor_id,
			   decision_id = EXCLUDED.decision_id,
			   accepted_at = EXCLUDED.accepted_at
			 WHERE (registry_aliases.accepted_at, registry_aliases.decision_id)
			     < (EXCLUDED.accepted_at, EXCLUDED.decision_id)`,
			a.Kind, a.Key, a.SlotScope(), a.CanonicalID, a.DistributorID, a.ActorID, a.DecisionID, a.AcceptedAt,
		)
		if err != nil {
			return fmt.Errorf("upserting alias: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return nil
		}
		applied = true
		return bumpVersion(ctx, tx)
	})
	if err != nil {
		return false, err
	}
	if applied {
		p.logger.Info("alias appended",
			"kind", a.Kind,
			"key", a.Key,
			"canonical_id", a.CanonicalID,
			"scope", a.Scope,
		)
	}
	return applied, nil
}

// Seed inserts canonical records. A conflicting id is compared against the
// stored record and rejected when the content differs.
func (p *PostgresStore) Seed(ctx context.Context, skus []SKUEntry, retailers []RetailerEntry) error {
	var added int
	err := p.db.InTx(ctx, func(tx *sql.Tx) error {
		current, err := loadSnapshot(ctx, tx)
		if err != nil {
			return err
		}
		newSKUs, newRetailers, err := current.mergeSeed(skus, retailers)
		if err != nil {
			return err
		}
		for _, e := range newSKUs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO reference_skus (id, display_name, strength, pack) VALUES ($1, $2, $3, $4)`,
				e.ID, e.DisplayName, e.Strength, e.Pack,
			); err != nil {
				return fmt.Errorf("inserting sku %s: %w", e.ID, err)
			}
		}
		for _, e := range newRetailers {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO reference_retailers (id, display_name) VALUES ($1, $2)`,
				e.ID, e.DisplayName,
			); err != nil {
				return fmt.Errorf("inserting retailer %s: %w", e.ID, err)
			}
		}
		added = len(newSKUs) + len(newRetailers)
		if added == 0 {
			return nil
		}
		return bumpVersion(ctx, tx)
	})
	if err != nil {
		return err
	}
	p.logger.Info("registry seeded", "records_added", added)
	return nil
}

func bumpVersion(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE registry_meta SET version = version + 1 WHERE singleton`,
	); err != nil {
		return fmt.Errorf("bumping registry version: %w", err)
	}
	return nil
}
