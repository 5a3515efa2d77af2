package postgres

var schema = []string{
	`CREATE TABLE IF NOT EXISTS reference_skus (
		id           TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		strength     TEXT NOT NULL DEFAULT '',
		pack         TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS reference_retailers (
		id           TEXT PRIMARY KEY,
		display_name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS registry_aliases (
		kind           TEXT NOT NULL,
		alias_key      TEXT NOT NULL,
		scope          TEXT NOT NULL DEFAULT '',
		canonical_id   TEXT NOT NULL,
		distributor_id TEXT NOT NULL,
		actor_id       TEXT NOT NULL,
		decision_id    TEXT NOT NULL,
		accepted_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (kind, alias_key, scope)
	)`,
	`CREATE TABLE IF NOT EXISTS registry_meta (
		singleton BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
		version   BIGINT NOT NULL,
		epoch     TEXT NOT NULL DEFAULT md5(random()::text || clock_timestamp()::text)
	)`,
	`ALTER TABLE registry_meta ADD COLUMN IF NOT EXISTS epoch TEXT NOT NULL DEFAULT md5(random()::text || clock_timestamp()::text)`,
	`INSERT INTO registry_meta (singleton, version) VALUES (TRUE, 1) ON CONFLICT DO NOTHING`,
	`CREATE TABLE IF NOT EXISTS documents (
		id             UUID PRIMARY KEY,
		distributor_id TEXT NOT NULL,
		source_kind    TEXT NOT NULL,
		fingerprint    TEXT NOT NULL,
		state          TEXT NOT NULL,
		attempts       INT NOT NULL DEFAULT 0,
		fields         JSONB NOT NULL DEFAULT '[]',
		candidate_ids  TEXT[] NOT NULL DEFAULT '{}',
		failure_kind   TEXT,
		failure_reason TEXT,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS documents_active_fingerprint
		ON documents (distributor_id, fingerprint) WHERE state <> 'Failed'`,
	`CREATE TABLE IF NOT EXISTS match_candidates (
		id                    UUID PRIMARY KEY,
		document_id           UUID NOT NULL REFERENCES documents(id),
		distributor_id        TEXT NOT NULL,
		raw                   TEXT NOT NULL,
		quantity              TEXT NOT NULL DEFAULT '',
		kind                  TEXT NOT NULL,
		options               JSONB NOT NULL DEFAULT '[]',
		state                 TEXT NOT NULL,
		version               BIGINT NOT NULL,
		resolved_canonical_id TEXT NOT NULL DEFAULT '',
		last_decision_id      TEXT NOT NULL DEFAULT '',
		auto_accepted         BOOLEAN NOT NULL DEFAULT FALSE,
		created_at            TIMESTAMPTZ NOT NULL,
		updated_at            TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS match_candidates_document ON match_candidates (document_id)`,
	`CREATE INDEX IF NOT EXISTS match_candidates_kind_state ON match_candidates (kind, state)`,
	`CREATE TABLE IF NOT EXISTS review_decisions (
		id           UUID PRIMARY KEY,
		candidate_id UUID REFERENCES match_candidates(id),
		document_id  UUID NOT NULL,
		actor_id     TEXT NOT NULL,
		action       TEXT NOT NULL,
		auto         BOOLEAN NOT NULL DEFAULT FALSE,
		prior        JSONB NOT NULL,
		new_value    TEXT NOT NULL DEFAULT '',
		chosen_rank  INT NOT NULL DEFAULT 0,
		reason       TEXT NOT NULL DEFAULT '',
		group_id     TEXT NOT NULL DEFAULT '',
		field_id     TEXT NOT NULL DEFAULT '',
		prior_value  TEXT NOT NULL DEFAULT '',
		decided_at   TIMESTAMPTZ NOT NULL
	)`,
	`ALTER TABLE review_decisions ALTER COLUMN candidate_id DROP NOT NULL`,
	`ALTER TABLE review_decisions ADD COLUMN IF NOT EXISTS field_id TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE review_decisions ADD COLUMN IF NOT EXISTS prior_value TEXT NOT NULL DEFAULT ''`,
	`CREATE INDEX IF NOT EXISTS review_decisions_candidate ON review_decisions (candidate_id, decided_at)`,
	`CREATE INDEX IF NOT EXISTS review_decisions_document ON review_decisions (document_id, decided_at)`,
	`CREATE TABLE IF NOT EXISTS duplicate_groups (
		id                          UUID PRIMARY KEY,
		member_ids                  TEXT[] NOT NULL,
		representative_candidate_id TEXT NOT NULL,
		suggested_canonical_id      TEXT,
		state                       TEXT NOT NULL,
		merged_canonical_id         TEXT NOT NULL DEFAULT '',
		resolved_by                 TEXT NOT NULL DEFAULT '',
		created_at                  TIMESTAMPTZ NOT NULL,
		updated_at                  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS duplicate_group_folds (
		group_id    UUID PRIMARY KEY,
		folded_into UUID NOT NULL,
		folded_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS duplicate_group_folds_into ON duplicate_group_folds (folded_into)`,
}
