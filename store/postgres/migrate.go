package postgres

import (
	"context"
	"fmt"
)

// ddl creates the hierarchy tables. Everything is IF NOT EXISTS so the
// migration is idempotent and safe to run on every startup. Deleting a
// share removes its descendants and memberships through the cascading
// foreign keys; the propagation engine relies on that when it deletes a
// subtree's top-level share.
const ddl = `
CREATE TABLE IF NOT EXISTS loft_users (
	id              BIGSERIAL PRIMARY KEY,
	username        TEXT NOT NULL UNIQUE,
	storage_root    TEXT NOT NULL,
	admin           BOOLEAN NOT NULL DEFAULT FALSE,
	hidden          BOOLEAN NOT NULL DEFAULT FALSE,
	guest_owner_id  BIGINT REFERENCES loft_users(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS loft_groups (
	id          BIGSERIAL PRIMARY KEY,
	parent_id   BIGINT REFERENCES loft_groups(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	visibility  SMALLINT NOT NULL DEFAULT 0,
	personal    BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS loft_group_users (
	group_id  BIGINT NOT NULL REFERENCES loft_groups(id) ON DELETE CASCADE,
	user_id   BIGINT NOT NULL REFERENCES loft_users(id) ON DELETE CASCADE,
	PRIMARY KEY (group_id, user_id)
);

CREATE TABLE IF NOT EXISTS loft_files (
	id        BIGSERIAL PRIMARY KEY,
	owner_id  BIGINT NOT NULL REFERENCES loft_users(id) ON DELETE CASCADE,
	path      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS loft_spaces (
	id       BIGSERIAL PRIMARY KEY,
	alias    TEXT NOT NULL UNIQUE,
	name     TEXT NOT NULL,
	enabled  BOOLEAN NOT NULL DEFAULT TRUE,
	quota    BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS loft_space_roots (
	id             BIGSERIAL PRIMARY KEY,
	space_id       BIGINT NOT NULL REFERENCES loft_spaces(id) ON DELETE CASCADE,
	alias          TEXT NOT NULL,
	owner_id       BIGINT REFERENCES loft_users(id) ON DELETE CASCADE,
	file_id        BIGINT REFERENCES loft_files(id) ON DELETE CASCADE,
	external_path  TEXT,
	permissions    TEXT NOT NULL DEFAULT '',
	UNIQUE (space_id, alias),
	CHECK (file_id IS NOT NULL OR external_path IS NOT NULL)
);

CREATE TABLE IF NOT EXISTS loft_shares (
	id             BIGSERIAL PRIMARY KEY,
	alias          TEXT NOT NULL UNIQUE,
	name           TEXT NOT NULL DEFAULT '',
	owner_id       BIGINT NOT NULL REFERENCES loft_users(id) ON DELETE CASCADE,
	parent_id      BIGINT REFERENCES loft_shares(id) ON DELETE CASCADE,
	space_id       BIGINT REFERENCES loft_spaces(id) ON DELETE CASCADE,
	space_root_id  BIGINT REFERENCES loft_space_roots(id) ON DELETE CASCADE,
	file_id        BIGINT REFERENCES loft_files(id) ON DELETE CASCADE,
	external_path  TEXT,
	relative_path  TEXT NOT NULL DEFAULT '',
	link_id        BIGINT
);

CREATE TABLE IF NOT EXISTS loft_memberships (
	id           BIGSERIAL PRIMARY KEY,
	space_id     BIGINT REFERENCES loft_spaces(id) ON DELETE CASCADE,
	share_id     BIGINT REFERENCES loft_shares(id) ON DELETE CASCADE,
	user_id      BIGINT REFERENCES loft_users(id) ON DELETE CASCADE,
	group_id     BIGINT REFERENCES loft_groups(id) ON DELETE CASCADE,
	link_id      BIGINT,
	role         SMALLINT NOT NULL DEFAULT 0,
	permissions  TEXT NOT NULL DEFAULT '',
	CHECK ((space_id IS NULL) <> (share_id IS NULL)),
	CHECK ((user_id IS NULL) <> (group_id IS NULL))
);

CREATE INDEX IF NOT EXISTS idx_loft_shares_parent ON loft_shares(parent_id);
CREATE INDEX IF NOT EXISTS idx_loft_shares_space ON loft_shares(space_id, space_root_id);
CREATE INDEX IF NOT EXISTS idx_loft_shares_owner ON loft_shares(owner_id);
CREATE INDEX IF NOT EXISTS idx_loft_memberships_space ON loft_memberships(space_id);
CREATE INDEX IF NOT EXISTS idx_loft_memberships_share ON loft_memberships(share_id);
CREATE INDEX IF NOT EXISTS idx_loft_group_users_user ON loft_group_users(user_id);
`

// Migrate creates the hierarchy schema. Idempotent; run it on every
// application startup.
func Migrate(ctx context.Context, q Querier) error {
	if _, err := q.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("applying loft schema: %w", err)
	}
	return nil
}

// Status reports whether the core tables exist.
type Status struct {
	SharesTable      bool
	MembershipsTable bool
}

// GetStatus checks for the presence of the hierarchy tables.
func GetStatus(ctx context.Context, q Querier) (Status, error) {
	var st Status
	const probe = `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables WHERE table_name = $1
	)`
	if err := q.QueryRowContext(ctx, probe, "loft_shares").Scan(&st.SharesTable); err != nil {
		return st, fmt.Errorf("checking loft_shares: %w", err)
	}
	if err := q.QueryRowContext(ctx, probe, "loft_memberships").Scan(&st.MembershipsTable); err != nil {
		return st, fmt.Errorf("checking loft_memberships: %w", err)
	}
	return st, nil
}
