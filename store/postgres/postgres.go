// Package postgres implements the hierarchy store on PostgreSQL.
//
// Recursive traversals (descendant shares, shares anchored below a space)
// are answered with recursive CTEs so each cascade performs a single read
// before its per-row writes. The store works against any Querier (*sql.DB,
// *sql.Tx, or *sql.Conn), allowing mutations and their confirmation reads
// to share a transaction.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/loftshare/loft"
	"github.com/loftshare/loft/permission"
	"github.com/loftshare/loft/store"
)

// Querier is the subset of database/sql used by the store. *sql.DB,
// *sql.Tx, and *sql.Conn all satisfy it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL hierarchy store.
type Store struct {
	q Querier
}

// New returns a store over the given database handle.
func New(q Querier) *Store {
	return &Store{q: q}
}

const userColumns = "id, username, storage_root, admin, hidden, COALESCE(guest_owner_id, 0)"

func (s *Store) scanUser(row interface{ Scan(...any) error }) (*store.User, error) {
	var u store.User
	err := row.Scan(&u.ID, &u.Username, &u.StorageRoot, &u.Admin, &u.Hidden, &u.GuestOwnerID)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) UserByID(ctx context.Context, id int64) (*store.User, error) {
	u, err := s.scanUser(s.q.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM loft_users WHERE id = $1", id))
	if err == sql.ErrNoRows {
		return nil, loft.NotFoundf("user %d", id)
	}
	return u, err
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*store.User, error) {
	u, err := s.scanUser(s.q.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM loft_users WHERE username = $1", username))
	if err == sql.ErrNoRows {
		return nil, loft.NotFoundf("user %q", username)
	}
	return u, err
}

func (s *Store) Users(ctx context.Context) ([]*store.User, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+userColumns+" FROM loft_users")
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*store.User
	for rows.Next() {
		u, err := s.scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) GuestsManagedBy(ctx context.Context, userID int64) ([]*store.User, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+userColumns+" FROM loft_users WHERE guest_owner_id = $1", userID)
	if err != nil {
		return nil, fmt.Errorf("listing guests of user %d: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()
	var out []*store.User
	for rows.Next() {
		u, err := s.scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

const groupColumns = "id, COALESCE(parent_id, 0), name, visibility, personal"

func scanGroup(row interface{ Scan(...any) error }) (*store.Group, error) {
	var g store.Group
	var vis int
	if err := row.Scan(&g.ID, &g.ParentID, &g.Name, &vis, &g.Personal); err != nil {
		return nil, err
	}
	g.Visibility = store.Visibility(vis)
	return &g, nil
}

func (s *Store) GroupByID(ctx context.Context, id int64) (*store.Group, error) {
	g, err := scanGroup(s.q.QueryRowContext(ctx,
		"SELECT "+groupColumns+" FROM loft_groups WHERE id = $1", id))
	if err == sql.ErrNoRows {
		return nil, loft.NotFoundf("group %d", id)
	}
	return g, err
}

func (s *Store) groupRows(ctx context.Context, query string, args ...any) ([]*store.Group, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*store.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) GroupsOfUser(ctx context.Context, userID int64) ([]*store.Group, error) {
	return s.groupRows(ctx,
		`SELECT `+groupColumns+` FROM loft_groups
		 WHERE id IN (SELECT group_id FROM loft_group_users WHERE user_id = $1)`, userID)
}

func (s *Store) ChildGroups(ctx context.Context, parentID int64) ([]*store.Group, error) {
	return s.groupRows(ctx,
		"SELECT "+groupColumns+" FROM loft_groups WHERE parent_id = $1", parentID)
}

func (s *Store) GroupMemberUserIDs(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT user_id FROM loft_group_users WHERE group_id = $1", groupID)
	if err != nil {
		return nil, fmt.Errorf("listing members of group %d: %w", groupID, err)
	}
	defer func() { _ = rows.Close() }()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) FileByID(ctx context.Context, id int64) (*store.File, error) {
	var f store.File
	err := s.q.QueryRowContext(ctx,
		"SELECT id, owner_id, path FROM loft_files WHERE id = $1", id).
		Scan(&f.ID, &f.OwnerID, &f.Path)
	if err == sql.ErrNoRows {
		return nil, loft.NotFoundf("file %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func scanSpace(row interface{ Scan(...any) error }) (*store.Space, error) {
	var sp store.Space
	if err := row.Scan(&sp.ID, &sp.Alias, &sp.Name, &sp.Enabled, &sp.Quota); err != nil {
		return nil, err
	}
	return &sp, nil
}

func (s *Store) SpaceByID(ctx context.Context, id int64) (*store.Space, error) {
	sp, err := scanSpace(s.q.QueryRowContext(ctx,
		"SELECT id, alias, name, enabled, quota FROM loft_spaces WHERE id = $1", id))
	if err == sql.ErrNoRows {
		return nil, loft.NotFoundf("space %d", id)
	}
	return sp, err
}

func (s *Store) SpaceByAlias(ctx context.Context, alias string) (*store.Space, error) {
	sp, err := scanSpace(s.q.QueryRowContext(ctx,
		"SELECT id, alias, name, enabled, quota FROM loft_spaces WHERE alias = $1", alias))
	if err == sql.ErrNoRows {
		return nil, loft.NotFoundf("space %q", alias)
	}
	return sp, err
}

const rootColumns = `id, space_id, alias, COALESCE(owner_id, 0), COALESCE(file_id, 0),
	COALESCE(external_path, ''), permissions`

func scanRoot(row interface{ Scan(...any) error }) (*store.SpaceRoot, error) {
	var r store.SpaceRoot
	var perms string
	err := row.Scan(&r.ID, &r.SpaceID, &r.Alias, &r.OwnerID, &r.FileID, &r.ExternalPath, &perms)
	if err != nil {
		return nil, err
	}
	r.Permissions = permission.Parse(perms)
	return &r, nil
}

func (s *Store) SpaceRootByID(ctx context.Context, id int64) (*store.SpaceRoot, error) {
	r, err := scanRoot(s.q.QueryRowContext(ctx,
		"SELECT "+rootColumns+" FROM loft_space_roots WHERE id = $1", id))
	if err == sql.ErrNoRows {
		return nil, loft.NotFoundf("space root %d", id)
	}
	return r, err
}

func (s *Store) SpaceRootByAlias(ctx context.Context, spaceID int64, alias string) (*store.SpaceRoot, error) {
	r, err := scanRoot(s.q.QueryRowContext(ctx,
		"SELECT "+rootColumns+" FROM loft_space_roots WHERE space_id = $1 AND alias = $2",
		spaceID, alias))
	if err == sql.ErrNoRows {
		return nil, loft.NotFoundf("space root %q in space %d", alias, spaceID)
	}
	return r, err
}

func (s *Store) SpaceRoots(ctx context.Context, spaceID int64) ([]*store.SpaceRoot, error) {
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+rootColumns+" FROM loft_space_roots WHERE space_id = $1", spaceID)
	if err != nil {
		return nil, fmt.Errorf("listing roots of space %d: %w", spaceID, err)
	}
	defer func() { _ = rows.Close() }()
	var out []*store.SpaceRoot
	for rows.Next() {
		r, err := scanRoot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const shareColumns = `id, alias, name, owner_id, COALESCE(parent_id, 0), COALESCE(space_id, 0),
	COALESCE(space_root_id, 0), COALESCE(file_id, 0), COALESCE(external_path, ''),
	COALESCE(relative_path, ''), COALESCE(link_id, 0)`

func scanShare(row interface{ Scan(...any) error }) (*store.Share, error) {
	var sh store.Share
	err := row.Scan(&sh.ID, &sh.Alias, &sh.Name, &sh.OwnerID, &sh.ParentID, &sh.SpaceID,
		&sh.SpaceRootID, &sh.FileID, &sh.ExternalPath, &sh.RelativePath, &sh.LinkID)
	if err != nil {
		return nil, err
	}
	return &sh, nil
}

func (s *Store) shareRows(ctx context.Context, query string, args ...any) ([]*store.Share, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*store.Share
	for rows.Next() {
		sh, err := scanShare(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

func (s *Store) ShareByID(ctx context.Context, id int64) (*store.Share, error) {
	sh, err := scanShare(s.q.QueryRowContext(ctx,
		"SELECT "+shareColumns+" FROM loft_shares WHERE id = $1", id))
	if err == sql.ErrNoRows {
		return nil, loft.NotFoundf("share %d", id)
	}
	return sh, err
}

func (s *Store) ShareByAlias(ctx context.Context, alias string) (*store.Share, error) {
	sh, err := scanShare(s.q.QueryRowContext(ctx,
		"SELECT "+shareColumns+" FROM loft_shares WHERE alias = $1", alias))
	if err == sql.ErrNoRows {
		return nil, loft.NotFoundf("share %q", alias)
	}
	return sh, err
}

func (s *Store) ChildShares(ctx context.Context, parentID int64) ([]*store.Share, error) {
	return s.shareRows(ctx,
		"SELECT "+shareColumns+" FROM loft_shares WHERE parent_id = $1", parentID)
}

// DescendantShares resolves the child closure with a single recursive CTE.
func (s *Store) DescendantShares(ctx context.Context, shareID int64) ([]*store.Share, error) {
	return s.shareRows(ctx, `
		WITH RECURSIVE descendants AS (
			SELECT s.* FROM loft_shares s WHERE s.parent_id = $1
			UNION ALL
			SELECT s.* FROM loft_shares s
			JOIN descendants d ON s.parent_id = d.id
		)
		SELECT `+shareColumns+` FROM descendants`, shareID)
}

// SharesAnchoredAt returns shares declared inside the space (optionally at
// one root) together with all their descendants, in one recursive read.
func (s *Store) SharesAnchoredAt(ctx context.Context, spaceID, spaceRootID int64) ([]*store.Share, error) {
	return s.shareRows(ctx, `
		WITH RECURSIVE anchored AS (
			SELECT s.* FROM loft_shares s
			WHERE s.space_id = $1 AND ($2 = 0 OR s.space_root_id = $2)
			UNION
			SELECT s.* FROM loft_shares s
			JOIN anchored a ON s.parent_id = a.id
		)
		SELECT `+shareColumns+` FROM anchored`, spaceID, spaceRootID)
}

const membershipColumns = `id, COALESCE(space_id, 0), COALESCE(share_id, 0), COALESCE(user_id, 0),
	COALESCE(group_id, 0), COALESCE(link_id, 0), role, permissions`

func scanMembership(row interface{ Scan(...any) error }) (*store.Membership, error) {
	var m store.Membership
	var role int
	var perms string
	err := row.Scan(&m.ID, &m.SpaceID, &m.ShareID, &m.UserID, &m.GroupID, &m.LinkID, &role, &perms)
	if err != nil {
		return nil, err
	}
	m.Role = store.Role(role)
	m.Permissions = permission.Parse(perms)
	return &m, nil
}

func (s *Store) membershipRows(ctx context.Context, query string, args ...any) ([]*store.Membership, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*store.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) MembershipsOfSpace(ctx context.Context, spaceID int64) ([]*store.Membership, error) {
	return s.membershipRows(ctx,
		"SELECT "+membershipColumns+" FROM loft_memberships WHERE space_id = $1", spaceID)
}

func (s *Store) MembershipsOfShare(ctx context.Context, shareID int64) ([]*store.Membership, error) {
	return s.membershipRows(ctx,
		"SELECT "+membershipColumns+" FROM loft_memberships WHERE share_id = $1", shareID)
}

func nullable(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) CreateShare(ctx context.Context, sh *store.Share) error {
	if sh.Alias == "" {
		sh.Alias = store.NewAlias()
	}
	return s.q.QueryRowContext(ctx, `
		INSERT INTO loft_shares
			(alias, name, owner_id, parent_id, space_id, space_root_id, file_id,
			 external_path, relative_path, link_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		sh.Alias, sh.Name, sh.OwnerID, nullable(sh.ParentID), nullable(sh.SpaceID),
		nullable(sh.SpaceRootID), nullable(sh.FileID), nullableString(sh.ExternalPath),
		sh.RelativePath, nullable(sh.LinkID)).Scan(&sh.ID)
}

// DeleteShare removes the share subtree in one statement; descendant
// shares and all memberships fall to the ON DELETE CASCADE constraints.
func (s *Store) DeleteShare(ctx context.Context, id int64) (int64, error) {
	res, err := s.q.ExecContext(ctx, "DELETE FROM loft_shares WHERE id = $1", id)
	if err != nil {
		return 0, fmt.Errorf("deleting share %d: %w", id, err)
	}
	return res.RowsAffected()
}

func (s *Store) CreateMembership(ctx context.Context, m *store.Membership) error {
	return s.q.QueryRowContext(ctx, `
		INSERT INTO loft_memberships
			(space_id, share_id, user_id, group_id, link_id, role, permissions)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		nullable(m.SpaceID), nullable(m.ShareID), nullable(m.UserID), nullable(m.GroupID),
		nullable(m.LinkID), int(m.Role), m.Permissions.String()).Scan(&m.ID)
}

func (s *Store) UpdateMembership(ctx context.Context, m *store.Membership) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE loft_memberships SET role = $2, permissions = $3 WHERE id = $1`,
		m.ID, int(m.Role), m.Permissions.String())
	if err != nil {
		return fmt.Errorf("updating membership %d: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return loft.NotFoundf("membership %d", m.ID)
	}
	return nil
}

func (s *Store) DeleteMembership(ctx context.Context, id int64) (int64, error) {
	res, err := s.q.ExecContext(ctx, "DELETE FROM loft_memberships WHERE id = $1", id)
	if err != nil {
		return 0, fmt.Errorf("deleting membership %d: %w", id, err)
	}
	return res.RowsAffected()
}

func (s *Store) DeleteSpace(ctx context.Context, id int64) (int64, error) {
	res, err := s.q.ExecContext(ctx, "DELETE FROM loft_spaces WHERE id = $1", id)
	if err != nil {
		return 0, fmt.Errorf("deleting space %d: %w", id, err)
	}
	return res.RowsAffected()
}

func (s *Store) DeleteSpaceRoot(ctx context.Context, id int64) (int64, error) {
	res, err := s.q.ExecContext(ctx, "DELETE FROM loft_space_roots WHERE id = $1", id)
	if err != nil {
		return 0, fmt.Errorf("deleting space root %d: %w", id, err)
	}
	return res.RowsAffected()
}
