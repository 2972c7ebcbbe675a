// Package store defines the hierarchy records of the sharing platform
// (users, groups, spaces, space roots, shares, memberships, files) and the
// Store interface the resolution and cascade engines consume.
//
// Two implementations ship with the module: an in-memory store
// (store/memory) used as the default and as the test fixture, and a
// PostgreSQL store (store/postgres) that answers the recursive traversal
// queries with recursive CTEs.
package store

import (
	"context"

	"github.com/loftshare/loft/permission"
)

// Role distinguishes plain members from managers on space memberships.
// Managers always hold the full operation set regardless of the row's
// stored permissions.
type Role int

const (
	RoleMember Role = iota
	RoleManager
)

// Visibility controls group closure traversal. Closure descends from a
// group into its children only while the child is VISIBLE; members of
// PRIVATE and ISOLATED child groups are invisible to ancestors.
type Visibility int

const (
	VisibilityVisible Visibility = iota
	VisibilityPrivate
	VisibilityIsolated
)

// User is an account with a personal storage area. Guest users are
// synthetic accounts backing guest links; they carry the managing user in
// GuestOwnerID.
type User struct {
	ID           int64
	Username     string
	StorageRoot  string
	Admin        bool
	Hidden       bool
	GuestOwnerID int64 // non-zero for guest users: the managing user
}

// IsGuest reports whether the account is a synthetic guest-link user.
func (u *User) IsGuest() bool { return u.GuestOwnerID != 0 }

// Group is a named collection of users, optionally nested under a parent
// group. The group graph is a forest by construction; traversal still
// guards with a visited set.
type Group struct {
	ID         int64
	ParentID   int64 // 0 = top-level
	Name       string
	Visibility Visibility
	Personal   bool // single-user group auto-created per user
}

// File is a storage entry owned by a user. Path is relative to the owner's
// storage root.
type File struct {
	ID      int64
	OwnerID int64
	Path    string
}

// Space is a named shared container with its own membership and zero or
// more roots.
type Space struct {
	ID      int64
	Alias   string
	Name    string
	Enabled bool
	Quota   int64 // bytes, 0 = unlimited
}

// SpaceRoot attaches a location to a space: either a file owned by a user
// (internal root) or an external filesystem path (admin-only, bypasses
// virtual-namespace-owner checks). Exactly one of FileID/ExternalPath is
// set. The root's permission set is intersected with the space grant.
type SpaceRoot struct {
	ID           int64
	SpaceID      int64
	Alias        string
	OwnerID      int64 // owner of the root file; 0 for external roots
	FileID       int64
	ExternalPath string
	Permissions  permission.Set
}

/// Share re-exports a location to other principals: a file owned by the
// creator, a location inside a space (optionally at a space root), or an
// external path. ParentID forms a tree of child shares; a child share
// inherits unset location fields from its nearest ancestor that defines
// them and appends its own RelativePath.
type Share struct {
	ID           int64
	Alias        string
	Name         string
	OwnerID      int64
	ParentID     int64 // 0 = top-level share
	SpaceID      int64
	SpaceRootID  int64
	FileID       int64
	ExternalPath string
	RelativePath string // delta below the inherited/declared location
	LinkID       int64  // non-zero for guest-link shares
}

// HasLocation reports whether the share declares a location of its own
// rather than inheriting the parent's.
func (s *Share) HasLocation() bool {
	return s.ExternalPath != "" || s.FileID != 0 || s.SpaceID != 0
}

// Membership binds exactly one principal (user xor group) to exactly one
// scope (space xor share) with a role and a permission set. Guest-link
// memberships carry the synthetic guest user id in UserID plus the link id.
type Membership struct {
	ID      int64
	SpaceID int64
	ShareID int64

	UserID  int64
	GroupID int64
	LinkID  int64

	Role        Role
	Permissions permission.Set
}

// PrincipalKey identifies the granted principal of a membership row for
// diffing: user grants and group grants never collide.
type PrincipalKey struct {
	UserID  int64
	GroupID int64
}

// Principal returns the membership's principal key.
func (m *Membership) Principal() PrincipalKey {
	return PrincipalKey{UserID: m.UserID, GroupID: m.GroupID}
}

// Store is the hierarchy store consumed by the membership resolver, path
// resolver, and propagation engine. Implementations must be safe for
// concurrent use; reads see committed state only.
type Store interface {
	// Users and groups.
	UserByID(ctx context.Context, id int64) (*User, error)
	UserByUsername(ctx context.Context, username string) (*User, error)
	Users(ctx context.Context) ([]*User, error)
	GuestsManagedBy(ctx context.Context, userID int64) ([]*User, error)
	GroupByID(ctx context.Context, id int64) (*Group, error)
	GroupsOfUser(ctx context.Context, userID int64) ([]*Group, error)
	ChildGroups(ctx context.Context, parentID int64) ([]*Group, error)
	GroupMemberUserIDs(ctx context.Context, groupID int64) ([]int64, error)

	// Files.
	FileByID(ctx context.Context, id int64) (*File, error)

	// Spaces and roots.
	SpaceByID(ctx context.Context, id int64) (*Space, error)
	SpaceByAlias(ctx context.Context, alias string) (*Space, error)
	SpaceRootByID(ctx context.Context, id int64) (*SpaceRoot, error)
	SpaceRootByAlias(ctx context.Context, spaceID int64, alias string) (*SpaceRoot, error)
	SpaceRoots(ctx context.Context, spaceID int64) ([]*SpaceRoot, error)

	// Shares. DescendantShares returns every share reachable from the
	// given share through ParentID links, excluding the share itself.
	// SharesAnchoredAt returns shares (and their descendants) whose
	// declared location is the given space, optionally narrowed to a
	// single root.
	ShareByID(ctx context.Context, id int64) (*Share, error)
	ShareByAlias(ctx context.Context, alias string) (*Share, error)
	ChildShares(ctx context.Context, parentID int64) ([]*Share, error)
	DescendantShares(ctx context.Context, shareID int64) ([]*Share, error)
	SharesAnchoredAt(ctx context.Context, spaceID, spaceRootID int64) ([]*Share, error)

	// Memberships by scope.
	MembershipsOfSpace(ctx context.Context, spaceID int64) ([]*Membership, error)
	MembershipsOfShare(ctx context.Context, shareID int64) ([]*Membership, error)

	// Mutations. Deletes return the number of affected rows so callers
	// can confirm the write landed. DeleteShare cascades to descendant
	// shares and all their memberships.
	CreateShare(ctx context.Context, s *Share) error
	DeleteShare(ctx context.Context, id int64) (int64, error)
	CreateMembership(ctx context.Context, m *Membership) error
	UpdateMembership(ctx context.Context, m *Membership) error
	DeleteMembership(ctx context.Context, id int64) (int64, error)
	DeleteSpace(ctx context.Context, id int64) (int64, error)
	DeleteSpaceRoot(ctx context.Context, id int64) (int64, error)
}
