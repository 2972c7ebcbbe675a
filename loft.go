// Package loft provides the access-control core of a multi-tenant
// file-sharing platform: virtual-path resolution, layered permission
// computation, and cascading propagation of membership changes.
//
// # Virtual paths
//
// Every request addresses a virtual hierarchical location and is translated
// into a real storage location plus an effective permission set:
//
//	personal/<path...>           the caller's own storage area
//	trash/<path...>              the caller's trash (deletion allowed)
//	files/<space>[/<root>]/<path...>  a shared space, optionally at a root
//	shares                       the listing of shares visible to the caller
//	shares/<alias>/<path...>     a share or child share
//
// Resolution combines several overlapping grant layers: space membership,
// root override, share membership, parent-share inheritance, and the
// group-membership closure. See the resolve and membership packages.
//
// # Components
//
// The module is split along the data flow:
//
//   - permission: pure set algebra over operation tokens
//   - store: hierarchy records and the Store interface (memory, postgres)
//   - membership: group closure and effective-permission computation
//   - resolve: virtual path -> real location + permissions
//   - cascade: diff-and-cascade propagation of upstream grant changes
//   - cache: memoized resolution results with pattern invalidation
//
// This package holds the shared vocabulary: principals, repository kinds,
// resolved locations, and the error taxonomy.
package loft

import (
	"github.com/loftshare/loft/permission"
)

// PrincipalKind tags the identity class of a principal.
type PrincipalKind int

const (
	KindUser PrincipalKind = iota
	KindGuest
	KindGroup
	KindPersonalGroup
	KindLink
)

// String returns a lower-case name for the kind, used in cache keys and logs.
func (k PrincipalKind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindGuest:
		return "guest"
	case KindGroup:
		return "group"
	case KindPersonalGroup:
		return "personal_group"
	case KindLink:
		return "link"
	default:
		return "unknown"
	}
}

// Principal is an identity acting on the system: a user, guest, group,
// personal group, or guest link. Identity is an opaque numeric id scoped
// by kind. Principals are value types and safe to copy.
type Principal struct {
	ID    int64
	Kind  PrincipalKind
	Admin bool
}

// IsGuest reports whether the principal is a guest or guest-link identity.
// Guest principals never receive re-share operations.
func (p Principal) IsGuest() bool {
	return p.Kind == KindGuest || p.Kind == KindLink
}

// RepositoryKind classifies the virtual repository a path resolved into.
type RepositoryKind int

const (
	RepoPersonal RepositoryKind = iota
	RepoSpace
	RepoSpaceRoot
	RepoSharesList
	RepoShare
)

// String returns a lower-case name for the repository kind.
func (k RepositoryKind) String() string {
	switch k {
	case RepoPersonal:
		return "personal"
	case RepoSpace:
		return "space"
	case RepoSpaceRoot:
		return "space_root"
	case RepoSharesList:
		return "shares_list"
	case RepoShare:
		return "share"
	default:
		return "unknown"
	}
}

// ResolvedLocation is the output of virtual-path resolution: where the
// request lands in real storage and what the acting principal may do there.
type ResolvedLocation struct {
	// RealBasePath is the storage location the virtual location maps to.
	// Empty for pure listing containers (the bare shares repository, a
	// space without a root alias).
	RealBasePath string

	// RemainingSegments is the relative path below the resolved base,
	// in order, unmodified.
	RemainingSegments []string

	// Kind classifies the repository the path resolved into.
	Kind RepositoryKind

	// Permissions is the effective permission set of the acting principal
	// at this location, after all layering and intersection rules.
	Permissions permission.Set

	// OwnerID is the owning user of the resolved storage area, when one
	// exists (personal areas, space roots, shares). Zero otherwise.
	OwnerID int64
}
