// Package resolve translates virtual hierarchical locations into real
// storage locations plus effective permission sets.
//
// A virtual path starts with a repository tag and continues with an alias
// chain and a relative path:
//
//	personal/docs/report.txt        own storage area
//	trash/old.txt                   own trash (deletion allowed)
//	files/acme                      space listing
//	files/acme/assets/logo.png      space root + relative path
//	shares                          shares listing container
//	shares/q1report/summary.md      share + relative path
//
// Resolution order and permission layering follow fixed precedence rules;
// see Resolver.Resolve. Whether a required operation is present in the
// resolved set is a separate concern, exposed as CheckAllowed and
// RequireOperation rather than baked into resolution.
package resolve

import (
	"context"
	"path"
	"strings"

	"github.com/loftshare/loft"
	"github.com/loftshare/loft/cache"
	"github.com/loftshare/loft/membership"
	"github.com/loftshare/loft/permission"
	"github.com/loftshare/loft/store"
)

// Repository tags recognized as the first virtual path segment.
const (
	TagPersonal = "personal"
	TagTrash    = "trash"
	TagFiles    = "files"
	TagShares   = "shares"
)

// TrashDir is the directory inside a user's storage root backing the trash
// repository.
const TrashDir = ".trash"

// Resolver resolves virtual paths. It is stateless apart from an optional
// result cache and safe for concurrent use; resolution is a pure function
// of committed store state.
type Resolver struct {
	store   store.Store
	members *membership.Resolver
	cache   *cache.Cache
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCache memoizes resolution results. Cache failures and misses degrade
// to live recomputation; entries are invalidated by the propagation engine.
func WithCache(c *cache.Cache) Option {
	return func(r *Resolver) {
		r.cache = c
	}
}

// NewResolver returns a path resolver over the given store.
func NewResolver(st store.Store, members *membership.Resolver, opts ...Option) *Resolver {
	r := &Resolver{store: st, members: members}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CheckAllowed reports whether the permission set holds the required
// operation. Kept separate from Resolve so callers decide which operation
// a request actually needs.
func CheckAllowed(perms permission.Set, required permission.Op) bool {
	return perms.Contains(required)
}

// RequireOperation returns ErrForbidden when the required operation is
// absent from the permission set.
func RequireOperation(perms permission.Set, required permission.Op) error {
	if !perms.Contains(required) {
		return loft.Forbiddenf("operation %q not granted", required.Token())
	}
	return nil
}

// Resolve translates a virtual path for the acting principal. Repeated
// calls against unchanged store state yield identical locations.
//
// Precedence: personal and trash repositories need no membership lookup
// and are always accessible to their owner; the bare shares tag is a pure
// listing container; spaces are checked for membership before the enabled
// flag; shares walk the parent chain for location inheritance.
func (r *Resolver) Resolve(ctx context.Context, principal loft.Principal, virtualPath string) (loft.ResolvedLocation, error) {
	segments := splitPath(virtualPath)
	if len(segments) == 0 {
		return loft.ResolvedLocation{}, loft.NotFoundf("empty virtual path")
	}

	if r.cache != nil {
		key := cache.Key("resolve", principal, segments...)
		if loc, ok := cache.Get[loft.ResolvedLocation](r.cache, key); ok {
			return loc, nil
		}
		loc, err := r.resolve(ctx, principal, segments)
		if err == nil {
			r.cache.Set(key, loc)
		}
		return loc, err
	}
	return r.resolve(ctx, principal, segments)
}

func (r *Resolver) resolve(ctx context.Context, principal loft.Principal, segments []string) (loft.ResolvedLocation, error) {
	switch segments[0] {
	case TagPersonal:
		return r.resolvePersonal(ctx, principal, segments[1:], false)
	case TagTrash:
		return r.resolvePersonal(ctx, principal, segments[1:], true)
	case TagFiles:
		if len(segments) < 2 {
			return loft.ResolvedLocation{}, loft.NotFoundf("space alias required")
		}
		return r.resolveSpace(ctx, principal, segments[1], segments[2:])
	case TagShares:
		if len(segments) == 1 {
			// Listing container: no real path, no permissions.
			return loft.ResolvedLocation{Kind: loft.RepoSharesList}, nil
		}
		return r.resolveShare(ctx, principal, segments[1], segments[2:])
	default:
		return loft.ResolvedLocation{}, loft.NotFoundf("unknown repository %q", segments[0])
	}
}

// resolvePersonal maps into the principal's own storage area. No
// membership lookup: the area is always accessible to its owner. DELETE is
// implied only inside the trash repository.
func (r *Resolver) resolvePersonal(ctx context.Context, principal loft.Principal, rest []string, trash bool) (loft.ResolvedLocation, error) {
	owner, err := r.store.UserByID(ctx, principal.ID)
	if err != nil {
		return loft.ResolvedLocation{}, err
	}

	base := owner.StorageRoot
	perms := permission.All(permission.Delete)
	if trash {
		base = path.Join(base, TrashDir)
		perms = permission.All()
	}
	return loft.ResolvedLocation{
		RealBasePath:      base,
		RemainingSegments: rest,
		Kind:              loft.RepoPersonal,
		Permissions:       perms,
		OwnerID:           owner.ID,
	}, nil
}

// resolveSpace handles files/<space>[/<root>]/... . The space grant is the
// union of the principal's matching membership rows (direct and via group
// closure); managers and administrators browsing an owner-less space hold
// the full set. With a root alias, the space grant is intersected with the
// root's own permission set.
func (r *Resolver) resolveSpace(ctx context.Context, principal loft.Principal, spaceAlias string, rest []string) (loft.ResolvedLocation, error) {
	space, err := r.store.SpaceByAlias(ctx, spaceAlias)
	if err != nil {
		return loft.ResolvedLocation{}, err
	}

	memberships, err := r.store.MembershipsOfSpace(ctx, space.ID)
	if err != nil {
		return loft.ResolvedLocation{}, err
	}

	perms, err := r.members.EffectivePermission(ctx, principal.ID, memberships)
	if err != nil {
		return loft.ResolvedLocation{}, err
	}
	if perms.IsEmpty() {
		// Administrators may browse a space nobody holds a grant on.
		if principal.Admin && len(memberships) == 0 {
			perms = permission.All()
		} else {
			return loft.ResolvedLocation{}, loft.NotFoundf("space %q: no membership for principal %d", spaceAlias, principal.ID)
		}
	}
	if !space.Enabled {
		return loft.ResolvedLocation{}, loft.Forbiddenf("space %q is disabled", spaceAlias)
	}

	if len(rest) == 0 {
		return loft.ResolvedLocation{
			Kind:        loft.RepoSpace,
			Permissions: perms,
		}, nil
	}

	root, err := r.store.SpaceRootByAlias(ctx, space.ID, rest[0])
	if err != nil {
		return loft.ResolvedLocation{}, err
	}

	rootPerms := perms.Intersect(root.Permissions)
	if principal.ID != root.OwnerID {
		// Root permission alone never implies deleting another user's
		// root contents.
		rootPerms = rootPerms.Difference(permission.FromOps(permission.Delete))
	}

	base, err := r.rootBasePath(ctx, root)
	if err != nil {
		return loft.ResolvedLocation{}, err
	}
	return loft.ResolvedLocation{
		RealBasePath:      base,
		RemainingSegments: rest[1:],
		Kind:              loft.RepoSpaceRoot,
		Permissions:       rootPerms,
		OwnerID:           root.OwnerID,
	}, nil
}

// rootBasePath returns the real location of a space root: the external
// path, or the owning user's storage root joined with the root file's
// stored relative path.
func (r *Resolver) rootBasePath(ctx context.Context, root *store.SpaceRoot) (string, error) {
	if root.ExternalPath != "" {
		return root.ExternalPath, nil
	}
	file, err := r.store.FileByID(ctx, root.FileID)
	if err != nil {
		if loft.IsNotFound(err) {
			return "", loft.Conflictf("space root %d references missing file %d", root.ID, root.FileID)
		}
		return "", err
	}
	if file.OwnerID != root.OwnerID {
		return "", loft.Conflictf("space root %d: file %d not owned by root owner %d", root.ID, file.ID, root.OwnerID)
	}
	owner, err := r.store.UserByID(ctx, root.OwnerID)
	if err != nil {
		return "", err
	}
	return path.Join(owner.StorageRoot, file.Path), nil
}

// resolveShare handles shares/<alias>/... . Administrators and the owning
// principal bypass the membership check; everyone else needs an effective
// grant on this exact share, directly or through group closure. Guest-link
// shares never carry re-share operations.
func (r *Resolver) resolveShare(ctx context.Context, principal loft.Principal, alias string, rest []string) (loft.ResolvedLocation, error) {
	share, err := r.store.ShareByAlias(ctx, alias)
	if err != nil {
		return loft.ResolvedLocation{}, err
	}

	var perms permission.Set
	if principal.Admin || principal.ID == share.OwnerID {
		perms = permission.All()
	} else {
		memberships, err := r.store.MembershipsOfShare(ctx, share.ID)
		if err != nil {
			return loft.ResolvedLocation{}, err
		}
		perms, err = r.members.EffectivePermission(ctx, principal.ID, memberships)
		if err != nil {
			return loft.ResolvedLocation{}, err
		}
		if perms.IsEmpty() {
			return loft.ResolvedLocation{}, loft.NotFoundf("share %q: no membership for principal %d", alias, principal.ID)
		}
	}
	if share.LinkID != 0 || principal.IsGuest() {
		perms = perms.Difference(permission.FromOps(permission.ShareInside, permission.ShareOutside))
	}

	base, disabled, err := r.shareBasePath(ctx, share)
	if err != nil {
		return loft.ResolvedLocation{}, err
	}
	if disabled {
		return loft.ResolvedLocation{}, loft.Forbiddenf("share %q: containing space is disabled", alias)
	}

	return loft.ResolvedLocation{
		RealBasePath:      base,
		RemainingSegments: rest,
		Kind:              loft.RepoShare,
		Permissions:       perms,
		OwnerID:           share.OwnerID,
	}, nil
}

// shareBasePath resolves the real location of a share. Child shares that
// declare no location inherit the nearest ancestor's resolved location and
// append their own relative deltas, innermost last.
func (r *Resolver) shareBasePath(ctx context.Context, share *store.Share) (string, bool, error) {
	locShare := share
	var deltas []string

	// Walk up to the nearest ancestor that declares a location.
	visited := map[int64]bool{share.ID: true}
	for !locShare.HasLocation() {
		if locShare.ParentID == 0 {
			return "", false, loft.Conflictf("share %d declares no location and has no parent", locShare.ID)
		}
		if visited[locShare.ParentID] {
			return "", false, loft.Conflictf("share %d: parent cycle", locShare.ID)
		}
		visited[locShare.ParentID] = true

		deltas = append([]string{locShare.RelativePath}, deltas...)
		parent, err := r.store.ShareByID(ctx, locShare.ParentID)
		if err != nil {
			if loft.IsNotFound(err) {
				return "", false, loft.Conflictf("share %d references missing parent %d", locShare.ID, locShare.ParentID)
			}
			return "", false, err
		}
		locShare = parent
	}

	base, disabled, err := r.declaredBasePath(ctx, locShare)
	if err != nil {
		return "", false, err
	}
	elems := append([]string{base, locShare.RelativePath}, deltas...)
	return path.Join(elems...), disabled, nil
}

// declaredBasePath resolves the location a share declares itself:
// an external path, a location inside a space, or a file owned by the
// share's creator.
func (r *Resolver) declaredBasePath(ctx context.Context, share *store.Share) (string, bool, error) {
	if share.ExternalPath != "" {
		return share.ExternalPath, false, nil
	}

	if share.SpaceID != 0 {
		return r.spaceAnchoredBasePath(ctx, share)
	}

	// Personal share: a file or directory owned by the creator.
	file, err := r.store.FileByID(ctx, share.FileID)
	if err != nil {
		if loft.IsNotFound(err) {
			return "", false, loft.Conflictf("share %d references missing file %d", share.ID, share.FileID)
		}
		return "", false, err
	}
	if file.OwnerID != share.OwnerID {
		return "", false, loft.Conflictf("share %d: file %d not owned by share owner %d", share.ID, file.ID, share.OwnerID)
	}
	owner, err := r.store.UserByID(ctx, share.OwnerID)
	if err != nil {
		return "", false, err
	}
	return path.Join(owner.StorageRoot, file.Path), false, nil
}

// spaceAnchoredBasePath resolves a share that points inside a space. When
// the share's file is the root file itself the base is the root's path;
// otherwise the root-file path prefix is substituted out of the file's
// full path and the remainder appended to the root's path.
func (r *Resolver) spaceAnchoredBasePath(ctx context.Context, share *store.Share) (string, bool, error) {
	space, err := r.store.SpaceByID(ctx, share.SpaceID)
	if err != nil {
		if loft.IsNotFound(err) {
			return "", false, loft.Conflictf("share %d references missing space %d", share.ID, share.SpaceID)
		}
		return "", false, err
	}
	disabled := !space.Enabled

	root, err := r.anchorRoot(ctx, share)
	if err != nil {
		return "", false, err
	}
	rootPath, err := r.rootBasePath(ctx, root)
	if err != nil {
		return "", false, err
	}
	if share.FileID == 0 || share.FileID == root.FileID {
		return rootPath, disabled, nil
	}

	file, err := r.store.FileByID(ctx, share.FileID)
	if err != nil {
		if loft.IsNotFound(err) {
			return "", false, loft.Conflictf("share %d references missing file %d", share.ID, share.FileID)
		}
		return "", false, err
	}
	rootFile, err := r.store.FileByID(ctx, root.FileID)
	if err != nil {
		return "", false, err
	}
	if file.OwnerID != rootFile.OwnerID || !strings.HasPrefix(file.Path, rootFile.Path) {
		return "", false, loft.Conflictf("share %d: file %d does not belong to space %d", share.ID, file.ID, space.ID)
	}
	return path.Join(rootPath, strings.TrimPrefix(file.Path, rootFile.Path)), disabled, nil
}

// anchorRoot returns the space root a share hangs from. A share without an
// explicit root id is matched against the space's roots by file ownership
// and path prefix.
func (r *Resolver) anchorRoot(ctx context.Context, share *store.Share) (*store.SpaceRoot, error) {
	if share.SpaceRootID != 0 {
		root, err := r.store.SpaceRootByID(ctx, share.SpaceRootID)
		if err != nil {
			if loft.IsNotFound(err) {
				return nil, loft.Conflictf("share %d references missing space root %d", share.ID, share.SpaceRootID)
			}
			return nil, err
		}
		if root.SpaceID != share.SpaceID {
			return nil, loft.Conflictf("share %d: root %d belongs to space %d, not %d", share.ID, root.ID, root.SpaceID, share.SpaceID)
		}
		return root, nil
	}

	if share.FileID == 0 {
		return nil, loft.Conflictf("share %d: space anchor without root or file", share.ID)
	}
	file, err := r.store.FileByID(ctx, share.FileID)
	if err != nil {
		if loft.IsNotFound(err) {
			return nil, loft.Conflictf("share %d references missing file %d", share.ID, share.FileID)
		}
		return nil, err
	}
	roots, err := r.store.SpaceRoots(ctx, share.SpaceID)
	if err != nil {
		return nil, err
	}
	for _, root := range roots {
		if root.FileID == 0 {
			continue
		}
		rootFile, err := r.store.FileByID(ctx, root.FileID)
		if err != nil {
			continue
		}
		if rootFile.OwnerID == file.OwnerID && strings.HasPrefix(file.Path, rootFile.Path) {
			return root, nil
		}
	}
	return nil, loft.Conflictf("share %d: file %d does not belong to space %d", share.ID, share.FileID, share.SpaceID)
}

// splitPath splits a virtual path into its non-empty segments.
func splitPath(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
