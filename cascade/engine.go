// Package cascade implements diff-and-cascade propagation of upstream
// grant changes through the share hierarchy.
//
// When a space's or share's membership or root set changes, descendant
// shares may lose the grant that justified their existence. The engine
// diffs the old and new grant lists, expands group principals through the
// group closure, discounts users who keep an operation through an
// alternate grant path, and then either deletes the affected descendant
// shares (principal fully removed) or strips the lost operations from
// their membership rows (principal narrowed).
//
// Cascades are best-effort side effects of an already-committed mutation:
// they run in the background relative to the caller, per-row failures are
// logged and skipped, and a brief window of stale cached permissions is
// accepted until invalidation lands.
package cascade

import (
	"context"
	"fmt"
	"log"

	"github.com/loftshare/loft"
	"github.com/loftshare/loft/cache"
	"github.com/loftshare/loft/membership"
	"github.com/loftshare/loft/notify"
	"github.com/loftshare/loft/permission"
	"github.com/loftshare/loft/store"
	"github.com/loftshare/loft/tasks"
)

// Scope identifies the mutated entity: a space xor a share, plus its alias
// for cache invalidation and notifications.
type Scope struct {
	SpaceID int64
	ShareID int64
	Alias   string
}

// Engine propagates grant changes. Construct with NewEngine; the zero
// value is not usable.
type Engine struct {
	store   store.Store
	members *membership.Resolver
	cache   *cache.Cache
	sink    notify.Sink
	exec    tasks.Executor
}

// Option configures an Engine.
type Option func(*Engine)

// WithCache invalidates memoized resolutions after each cascade.
func WithCache(c *cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithSink replaces the default log sink for notifications.
func WithSink(s notify.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithExecutor replaces the background executor. Wiring tasks.Inline{}
// makes cascades synchronous with the triggering call, trading the
// eventual-consistency window for immediate visibility.
func WithExecutor(x tasks.Executor) Option {
	return func(e *Engine) { e.exec = x }
}

// NewEngine returns a propagation engine over the given store. By default
// cascades run on a background runner and notify through the log sink.
func NewEngine(st store.Store, members *membership.Resolver, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		members: members,
		sink:    notify.LogSink{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.exec == nil {
		e.exec = tasks.NewRunner()
	}
	return e
}

// narrowing is one principal's permission loss after diffing.
type narrowing struct {
	key  store.PrincipalKey
	lost permission.Set
}

// OnMembershipMutated triggers propagation after the scope's membership
// list changed from old to new. The triggering write has already
// committed; the cascade itself is detached from the caller. actorID is
// excluded from notifications.
func (e *Engine) OnMembershipMutated(ctx context.Context, scope Scope, old, current []*store.Membership, actorID int64) {
	e.exec.Go(context.WithoutCancel(ctx), "cascade-membership", func(ctx context.Context) error {
		return e.cascadeMemberships(ctx, scope, old, current, actorID)
	})
}

// OnRootMutated triggers propagation after a space's root set changed.
// Removed roots take every share anchored at them down; narrowed roots
// strip the lost operations from anchored shares' membership rows.
func (e *Engine) OnRootMutated(ctx context.Context, scope Scope, old, current []*store.SpaceRoot, actorID int64) {
	e.exec.Go(context.WithoutCancel(ctx), "cascade-roots", func(ctx context.Context) error {
		return e.cascadeRoots(ctx, scope, old, current, actorID)
	})
}

// OnSpaceDeleted removes every share anchored at the deleted space. The
// space row, its roots, and its memberships are already gone; members is
// the pre-deletion membership snapshot used for notification.
func (e *Engine) OnSpaceDeleted(ctx context.Context, space *store.Space, members []*store.Membership, actorID int64) {
	e.exec.Go(context.WithoutCancel(ctx), "cascade-space-delete", func(ctx context.Context) error {
		shares, err := e.store.SharesAnchoredAt(ctx, space.ID, 0)
		if err != nil {
			return fmt.Errorf("loading shares of space %d: %w", space.ID, err)
		}
		e.deleteShares(ctx, topLevel(shares, shares), notify.Event{
			Kind:    notify.EventSpaceDeleted,
			Alias:   space.Alias,
			SpaceID: space.ID,
		}, actorID)
		e.invalidateScope(space.Alias)
		e.notifyMembers(ctx, members, notify.Event{
			Kind:    notify.EventSpaceDeleted,
			Alias:   space.Alias,
			SpaceID: space.ID,
		}, actorID)
		return nil
	})
}

// OnShareDeleted removes the descendants of an explicitly deleted share
// and notifies its members. Storage-level cascade has already removed the
// rows when the store deletes by id; this entry point covers stores
// without referential cascade and handles cache/notification fan-out.
func (e *Engine) OnShareDeleted(ctx context.Context, share *store.Share, members []*store.Membership, actorID int64) {
	e.exec.Go(context.WithoutCancel(ctx), "cascade-share-delete", func(ctx context.Context) error {
		aliases := []string{share.Alias}
		if descendants, err := e.store.DescendantShares(ctx, share.ID); err == nil {
			for _, d := range descendants {
				aliases = append(aliases, d.Alias)
			}
		} else {
			log.Printf("[loft] cascade: loading descendants of share %d: %v", share.ID, err)
		}
		if _, err := e.store.DeleteShare(ctx, share.ID); err != nil {
			log.Printf("[loft] cascade: deleting share %d: %v", share.ID, err)
		}
		for _, alias := range aliases {
			e.invalidateScope(alias)
		}
		e.notifyMembers(ctx, members, notify.Event{
			Kind:    notify.EventShareDeleted,
			Alias:   share.Alias,
			ShareID: share.ID,
		}, actorID)
		return nil
	})
}

// cascadeMemberships is the diff-and-cascade algorithm over a membership
// mutation.
func (e *Engine) cascadeMemberships(ctx context.Context, scope Scope, old, current []*store.Membership, actorID int64) error {
	removedKeys, narrowings := diffMemberships(old, current)
	if len(removedKeys) == 0 && len(narrowings) == 0 {
		// Pure additions still invalidate: the added principals may hold
		// stale negative entries.
		e.invalidateScope(scope.Alias)
		return nil
	}

	removedUsers, err := e.expandRemoved(ctx, removedKeys, current)
	if err != nil {
		return err
	}
	lostByUser, err := e.expandNarrowed(ctx, narrowings, current)
	if err != nil {
		return err
	}

	shares, err := e.scopedShares(ctx, scope)
	if err != nil {
		return err
	}

	if len(removedUsers) > 0 {
		affected := sharesOwnedBy(shares, removedUsers)
		e.deleteShares(ctx, topLevel(affected, shares), notify.Event{
			Kind:    notify.EventShareDeleted,
			Alias:   scope.Alias,
			SpaceID: scope.SpaceID,
			ShareID: scope.ShareID,
		}, actorID)
	}

	if len(lostByUser) > 0 {
		narrowedOwners := make(map[int64]bool, len(lostByUser))
		for uid := range lostByUser {
			narrowedOwners[uid] = true
		}
		affected := sharesOwnedBy(shares, narrowedOwners)
		e.narrowShares(ctx, affected, lostByUser, actorID)
	}

	e.invalidateScope(scope.Alias)
	e.notifyRemoved(ctx, scope, removedUsers, actorID)
	return nil
}

// diffMemberships compares the grant lists by principal: principals absent
// from the new list are removed; principals present in both with a smaller
// effective grant are narrowed by the difference. Rows are compared by what
// they actually grant, so demoting a manager narrows by the operations the
// stored permission string never carried.
func diffMemberships(old, current []*store.Membership) ([]store.PrincipalKey, []narrowing) {
	currentByKey := make(map[store.PrincipalKey]*store.Membership, len(current))
	for _, m := range current {
		currentByKey[m.Principal()] = m
	}

	var removed []store.PrincipalKey
	var narrowed []narrowing
	seen := make(map[store.PrincipalKey]bool, len(old))
	for _, m := range old {
		key := m.Principal()
		if seen[key] {
			continue
		}
		seen[key] = true

		now, ok := currentByKey[key]
		if !ok {
			removed = append(removed, key)
			continue
		}
		lost := effectiveGrant(m).Difference(effectiveGrant(now))
		if !lost.IsEmpty() {
			narrowed = append(narrowed, narrowing{key: key, lost: lost})
		}
	}
	return removed, narrowed
}

// effectiveGrant is what a row really grants: manager rows hold the full
// operation set regardless of their stored permissions.
func effectiveGrant(m *store.Membership) permission.Set {
	if m.Role == store.RoleManager {
		return permission.All()
	}
	return m.Permissions
}

// expandRemoved turns removed principal keys into user ids, expanding
// groups through the closure. Users still granted through the current
// list (space managers in particular always hold full rights) are exempt.
func (e *Engine) expandRemoved(ctx context.Context, removed []store.PrincipalKey, current []*store.Membership) (map[int64]bool, error) {
	users := make(map[int64]bool)
	for _, key := range removed {
		if key.UserID != 0 {
			users[key.UserID] = true
			continue
		}
		expanded, err := e.members.GroupUserClosure(ctx, key.GroupID)
		if err != nil {
			return nil, err
		}
		for uid := range expanded {
			users[uid] = true
		}
	}

	for uid := range users {
		still, err := e.members.EffectivePermission(ctx, uid, current)
		if err != nil {
			return nil, err
		}
		if !still.IsEmpty() {
			delete(users, uid)
		}
	}
	return users, nil
}

// expandNarrowed recomputes per-user lost operations. An operation only
// counts as lost when no alternate grant path still provides it; users
// whose remaining loss is empty drop out entirely.
func (e *Engine) expandNarrowed(ctx context.Context, narrowed []narrowing, current []*store.Membership) (map[int64]permission.Set, error) {
	lostByUser := make(map[int64]permission.Set)
	for _, n := range narrowed {
		var userIDs []int64
		if n.key.UserID != 0 {
			userIDs = []int64{n.key.UserID}
		} else {
			expanded, err := e.members.GroupUserClosure(ctx, n.key.GroupID)
			if err != nil {
				return nil, err
			}
			for uid := range expanded {
				userIDs = append(userIDs, uid)
			}
		}

		for _, uid := range userIDs {
			var remaining permission.Set
			for _, op := range n.lost.Ops() {
				kept, err := e.members.StillGrantedViaAlternatePath(ctx, uid, op, current, n.key.GroupID)
				if err != nil {
					return nil, err
				}
				if !kept {
					remaining = remaining.Union(permission.FromOps(op))
				}
			}
			if !remaining.IsEmpty() {
				lostByUser[uid] = lostByUser[uid].Union(remaining)
			}
		}
	}
	return lostByUser, nil
}

// scopedShares loads the descendant-share set of the mutated scope in a
// single recursive read.
func (e *Engine) scopedShares(ctx context.Context, scope Scope) ([]*store.Share, error) {
	if scope.ShareID != 0 {
		shares, err := e.store.DescendantShares(ctx, scope.ShareID)
		if err != nil {
			return nil, fmt.Errorf("loading descendants of share %d: %w", scope.ShareID, err)
		}
		return shares, nil
	}
	shares, err := e.store.SharesAnchoredAt(ctx, scope.SpaceID, 0)
	if err != nil {
		return nil, fmt.Errorf("loading shares of space %d: %w", scope.SpaceID, err)
	}
	return shares, nil
}

// sharesOwnedBy filters shares, and their descendants within the set, to
// those owned by the given users.
func sharesOwnedBy(shares []*store.Share, owners map[int64]bool) []*store.Share {
	var out []*store.Share
	for _, sh := range shares {
		if owners[sh.OwnerID] {
			out = append(out, sh)
		}
	}
	return out
}

// topLevel keeps only candidates with no ancestor inside the candidate
// set: the storage-level cascade removes everything below each deleted
// share. The universe supplies parent links for chain walking; the seen
// set guards against corrupted parent links forming a cycle.
func topLevel(candidates, universe []*store.Share) []*store.Share {
	inSet := make(map[int64]bool, len(candidates))
	for _, sh := range candidates {
		inSet[sh.ID] = true
	}
	parents := make(map[int64]int64, len(universe))
	for _, sh := range universe {
		parents[sh.ID] = sh.ParentID
	}
	var out []*store.Share
	for _, sh := range candidates {
		covered := false
		seen := map[int64]bool{sh.ID: true}
		for p := sh.ParentID; p != 0 && !seen[p]; p = parents[p] {
			seen[p] = true
			if inSet[p] {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, sh)
		}
	}
	return out
}

// deleteShares removes each affected top-level share, snapshotting its
// members first so they can be notified. A failure on one share is logged
// and does not abort the remaining shares.
func (e *Engine) deleteShares(ctx context.Context, shares []*store.Share, event notify.Event, actorID int64) {
	for _, sh := range shares {
		recipients, aliases := e.snapshotSubtree(ctx, sh)

		if _, err := e.store.DeleteShare(ctx, sh.ID); err != nil {
			log.Printf("[loft] cascade: deleting share %d (%s): %v", sh.ID, sh.Alias, err)
			continue
		}

		// Descendants fall with the subtree root via the storage cascade;
		// their cached resolutions must fall with them.
		for _, alias := range aliases {
			e.invalidateShare(alias, recipients)
		}
		ev := event
		ev.Kind = notify.EventShareDeleted
		ev.ShareID = sh.ID
		ev.Alias = sh.Alias
		e.notifyUsers(ctx, recipients, ev, actorID)
	}
}

// snapshotSubtree collects the user ids holding memberships on a share
// and all its descendants, plus the owners, and the subtree's aliases,
// before deletion makes the rows unreachable.
func (e *Engine) snapshotSubtree(ctx context.Context, sh *store.Share) (map[int64]bool, []string) {
	recipients := map[int64]bool{sh.OwnerID: true}
	subtree := []*store.Share{sh}
	if descendants, err := e.store.DescendantShares(ctx, sh.ID); err == nil {
		subtree = append(subtree, descendants...)
	} else {
		log.Printf("[loft] cascade: loading descendants of share %d: %v", sh.ID, err)
	}
	aliases := make([]string, 0, len(subtree))
	for _, s := range subtree {
		aliases = append(aliases, s.Alias)
		recipients[s.OwnerID] = true
		members, err := e.store.MembershipsOfShare(ctx, s.ID)
		if err != nil {
			log.Printf("[loft] cascade: loading members of share %d: %v", s.ID, err)
			continue
		}
		for _, m := range members {
			if m.UserID != 0 {
				recipients[m.UserID] = true
			}
		}
	}
	return recipients, aliases
}

// narrowShares strips lost operations from the membership rows of the
// affected shares and their descendants. Rows sharing an identical lost
// set are grouped so one signature produces one write batch; per-row
// failures are logged and skipped.
func (e *Engine) narrowShares(ctx context.Context, shares []*store.Share, lostByUser map[int64]permission.Set, actorID int64) {
	for _, sh := range shares {
		lost := lostByUser[sh.OwnerID]
		if lost.IsEmpty() {
			continue
		}
		subtree := []*store.Share{sh}
		if descendants, err := e.store.DescendantShares(ctx, sh.ID); err == nil {
			subtree = append(subtree, descendants...)
		}

		// Group rows by exact lost-op signature: all rows intersecting
		// the same delta take the same write shape.
		groups := make(map[permission.Set][]*store.Membership)
		var shareAliases []string
		for _, s := range subtree {
			shareAliases = append(shareAliases, s.Alias)
			members, err := e.store.MembershipsOfShare(ctx, s.ID)
			if err != nil {
				log.Printf("[loft] cascade: loading members of share %d: %v", s.ID, err)
				continue
			}
			for _, m := range members {
				if delta := m.Permissions.Intersect(lost); !delta.IsEmpty() {
					groups[delta] = append(groups[delta], m)
				}
			}
		}

		touched := make(map[int64]bool)
		for delta, rows := range groups {
			for _, m := range rows {
				updated := *m
				updated.Permissions = m.Permissions.Difference(delta)
				if err := e.store.UpdateMembership(ctx, &updated); err != nil {
					log.Printf("[loft] cascade: narrowing membership %d by %q: %v", m.ID, delta, err)
					continue
				}
				if m.UserID != 0 {
					touched[m.UserID] = true
				}
			}
		}

		for _, alias := range shareAliases {
			e.invalidateShare(alias, touched)
		}
		e.notifyUsers(ctx, touched, notify.Event{
			Kind:    notify.EventPermissionChanged,
			Alias:   sh.Alias,
			ShareID: sh.ID,
			LostOps: lost.String(),
		}, actorID)
	}
}

// cascadeRoots diffs a space's root set. A removed root deletes every
// share anchored at it; a narrowed root strips the lost operations from
// anchored shares' membership rows.
func (e *Engine) cascadeRoots(ctx context.Context, scope Scope, old, current []*store.SpaceRoot, actorID int64) error {
	currentByID := make(map[int64]*store.SpaceRoot, len(current))
	for _, r := range current {
		currentByID[r.ID] = r
	}

	for _, oldRoot := range old {
		now, ok := currentByID[oldRoot.ID]
		if !ok {
			shares, err := e.store.SharesAnchoredAt(ctx, scope.SpaceID, oldRoot.ID)
			if err != nil {
				log.Printf("[loft] cascade: loading shares of root %d: %v", oldRoot.ID, err)
				continue
			}
			e.deleteShares(ctx, topLevel(shares, shares), notify.Event{
				Kind:    notify.EventShareDeleted,
				Alias:   scope.Alias,
				SpaceID: scope.SpaceID,
			}, actorID)
			continue
		}

		lost := oldRoot.Permissions.Difference(now.Permissions)
		if lost.IsEmpty() {
			continue
		}
		shares, err := e.store.SharesAnchoredAt(ctx, scope.SpaceID, oldRoot.ID)
		if err != nil {
			log.Printf("[loft] cascade: loading shares of root %d: %v", oldRoot.ID, err)
			continue
		}
		// Root narrowing applies to every anchored share regardless of
		// owner: the root override bounds everyone's intersection.
		lostByOwner := make(map[int64]permission.Set, len(shares))
		for _, sh := range shares {
			lostByOwner[sh.OwnerID] = lost
		}
		e.narrowShares(ctx, topLevel(shares, shares), lostByOwner, actorID)
	}

	e.invalidateScope(scope.Alias)
	return nil
}

func (e *Engine) invalidateScope(alias string) {
	if e.cache != nil && alias != "" {
		e.cache.Invalidate(alias)
	}
}

func (e *Engine) invalidateShare(alias string, users map[int64]bool) {
	if e.cache == nil || alias == "" {
		return
	}
	if len(users) == 0 {
		e.cache.Invalidate(alias)
		return
	}
	principals := make([]loft.Principal, 0, len(users))
	for uid := range users {
		principals = append(principals, loft.Principal{ID: uid, Kind: loft.KindUser})
	}
	e.cache.Invalidate(alias, principals...)
}

func (e *Engine) notifyUsers(ctx context.Context, users map[int64]bool, event notify.Event, actorID int64) {
	recipients := make([]int64, 0, len(users))
	for uid := range users {
		if uid != actorID {
			recipients = append(recipients, uid)
		}
	}
	if len(recipients) > 0 {
		e.sink.Notify(ctx, recipients, event)
	}
}

func (e *Engine) notifyRemoved(ctx context.Context, scope Scope, removed map[int64]bool, actorID int64) {
	if len(removed) == 0 {
		return
	}
	e.notifyUsers(ctx, removed, notify.Event{
		Kind:    notify.EventMemberRemoved,
		Alias:   scope.Alias,
		SpaceID: scope.SpaceID,
		ShareID: scope.ShareID,
	}, actorID)
}

func (e *Engine) notifyMembers(ctx context.Context, members []*store.Membership, event notify.Event, actorID int64) {
	users := make(map[int64]bool, len(members))
	for _, m := range members {
		if m.UserID != 0 {
			users[m.UserID] = true
		}
	}
	e.notifyUsers(ctx, users, event, actorID)
}
