// Package membership computes group closures and effective permissions.
//
// A principal's grant on an entity is the union of its direct membership
// row and the rows of every group in its closure. The closure starts at the
// groups the principal directly belongs to and descends into child groups,
// stopping at children that are not VISIBLE: members of private or isolated
// subgroups are invisible to ancestors.
package membership

import (
	"context"
	"fmt"

	"github.com/loftshare/loft/permission"
	"github.com/loftshare/loft/store"
)

// Resolver answers group-closure and effective-permission queries against
// a hierarchy store. Resolvers are stateless and safe for concurrent use.
type Resolver struct {
	store store.Store
}

// NewResolver returns a resolver backed by the given store.
func NewResolver(st store.Store) *Resolver {
	return &Resolver{store: st}
}

// GroupClosure returns the ids of every group whose grants apply to the
// user: the groups the user directly belongs to, plus all transitively
// reachable VISIBLE child groups. The group forest is acyclic by
// construction; the visited set guards against corrupted parent links.
func (r *Resolver) GroupClosure(ctx context.Context, userID int64) (map[int64]bool, error) {
	direct, err := r.store.GroupsOfUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading groups of user %d: %w", userID, err)
	}

	closure := make(map[int64]bool, len(direct))
	queue := make([]int64, 0, len(direct))
	for _, g := range direct {
		if !closure[g.ID] {
			closure[g.ID] = true
			queue = append(queue, g.ID)
		}
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		children, err := r.store.ChildGroups(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("loading child groups of %d: %w", current, err)
		}
		for _, child := range children {
			// Traversal stops at non-visible children: their members
			// are invisible to ancestors.
			if child.Visibility != store.VisibilityVisible {
				continue
			}
			if closure[child.ID] {
				continue
			}
			closure[child.ID] = true
			queue = append(queue, child.ID)
		}
	}

	return closure, nil
}

// GroupUserClosure expands a group to the user ids of its members and the
// members of every transitively reachable VISIBLE child group.
func (r *Resolver) GroupUserClosure(ctx context.Context, groupID int64) (map[int64]bool, error) {
	users := make(map[int64]bool)
	visited := map[int64]bool{groupID: true}
	queue := []int64{groupID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		ids, err := r.store.GroupMemberUserIDs(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("loading members of group %d: %w", current, err)
		}
		for _, id := range ids {
			users[id] = true
		}

		children, err := r.store.ChildGroups(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("loading child groups of %d: %w", current, err)
		}
		for _, child := range children {
			if child.Visibility != store.VisibilityVisible {
				continue
			}
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true
			queue = append(queue, child.ID)
		}
	}

	return users, nil
}

// AllowedPrincipals returns the user ids the acting user is allowed to
// grant memberships to. The whitelist prevents privilege escalation when
// adding members to a share or space the acting user does not fully
// control. It is the union of:
//
//   - all ungrouped, non-hidden users
//   - all users reachable through the acting user's group closure
//   - guests the acting user manages
//   - for guest actors, the managing user
func (r *Resolver) AllowedPrincipals(ctx context.Context, actingUserID int64) (map[int64]bool, error) {
	allowed := map[int64]bool{actingUserID: true}

	all, err := r.store.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading users: %w", err)
	}
	for _, u := range all {
		if u.Hidden || u.IsGuest() {
			continue
		}
		groups, err := r.store.GroupsOfUser(ctx, u.ID)
		if err != nil {
			return nil, fmt.Errorf("loading groups of user %d: %w", u.ID, err)
		}
		if len(groups) == 0 {
			allowed[u.ID] = true
		}
	}

	closure, err := r.GroupClosure(ctx, actingUserID)
	if err != nil {
		return nil, err
	}
	for gid := range closure {
		members, err := r.GroupUserClosure(ctx, gid)
		if err != nil {
			return nil, err
		}
		for uid := range members {
			allowed[uid] = true
		}
	}

	guests, err := r.store.GuestsManagedBy(ctx, actingUserID)
	if err != nil {
		return nil, fmt.Errorf("loading guests of user %d: %w", actingUserID, err)
	}
	for _, g := range guests {
		allowed[g.ID] = true
	}

	acting, err := r.store.UserByID(ctx, actingUserID)
	if err != nil {
		return nil, err
	}
	if acting.IsGuest() {
		allowed[acting.GuestOwnerID] = true
	}

	return allowed, nil
}

// EffectivePermission computes the user's aggregate permission over the
// given entity membership rows: the union of the direct grant (guest-link
// rows match through their synthetic user id) and the grant of every group
// in the user's closure that holds a row on the same entity. A manager row
// yields the full operation set regardless of its stored permissions.
func (r *Resolver) EffectivePermission(ctx context.Context, userID int64, memberships []*store.Membership) (permission.Set, error) {
	var set permission.Set
	var needClosure bool

	for _, m := range memberships {
		switch {
		case m.UserID == userID:
			if m.Role == store.RoleManager {
				return permission.All(), nil
			}
			set = set.Union(m.Permissions)
		case m.GroupID != 0:
			needClosure = true
		}
	}
	if !needClosure {
		return set, nil
	}

	closure, err := r.GroupClosure(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, m := range memberships {
		if m.GroupID != 0 && closure[m.GroupID] {
			if m.Role == store.RoleManager {
				return permission.All(), nil
			}
			set = set.Union(m.Permissions)
		}
	}
	return set, nil
}

// StillGrantedViaAlternatePath reports whether the user keeps the given
// operation on the entity after the grant of excludingGroupID is ignored.
// The propagation engine uses this to decide whether revoking one group
// grant actually removes an operation, or whether a direct row or a
// different group still provides it.
func (r *Resolver) StillGrantedViaAlternatePath(ctx context.Context, userID int64, op permission.Op, memberships []*store.Membership, excludingGroupID int64) (bool, error) {
	for _, m := range memberships {
		if m.UserID == userID {
			if m.Role == store.RoleManager || m.Permissions.Contains(op) {
				return true, nil
			}
		}
	}

	closure, err := r.GroupClosure(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, m := range memberships {
		if m.GroupID == 0 || m.GroupID == excludingGroupID {
			continue
		}
		if !closure[m.GroupID] {
			continue
		}
		if m.Role == store.RoleManager || m.Permissions.Contains(op) {
			return true, nil
		}
	}
	return false, nil
}

// IsManager reports whether the user holds a manager role on the entity,
// directly or through a group in its closure.
func (r *Resolver) IsManager(ctx context.Context, userID int64, memberships []*store.Membership) (bool, error) {
	var groupRows bool
	for _, m := range memberships {
		if m.UserID == userID && m.Role == store.RoleManager {
			return true, nil
		}
		if m.GroupID != 0 && m.Role == store.RoleManager {
			groupRows = true
		}
	}
	if !groupRows {
		return false, nil
	}
	closure, err := r.GroupClosure(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, m := range memberships {
		if m.GroupID != 0 && m.Role == store.RoleManager && closure[m.GroupID] {
			return true, nil
		}
	}
	return false, nil
}
