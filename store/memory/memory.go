// Package memory provides the in-memory hierarchy store. It is the default
// store for embedding and the fixture every engine test builds on. All data
// lives in mutex-guarded maps; reads return copies so callers can never
// mutate stored state through aliasing.
package memory

import (
	"context"
	"sync"

	"github.com/loftshare/loft"
	"github.com/loftshare/loft/store"
)

var _ store.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store. The zero value is
// not usable; construct with New.
type Store struct {
	mu sync.RWMutex

	nextID int64

	users       map[int64]*store.User
	groups      map[int64]*store.Group
	groupUsers  map[int64][]int64 // group id -> member user ids
	files       map[int64]*store.File
	spaces      map[int64]*store.Space
	roots       map[int64]*store.SpaceRoot
	shares      map[int64]*store.Share
	memberships map[int64]*store.Membership
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		nextID:      1,
		users:       make(map[int64]*store.User),
		groups:      make(map[int64]*store.Group),
		groupUsers:  make(map[int64][]int64),
		files:       make(map[int64]*store.File),
		spaces:      make(map[int64]*store.Space),
		roots:       make(map[int64]*store.SpaceRoot),
		shares:      make(map[int64]*store.Share),
		memberships: make(map[int64]*store.Membership),
	}
}

// id allocates the next identifier. Callers must hold mu.
func (s *Store) id() int64 {
	id := s.nextID
	s.nextID++
	return id
}

// AddUser inserts a user, assigning an id when unset, and returns it.
func (s *Store) AddUser(u *store.User) *store.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		u.ID = s.id()
	}
	cp := *u
	s.users[cp.ID] = &cp
	return u
}

// AddGroup inserts a group, assigning an id when unset, and returns it.
func (s *Store) AddGroup(g *store.Group) *store.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == 0 {
		g.ID = s.id()
	}
	cp := *g
	s.groups[cp.ID] = &cp
	return g
}

// AddGroupMember records user membership in a group.
func (s *Store) AddGroupMember(groupID, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupUsers[groupID] = append(s.groupUsers[groupID], userID)
}

// AddFile inserts a file, assigning an id when unset, and returns it.
func (s *Store) AddFile(f *store.File) *store.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == 0 {
		f.ID = s.id()
	}
	cp := *f
	s.files[cp.ID] = &cp
	return f
}

// AddSpace inserts a space, assigning an id when unset, and returns it.
func (s *Store) AddSpace(sp *store.Space) *store.Space {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp.ID == 0 {
		sp.ID = s.id()
	}
	cp := *sp
	s.spaces[cp.ID] = &cp
	return sp
}

// AddSpaceRoot inserts a space root, assigning an id when unset.
func (s *Store) AddSpaceRoot(r *store.SpaceRoot) *store.SpaceRoot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.id()
	}
	cp := *r
	s.roots[cp.ID] = &cp
	return r
}

// UpdateSpace replaces a stored space.
func (s *Store) UpdateSpace(sp *store.Space) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sp
	s.spaces[cp.ID] = &cp
}

func (s *Store) UserByID(_ context.Context, id int64) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, loft.NotFoundf("user %d", id)
	}
	cp := *u
	return &cp, nil
}

func (s *Store) UserByUsername(_ context.Context, username string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, loft.NotFoundf("user %q", username)
}

func (s *Store) Users(_ context.Context) ([]*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) GuestsManagedBy(_ context.Context, userID int64) ([]*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.User
	for _, u := range s.users {
		if u.GuestOwnerID == userID {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) GroupByID(_ context.Context, id int64) (*store.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, loft.NotFoundf("group %d", id)
	}
	cp := *g
	return &cp, nil
}

func (s *Store) GroupsOfUser(_ context.Context, userID int64) ([]*store.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Group
	for gid, members := range s.groupUsers {
		for _, uid := range members {
			if uid != userID {
				continue
			}
			if g, ok := s.groups[gid]; ok {
				cp := *g
				out = append(out, &cp)
			}
			break
		}
	}
	return out, nil
}

func (s *Store) ChildGroups(_ context.Context, parentID int64) ([]*store.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Group
	for _, g := range s.groups {
		if g.ParentID == parentID {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) GroupMemberUserIDs(_ context.Context, groupID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.groupUsers[groupID]
	out := make([]int64, len(members))
	copy(out, members)
	return out, nil
}

func (s *Store) FileByID(_ context.Context, id int64) (*store.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	if !ok {
		return nil, loft.NotFoundf("file %d", id)
	}
	cp := *f
	return &cp, nil
}

func (s *Store) SpaceByID(_ context.Context, id int64) (*store.Space, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.spaces[id]
	if !ok {
		return nil, loft.NotFoundf("space %d", id)
	}
	cp := *sp
	return &cp, nil
}

func (s *Store) SpaceByAlias(_ context.Context, alias string) (*store.Space, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sp := range s.spaces {
		if sp.Alias == alias {
			cp := *sp
			return &cp, nil
		}
	}
	return nil, loft.NotFoundf("space %q", alias)
}

func (s *Store) SpaceRootByID(_ context.Context, id int64) (*store.SpaceRoot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roots[id]
	if !ok {
		return nil, loft.NotFoundf("space root %d", id)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) SpaceRootByAlias(_ context.Context, spaceID int64, alias string) (*store.SpaceRoot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.roots {
		if r.SpaceID == spaceID && r.Alias == alias {
			cp := *r
			return &cp, nil
		}
	}
	return nil, loft.NotFoundf("space root %q in space %d", alias, spaceID)
}

func (s *Store) SpaceRoots(_ context.Context, spaceID int64) ([]*store.SpaceRoot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.SpaceRoot
	for _, r := range s.roots {
		if r.SpaceID == spaceID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) ShareByID(_ context.Context, id int64) (*store.Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shares[id]
	if !ok {
		return nil, loft.NotFoundf("share %d", id)
	}
	cp := *sh
	return &cp, nil
}

func (s *Store) ShareByAlias(_ context.Context, alias string) (*store.Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sh := range s.shares {
		if sh.Alias == alias {
			cp := *sh
			return &cp, nil
		}
	}
	return nil, loft.NotFoundf("share %q", alias)
}

func (s *Store) ChildShares(_ context.Context, parentID int64) ([]*store.Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Share
	for _, sh := range s.shares {
		if sh.ParentID == parentID {
			cp := *sh
			out = append(out, &cp)
		}
	}
	return out, nil
}

// DescendantShares walks the child tree breadth-first with a visited set.
// The set guards against corrupted parent links forming a cycle; the tree
// is acyclic by construction.
func (s *Store) DescendantShares(_ context.Context, shareID int64) ([]*store.Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.descendantsLocked(shareID), nil
}

func (s *Store) descendantsLocked(shareID int64) []*store.Share {
	var out []*store.Share
	visited := map[int64]bool{shareID: true}
	queue := []int64{shareID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, sh := range s.shares {
			if sh.ParentID != current || visited[sh.ID] {
				continue
			}
			visited[sh.ID] = true
			cp := *sh
			out = append(out, &cp)
			queue = append(queue, sh.ID)
		}
	}
	return out
}

func (s *Store) SharesAnchoredAt(_ context.Context, spaceID, spaceRootID int64) ([]*store.Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Share
	seen := make(map[int64]bool)
	for _, sh := range s.shares {
		if sh.SpaceID != spaceID {
			continue
		}
		if spaceRootID != 0 && sh.SpaceRootID != spaceRootID {
			continue
		}
		if seen[sh.ID] {
			continue
		}
		seen[sh.ID] = true
		cp := *sh
		out = append(out, &cp)
		for _, d := range s.descendantsLocked(sh.ID) {
			if !seen[d.ID] {
				seen[d.ID] = true
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func (s *Store) MembershipsOfSpace(_ context.Context, spaceID int64) ([]*store.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Membership
	for _, m := range s.memberships {
		if m.SpaceID == spaceID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) MembershipsOfShare(_ context.Context, shareID int64) ([]*store.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Membership
	for _, m := range s.memberships {
		if m.ShareID == shareID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) CreateShare(_ context.Context, sh *store.Share) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh.ID == 0 {
		sh.ID = s.id()
	}
	if sh.Alias == "" {
		sh.Alias = store.NewAlias()
	}
	cp := *sh
	s.shares[cp.ID] = &cp
	return nil
}

// DeleteShare removes the share, every descendant share, and all their
// memberships, mirroring the storage-level cascade of the SQL store.
func (s *Store) DeleteShare(_ context.Context, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shares[id]; !ok {
		return 0, nil
	}
	ids := []int64{id}
	for _, d := range s.descendantsLocked(id) {
		ids = append(ids, d.ID)
	}
	var affected int64
	for _, sid := range ids {
		delete(s.shares, sid)
		affected++
		for mid, m := range s.memberships {
			if m.ShareID == sid {
				delete(s.memberships, mid)
			}
		}
	}
	return affected, nil
}

func (s *Store) CreateMembership(_ context.Context, m *store.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == 0 {
		m.ID = s.id()
	}
	cp := *m
	s.memberships[cp.ID] = &cp
	return nil
}

func (s *Store) UpdateMembership(_ context.Context, m *store.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memberships[m.ID]; !ok {
		return loft.NotFoundf("membership %d", m.ID)
	}
	cp := *m
	s.memberships[cp.ID] = &cp
	return nil
}

func (s *Store) DeleteMembership(_ context.Context, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memberships[id]; !ok {
		return 0, nil
	}
	delete(s.memberships, id)
	return 1, nil
}

// DeleteSpace removes the space, its roots, and its memberships. Shares
// anchored at the space are left to the propagation engine, which needs
// their member snapshots before removal.
func (s *Store) DeleteSpace(_ context.Context, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.spaces[id]; !ok {
		return 0, nil
	}
	delete(s.spaces, id)
	for rid, r := range s.roots {
		if r.SpaceID == id {
			delete(s.roots, rid)
		}
	}
	for mid, m := range s.memberships {
		if m.SpaceID == id {
			delete(s.memberships, mid)
		}
	}
	return 1, nil
}

func (s *Store) DeleteSpaceRoot(_ context.Context, id int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roots[id]; !ok {
		return 0, nil
	}
	delete(s.roots, id)
	return 1, nil
}
