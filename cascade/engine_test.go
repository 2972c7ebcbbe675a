package cascade_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loftshare/loft"
	"github.com/loftshare/loft/cache"
	"github.com/loftshare/loft/cascade"
	"github.com/loftshare/loft/membership"
	"github.com/loftshare/loft/notify"
	"github.com/loftshare/loft/permission"
	"github.com/loftshare/loft/resolve"
	"github.com/loftshare/loft/store"
	"github.com/loftshare/loft/store/memory"
	"github.com/loftshare/loft/tasks"
)

type recordedEvent struct {
	recipients []int64
	event      notify.Event
}

// recordSink captures notifications for assertions.
type recordSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *recordSink) Notify(_ context.Context, recipients []int64, event notify.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]int64, len(recipients))
	copy(cp, recipients)
	s.events = append(s.events, recordedEvent{recipients: cp, event: event})
}

func (s *recordSink) byKind(kind notify.EventKind) []recordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recordedEvent
	for _, e := range s.events {
		if e.event.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	st     *memory.Store
	sink   *recordSink
	engine *cascade.Engine
}

// newHarness builds an engine with a synchronous executor so every cascade
// completes before the triggering call returns.
func newHarness(t *testing.T, opts ...cascade.Option) *harness {
	t.Helper()
	st := memory.New()
	sink := &recordSink{}
	opts = append(opts, cascade.WithSink(sink), cascade.WithExecutor(tasks.Inline{}))
	return &harness{
		st:     st,
		sink:   sink,
		engine: cascade.NewEngine(st, membership.NewResolver(st), opts...),
	}
}

func spaceGrant(spaceID int64, m *store.Membership) *store.Membership {
	m.SpaceID = spaceID
	return m
}

func TestCascadeNarrowsDerivedShares(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owner := h.st.AddUser(&store.User{Username: "owner", StorageRoot: "/data/owner"})
	reader := h.st.AddUser(&store.User{Username: "reader", StorageRoot: "/data/reader"})
	g := h.st.AddGroup(&store.Group{Name: "eng", Visibility: store.VisibilityVisible})
	h.st.AddGroupMember(g.ID, owner.ID)
	sp := h.st.AddSpace(&store.Space{Alias: "acme", Name: "Acme", Enabled: true})

	sh := &store.Share{Alias: "derived", OwnerID: owner.ID, SpaceID: sp.ID}
	require.NoError(t, h.st.CreateShare(ctx, sh))
	row := &store.Membership{ShareID: sh.ID, UserID: reader.ID, Permissions: permission.Parse("a:m")}
	require.NoError(t, h.st.CreateMembership(ctx, row))

	old := []*store.Membership{
		spaceGrant(sp.ID, &store.Membership{GroupID: g.ID, Permissions: permission.Parse("a:m")}),
	}
	current := []*store.Membership{
		spaceGrant(sp.ID, &store.Membership{GroupID: g.ID, Permissions: permission.Parse("a")}),
	}

	h.engine.OnMembershipMutated(ctx, cascade.Scope{SpaceID: sp.ID, Alias: sp.Alias}, old, current, 0)

	rows, err := h.st.MembershipsOfShare(ctx, sh.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0].Permissions.String(),
		"operations lost upstream are stripped from derived grants")

	changed := h.sink.byKind(notify.EventPermissionChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, []int64{reader.ID}, changed[0].recipients)
	assert.Equal(t, "m", changed[0].event.LostOps)
}

func TestCascadeAlternatePathRetainsGrant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owner := h.st.AddUser(&store.User{Username: "owner", StorageRoot: "/data/owner"})
	reader := h.st.AddUser(&store.User{Username: "reader", StorageRoot: "/data/reader"})
	g := h.st.AddGroup(&store.Group{Name: "eng", Visibility: store.VisibilityVisible})
	h.st.AddGroupMember(g.ID, owner.ID)
	sp := h.st.AddSpace(&store.Space{Alias: "acme", Name: "Acme", Enabled: true})

	sh := &store.Share{Alias: "kept", OwnerID: owner.ID, SpaceID: sp.ID}
	require.NoError(t, h.st.CreateShare(ctx, sh))
	require.NoError(t, h.st.CreateMembership(ctx, &store.Membership{
		ShareID: sh.ID, UserID: reader.ID, Permissions: permission.Parse("a:m"),
	}))

	old := []*store.Membership{
		spaceGrant(sp.ID, &store.Membership{GroupID: g.ID, Permissions: permission.Parse("a:m")}),
	}
	// The group loses MODIFY, but a direct grant still provides it.
	current := []*store.Membership{
		spaceGrant(sp.ID, &store.Membership{GroupID: g.ID, Permissions: permission.Parse("a")}),
		spaceGrant(sp.ID, &store.Membership{UserID: owner.ID, Permissions: permission.Parse("m")}),
	}

	h.engine.OnMembershipMutated(ctx, cascade.Scope{SpaceID: sp.ID, Alias: sp.Alias}, old, current, 0)

	rows, err := h.st.MembershipsOfShare(ctx, sh.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a:m", rows[0].Permissions.String(),
		"an operation kept through an alternate path is not stripped")
	assert.Empty(t, h.sink.byKind(notify.EventPermissionChanged))
}

func TestCascadeRemovalDeletesOwnedShares(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	removed := h.st.AddUser(&store.User{Username: "removed", StorageRoot: "/data/r"})
	other := h.st.AddUser(&store.User{Username: "other", StorageRoot: "/data/o"})
	reader := h.st.AddUser(&store.User{Username: "reader", StorageRoot: "/data/rd"})
	sp := h.st.AddSpace(&store.Space{Alias: "acme", Name: "Acme", Enabled: true})

	parent := &store.Share{Alias: "parent", OwnerID: removed.ID, SpaceID: sp.ID}
	require.NoError(t, h.st.CreateShare(ctx, parent))
	child := &store.Share{Alias: "child", OwnerID: removed.ID, ParentID: parent.ID, RelativePath: "sub"}
	require.NoError(t, h.st.CreateShare(ctx, child))
	require.NoError(t, h.st.CreateMembership(ctx, &store.Membership{
		ShareID: child.ID, UserID: reader.ID, Permissions: permission.Parse("r"),
	}))
	untouched := &store.Share{Alias: "untouched", OwnerID: other.ID, SpaceID: sp.ID}
	require.NoError(t, h.st.CreateShare(ctx, untouched))

	old := []*store.Membership{
		spaceGrant(sp.ID, &store.Membership{UserID: removed.ID, Permissions: permission.Parse("a:m")}),
		spaceGrant(sp.ID, &store.Membership{UserID: other.ID, Permissions: permission.Parse("a:m")}),
	}
	current := []*store.Membership{
		spaceGrant(sp.ID, &store.Membership{UserID: other.ID, Permissions: permission.Parse("a:m")}),
	}

	h.engine.OnMembershipMutated(ctx, cascade.Scope{SpaceID: sp.ID, Alias: sp.Alias}, old, current, 0)

	_, err := h.st.ShareByID(ctx, parent.ID)
	assert.True(t, loft.IsNotFound(err), "top-level owned share is deleted")
	_, err = h.st.ShareByID(ctx, child.ID)
	assert.True(t, loft.IsNotFound(err), "descendants fall with the subtree root")
	_, err = h.st.ShareByID(ctx, untouched.ID)
	assert.NoError(t, err, "shares of remaining members survive")

	deleted := h.sink.byKind(notify.EventShareDeleted)
	require.Len(t, deleted, 1, "one deletion event for the subtree root only")
	assert.Equal(t, parent.ID, deleted[0].event.ShareID)
	assert.ElementsMatch(t, []int64{removed.ID, reader.ID}, deleted[0].recipients)

	removedEvents := h.sink.byKind(notify.EventMemberRemoved)
	require.Len(t, removedEvents, 1)
	assert.Equal(t, []int64{removed.ID}, removedEvents[0].recipients)
}

func TestCascadeRemovalInvalidatesDescendantShares(t *testing.T) {
	c := cache.New()
	h := newHarness(t, cascade.WithCache(c))
	ctx := context.Background()

	removed := h.st.AddUser(&store.User{Username: "removed", StorageRoot: "/data/r"})
	reader := h.st.AddUser(&store.User{Username: "reader", StorageRoot: "/data/rd"})
	file := h.st.AddFile(&store.File{OwnerID: removed.ID, Path: "proj"})
	sp := h.st.AddSpace(&store.Space{Alias: "acme", Name: "Acme", Enabled: true})
	root := h.st.AddSpaceRoot(&store.SpaceRoot{
		SpaceID: sp.ID, Alias: "proj", OwnerID: removed.ID, FileID: file.ID,
		Permissions: permission.All(),
	})

	parent := &store.Share{Alias: "parent", OwnerID: removed.ID, SpaceID: sp.ID, SpaceRootID: root.ID}
	require.NoError(t, h.st.CreateShare(ctx, parent))
	child := &store.Share{Alias: "child", OwnerID: removed.ID, ParentID: parent.ID, RelativePath: "sub"}
	require.NoError(t, h.st.CreateShare(ctx, child))
	require.NoError(t, h.st.CreateMembership(ctx, &store.Membership{
		ShareID: child.ID, UserID: reader.ID, Permissions: permission.Parse("a:m"),
	}))

	resolver := resolve.NewResolver(h.st, membership.NewResolver(h.st), resolve.WithCache(c))
	principal := loft.Principal{ID: reader.ID, Kind: loft.KindUser}
	loc, err := resolver.Resolve(ctx, principal, "shares/child")
	require.NoError(t, err)
	assert.Equal(t, "/data/r/proj/sub", loc.RealBasePath)
	assert.Equal(t, "a:m", loc.Permissions.String())

	old := []*store.Membership{
		spaceGrant(sp.ID, &store.Membership{UserID: removed.ID, Permissions: permission.Parse("a:m")}),
	}
	h.engine.OnMembershipMutated(ctx, cascade.Scope{SpaceID: sp.ID, Alias: sp.Alias}, old, nil, 0)

	_, err = h.st.ShareByID(ctx, child.ID)
	require.True(t, loft.IsNotFound(err))
	_, err = resolver.Resolve(ctx, principal, "shares/child")
	assert.True(t, loft.IsNotFound(err), "cached resolutions fall with the subtree")
}

func TestCascadeManagerDemotionNarrows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	mgr := h.st.AddUser(&store.User{Username: "mgr", StorageRoot: "/data/mgr"})
	reader := h.st.AddUser(&store.User{Username: "reader", StorageRoot: "/data/rd"})
	sp := h.st.AddSpace(&store.Space{Alias: "acme", Name: "Acme", Enabled: true})

	sh := &store.Share{Alias: "derived", OwnerID: mgr.ID, SpaceID: sp.ID}
	require.NoError(t, h.st.CreateShare(ctx, sh))
	require.NoError(t, h.st.CreateMembership(ctx, &store.Membership{
		ShareID: sh.ID, UserID: reader.ID, Permissions: permission.Parse("a:r"),
	}))

	// Same stored permission string on both sides; only the role drops.
	old := []*store.Membership{
		spaceGrant(sp.ID, &store.Membership{UserID: mgr.ID, Role: store.RoleManager, Permissions: permission.Parse("a:m")}),
	}
	current := []*store.Membership{
		spaceGrant(sp.ID, &store.Membership{UserID: mgr.ID, Permissions: permission.Parse("a:m")}),
	}

	h.engine.OnMembershipMutated(ctx, cascade.Scope{SpaceID: sp.ID, Alias: sp.Alias}, old, current, 0)

	rows, err := h.st.MembershipsOfShare(ctx, sh.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0].Permissions.String(),
		"demotion narrows by the operations the plain row never carried")

	changed := h.sink.byKind(notify.EventPermissionChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, []int64{reader.ID}, changed[0].recipients)
	assert.Equal(t, "d:mg:r:si:so", changed[0].event.LostOps)
}

func TestCascadeGroupRemovalExpandsClosure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	member := h.st.AddUser(&store.User{Username: "member", StorageRoot: "/data/m"})
	other := h.st.AddUser(&store.User{Username: "other", StorageRoot: "/data/o"})
	g := h.st.AddGroup(&store.Group{Name: "eng", Visibility: store.VisibilityVisible})
	h.st.AddGroupMember(g.ID, member.ID)
	sp := h.st.AddSpace(&store.Space{Alias: "acme", Name: "Acme", Enabled: true})

	owned := &store.Share{Alias: "owned", OwnerID: member.ID, SpaceID: sp.ID}
	require.NoError(t, h.st.CreateShare(ctx, owned))
	sibling := &store.Share{Alias: "sibling", OwnerID: other.ID, SpaceID: sp.ID}
	require.NoError(t, h.st.CreateShare(ctx, sibling))

	old := []*store.Membership{
		spaceGrant(sp.ID, &store.Membership{GroupID: g.ID, Permissions: permission.Parse("a:m")}),
		spaceGrant(sp.ID, &store.Membership{UserID: other.ID, Permissions: permission.Parse("a")}),
	}
	current := []*store.Membership{
		spaceGrant(sp.ID, &store.Membership{UserID: other.ID, Permissions: permission.Parse("a")}),
	}

	h.engine.OnMembershipMutated(ctx, cascade.Scope{SpaceID: sp.ID, Alias: sp.Alias}, old, current, 0)

	_, err := h.st.ShareByID(ctx, owned.ID)
	assert.True(t, loft.IsNotFound(err), "group member's share is deleted with the group grant")
	_, err = h.st.ShareByID(ctx, sibling.ID)
	assert.NoError(t, err)
}

func TestCascadeManagerExemptFromRemoval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	mgr := h.st.AddUser(&store.User{Username: "mgr", StorageRoot: "/data/mgr"})
	g := h.st.AddGroup(&store.Group{Name: "eng", Visibility: store.VisibilityVisible})
	h.st.AddGroupMember(g.ID, mgr.ID)
	sp := h.st.AddSpace(&store.Space{Alias: "acme", Name: "Acme", Enabled: true})

	sh := &store.Share{Alias: "kept", OwnerID: mgr.ID, SpaceID: sp.ID}
	require.NoError(t, h.st.CreateShare(ctx, sh))

	old := []*store.Membership{
		spaceGrant(sp.ID, &store.Membership{GroupID: g.ID, Permissions: permission.Parse("a:m")}),
		spaceGrant(sp.ID, &store.Membership{UserID: mgr.ID, Role: store.RoleManager}),
	}
	// The group goes away but the manager role remains.
	current := []*store.Membership{
		spaceGrant(sp.ID, &store.Membership{UserID: mgr.ID, Role: store.RoleManager}),
	}

	h.engine.OnMembershipMutated(ctx, cascade.Scope{SpaceID: sp.ID, Alias: sp.Alias}, old, current, 0)

	_, err := h.st.ShareByID(ctx, sh.ID)
	assert.NoError(t, err, "a principal still granted through the current list is exempt")
	assert.Empty(t, h.sink.byKind(notify.EventShareDeleted))
}

func TestCascadePureAdditionInvalidatesOnly(t *testing.T) {
	c := cache.New()
	h := newHarness(t, cascade.WithCache(c))
	ctx := context.Background()

	added := h.st.AddUser(&store.User{Username: "added", StorageRoot: "/data/a"})
	sp := h.st.AddSpace(&store.Space{Alias: "acme", Name: "Acme", Enabled: true})

	principal := loft.Principal{ID: added.ID, Kind: loft.KindUser}
	key := cache.Key("resolve", principal, "files", "acme")
	c.Set(key, loft.ResolvedLocation{})
	_, ok := cache.Get[loft.ResolvedLocation](c, key)
	require.True(t, ok)

	current := []*store.Membership{
		spaceGrant(sp.ID, &store.Membership{UserID: added.ID, Permissions: permission.Parse("a")}),
	}
	h.engine.OnMembershipMutated(ctx, cascade.Scope{SpaceID: sp.ID, Alias: sp.Alias}, nil, current, 0)

	_, ok = cache.Get[loft.ResolvedLocation](c, key)
	assert.False(t, ok, "stale negative entries are dropped on addition")
	assert.Empty(t, h.sink.events)
}

func TestCascadeRootRemoval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owner := h.st.AddUser(&store.User{Username: "owner", StorageRoot: "/data/owner"})
	sp := h.st.AddSpace(&store.Space{Alias: "acme", Name: "Acme", Enabled: true})
	r1 := h.st.AddSpaceRoot(&store.SpaceRoot{SpaceID: sp.ID, Alias: "a", Permissions: permission.Parse("a:m")})
	r2 := h.st.AddSpaceRoot(&store.SpaceRoot{SpaceID: sp.ID, Alias: "b", Permissions: permission.Parse("a:m")})

	anchored := &store.Share{Alias: "anchored", OwnerID: owner.ID, SpaceID: sp.ID, SpaceRootID: r1.ID}
	require.NoError(t, h.st.CreateShare(ctx, anchored))
	elsewhere := &store.Share{Alias: "elsewhere", OwnerID: owner.ID, SpaceID: sp.ID, SpaceRootID: r2.ID}
	require.NoError(t, h.st.CreateShare(ctx, elsewhere))

	h.engine.OnRootMutated(ctx, cascade.Scope{SpaceID: sp.ID, Alias: sp.Alias},
		[]*store.SpaceRoot{r1, r2}, []*store.SpaceRoot{r2}, 0)

	_, err := h.st.ShareByID(ctx, anchored.ID)
	assert.True(t, loft.IsNotFound(err), "shares anchored at a removed root are deleted")
	_, err = h.st.ShareByID(ctx, elsewhere.ID)
	assert.NoError(t, err)
}

func TestCascadeRootNarrowing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owner := h.st.AddUser(&store.User{Username: "owner", StorageRoot: "/data/owner"})
	reader := h.st.AddUser(&store.User{Username: "reader", StorageRoot: "/data/reader"})
	sp := h.st.AddSpace(&store.Space{Alias: "acme", Name: "Acme", Enabled: true})
	oldRoot := h.st.AddSpaceRoot(&store.SpaceRoot{SpaceID: sp.ID, Alias: "a", Permissions: permission.Parse("a:d:m")})

	sh := &store.Share{Alias: "anchored", OwnerID: owner.ID, SpaceID: sp.ID, SpaceRootID: oldRoot.ID}
	require.NoError(t, h.st.CreateShare(ctx, sh))
	require.NoError(t, h.st.CreateMembership(ctx, &store.Membership{
		ShareID: sh.ID, UserID: reader.ID, Permissions: permission.Parse("a:m"),
	}))

	newRoot := *oldRoot
	newRoot.Permissions = permission.Parse("a")
	h.engine.OnRootMutated(ctx, cascade.Scope{SpaceID: sp.ID, Alias: sp.Alias},
		[]*store.SpaceRoot{oldRoot}, []*store.SpaceRoot{&newRoot}, 0)

	rows, err := h.st.MembershipsOfShare(ctx, sh.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0].Permissions.String(),
		"root narrowing bounds every anchored grant")
}

func TestCascadeSpaceDeleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owner := h.st.AddUser(&store.User{Username: "owner", StorageRoot: "/data/owner"})
	member := h.st.AddUser(&store.User{Username: "member", StorageRoot: "/data/m"})
	sp := h.st.AddSpace(&store.Space{Alias: "doomed", Name: "Doomed", Enabled: true})

	sh := &store.Share{Alias: "inside", OwnerID: owner.ID, SpaceID: sp.ID}
	require.NoError(t, h.st.CreateShare(ctx, sh))

	members := []*store.Membership{
		spaceGrant(sp.ID, &store.Membership{UserID: member.ID, Permissions: permission.Parse("a")}),
	}
	_, err := h.st.DeleteSpace(ctx, sp.ID)
	require.NoError(t, err)

	h.engine.OnSpaceDeleted(ctx, sp, members, owner.ID)

	_, err = h.st.ShareByID(ctx, sh.ID)
	assert.True(t, loft.IsNotFound(err))

	events := h.sink.byKind(notify.EventSpaceDeleted)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, []int64{member.ID}, last.recipients, "the acting owner is not notified")
}

func TestCascadeShareDeleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	owner := h.st.AddUser(&store.User{Username: "owner", StorageRoot: "/data/owner"})
	member := h.st.AddUser(&store.User{Username: "member", StorageRoot: "/data/m"})
	file := h.st.AddFile(&store.File{OwnerID: owner.ID, Path: "docs"})

	sh := &store.Share{Alias: "docs", OwnerID: owner.ID, FileID: file.ID}
	require.NoError(t, h.st.CreateShare(ctx, sh))
	child := &store.Share{Alias: "sub", OwnerID: owner.ID, ParentID: sh.ID, RelativePath: "sub"}
	require.NoError(t, h.st.CreateShare(ctx, child))

	members := []*store.Membership{
		{ShareID: sh.ID, UserID: member.ID, Permissions: permission.Parse("r")},
	}

	h.engine.OnShareDeleted(ctx, sh, members, owner.ID)

	_, err := h.st.ShareByID(ctx, sh.ID)
	assert.True(t, loft.IsNotFound(err))
	_, err = h.st.ShareByID(ctx, child.ID)
	assert.True(t, loft.IsNotFound(err), "descendants are removed with the share")

	events := h.sink.byKind(notify.EventShareDeleted)
	require.Len(t, events, 1)
	assert.Equal(t, []int64{member.ID}, events[0].recipients)
}
