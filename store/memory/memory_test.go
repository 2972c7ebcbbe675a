package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loftshare/loft"
	"github.com/loftshare/loft/permission"
	"github.com/loftshare/loft/store"
	"github.com/loftshare/loft/store/memory"
)

func TestReadsReturnCopies(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	u := st.AddUser(&store.User{Username: "alice", StorageRoot: "/data/alice"})

	got, err := st.UserByID(ctx, u.ID)
	require.NoError(t, err)
	got.StorageRoot = "/mutated"

	again, err := st.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "/data/alice", again.StorageRoot)
}

func TestLookupErrors(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	_, err := st.UserByID(ctx, 404)
	assert.True(t, loft.IsNotFound(err))
	_, err = st.SpaceByAlias(ctx, "nope")
	assert.True(t, loft.IsNotFound(err))
	_, err = st.ShareByAlias(ctx, "nope")
	assert.True(t, loft.IsNotFound(err))
}

func TestCreateShareAssignsAlias(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	sh := &store.Share{OwnerID: 1}
	require.NoError(t, st.CreateShare(ctx, sh))
	assert.NotZero(t, sh.ID)
	assert.Len(t, sh.Alias, 16)

	named := &store.Share{OwnerID: 1, Alias: "explicit"}
	require.NoError(t, st.CreateShare(ctx, named))
	assert.Equal(t, "explicit", named.Alias)
}

func TestDescendantShares(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	root := &store.Share{Alias: "root", OwnerID: 1}
	require.NoError(t, st.CreateShare(ctx, root))
	a := &store.Share{Alias: "a", OwnerID: 1, ParentID: root.ID}
	require.NoError(t, st.CreateShare(ctx, a))
	b := &store.Share{Alias: "b", OwnerID: 1, ParentID: a.ID}
	require.NoError(t, st.CreateShare(ctx, b))
	other := &store.Share{Alias: "other", OwnerID: 1}
	require.NoError(t, st.CreateShare(ctx, other))

	got, err := st.DescendantShares(ctx, root.ID)
	require.NoError(t, err)
	var aliases []string
	for _, sh := range got {
		aliases = append(aliases, sh.Alias)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, aliases)
}

func TestDeleteShareCascades(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	root := &store.Share{Alias: "root", OwnerID: 1}
	require.NoError(t, st.CreateShare(ctx, root))
	child := &store.Share{Alias: "child", OwnerID: 1, ParentID: root.ID}
	require.NoError(t, st.CreateShare(ctx, child))
	require.NoError(t, st.CreateMembership(ctx, &store.Membership{
		ShareID: child.ID, UserID: 2, Permissions: permission.Parse("r"),
	}))

	affected, err := st.DeleteShare(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), affected)

	_, err = st.ShareByID(ctx, child.ID)
	assert.True(t, loft.IsNotFound(err))
	rows, err := st.MembershipsOfShare(ctx, child.ID)
	require.NoError(t, err)
	assert.Empty(t, rows, "memberships of deleted shares are removed")

	affected, err = st.DeleteShare(ctx, root.ID)
	require.NoError(t, err)
	assert.Zero(t, affected, "deleting a missing share affects no rows")
}

func TestSharesAnchoredAt(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	sp := st.AddSpace(&store.Space{Alias: "acme", Enabled: true})
	r1 := st.AddSpaceRoot(&store.SpaceRoot{SpaceID: sp.ID, Alias: "a"})

	anchored := &store.Share{Alias: "anchored", OwnerID: 1, SpaceID: sp.ID, SpaceRootID: r1.ID}
	require.NoError(t, st.CreateShare(ctx, anchored))
	child := &store.Share{Alias: "child", OwnerID: 1, ParentID: anchored.ID}
	require.NoError(t, st.CreateShare(ctx, child))
	elsewhere := &store.Share{Alias: "elsewhere", OwnerID: 1}
	require.NoError(t, st.CreateShare(ctx, elsewhere))

	t.Run("by space", func(t *testing.T) {
		got, err := st.SharesAnchoredAt(ctx, sp.ID, 0)
		require.NoError(t, err)
		assert.Len(t, got, 2, "anchored share plus its descendants")
	})

	t.Run("by root", func(t *testing.T) {
		got, err := st.SharesAnchoredAt(ctx, sp.ID, r1.ID)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("unknown root", func(t *testing.T) {
		got, err := st.SharesAnchoredAt(ctx, sp.ID, 999)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestDeleteSpaceRemovesRootsAndMemberships(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	sp := st.AddSpace(&store.Space{Alias: "acme", Enabled: true})
	r := st.AddSpaceRoot(&store.SpaceRoot{SpaceID: sp.ID, Alias: "a"})
	require.NoError(t, st.CreateMembership(ctx, &store.Membership{SpaceID: sp.ID, UserID: 1}))
	sh := &store.Share{Alias: "inside", OwnerID: 1, SpaceID: sp.ID}
	require.NoError(t, st.CreateShare(ctx, sh))

	affected, err := st.DeleteSpace(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	_, err = st.SpaceRootByID(ctx, r.ID)
	assert.True(t, loft.IsNotFound(err))
	rows, err := st.MembershipsOfSpace(ctx, sp.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// Shares are left for the propagation engine, which snapshots their
	// members before removal.
	_, err = st.ShareByID(ctx, sh.ID)
	assert.NoError(t, err)
}

func TestGroupQueries(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	u := st.AddUser(&store.User{Username: "u", StorageRoot: "/data/u"})
	parent := st.AddGroup(&store.Group{Name: "parent", Visibility: store.VisibilityVisible})
	child := st.AddGroup(&store.Group{Name: "child", ParentID: parent.ID, Visibility: store.VisibilityVisible})
	st.AddGroupMember(child.ID, u.ID)

	groups, err := st.GroupsOfUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, child.ID, groups[0].ID)

	children, err := st.ChildGroups(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, child.ID, children[0].ID)

	ids, err := st.GroupMemberUserIDs(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{u.ID}, ids)
}
