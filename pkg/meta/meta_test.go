package meta_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticehq/lattice/pkg/action"
	"github.com/latticehq/lattice/pkg/meta"
)

const tenant = action.TenantID(1)

// adapters runs each test against the in-memory and SQLite
// implementations so they stay behaviorally identical.
func adapters(t *testing.T) map[string]meta.Adapter {
	t.Helper()
	mem := meta.NewMemoryAdapter()
	mem.AddTenant(tenant, "alice.example.com")

	db, err := meta.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.AddTenant(context.Background(), tenant, "alice.example.com"))

	return map[string]meta.Adapter{"memory": mem, "sqlite": db}
}

func newAction(id string) *action.Action {
	return &action.Action{
		ID:        id,
		IssuerTag: "bob.example.com",
		Type:      "POST",
		Content:   json.RawMessage(`{"text":"hi"}`),
		CreatedAt: time.Unix(1756000000, 0).UTC(),
		Status:    action.StatusActive,
	}
}

func TestCreateAndGetAction(t *testing.T) {
	for name, adapter := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := newAction("a1~one")
			a.Attachments = []string{"f1~att1", "f1~att2"}
			require.NoError(t, adapter.CreateAction(ctx, tenant, a, ""))

			got, err := adapter.GetAction(ctx, tenant, "a1~one")
			require.NoError(t, err)
			assert.Equal(t, a.ID, got.ID)
			assert.Equal(t, a.IssuerTag, got.IssuerTag)
			assert.Equal(t, a.Attachments, got.Attachments)
			assert.Equal(t, a.CreatedAt, got.CreatedAt)
			assert.Equal(t, action.StatusActive, got.Status)

			_, err = adapter.GetAction(ctx, tenant, "a1~missing")
			assert.ErrorIs(t, err, action.ErrNotFound)
		})
	}
}

func TestDuplicateID(t *testing.T) {
	for name, adapter := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, adapter.CreateAction(ctx, tenant, newAction("a1~dup"), ""))
			err := adapter.CreateAction(ctx, tenant, newAction("a1~dup"), "")
			assert.ErrorIs(t, err, action.ErrDuplicate)
		})
	}
}

func TestDedupeKey(t *testing.T) {
	for name, adapter := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "REACT:a1~parent:bob.example.com"
			require.NoError(t, adapter.CreateAction(ctx, tenant, newAction("a1~first"), key))

			err := adapter.CreateAction(ctx, tenant, newAction("a1~second"), key)
			assert.ErrorIs(t, err, action.ErrDuplicate)

			got, err := adapter.GetActionByKey(ctx, tenant, key)
			require.NoError(t, err)
			assert.Equal(t, "a1~first", got.ID)

			// Empty keys never collide.
			require.NoError(t, adapter.CreateAction(ctx, tenant, newAction("a1~third"), ""))
			require.NoError(t, adapter.CreateAction(ctx, tenant, newAction("a1~fourth"), ""))
		})
	}
}

func TestUpdateStatusEnforcesLifecycle(t *testing.T) {
	for name, adapter := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := newAction("a1~conf")
			a.Status = action.StatusConfirmation
			require.NoError(t, adapter.CreateAction(ctx, tenant, a, ""))

			require.NoError(t, adapter.UpdateStatus(ctx, tenant, a.ID, action.StatusActive))
			got, err := adapter.GetAction(ctx, tenant, a.ID)
			require.NoError(t, err)
			assert.Equal(t, action.StatusActive, got.Status)

			require.NoError(t, adapter.UpdateStatus(ctx, tenant, a.ID, action.StatusDeleted))

			// DELETED is terminal; the row must be left untouched.
			err = adapter.UpdateStatus(ctx, tenant, a.ID, action.StatusActive)
			assert.ErrorIs(t, err, action.ErrStatusTransition)
			got, err = adapter.GetAction(ctx, tenant, a.ID)
			require.NoError(t, err)
			assert.Equal(t, action.StatusDeleted, got.Status)
		})
	}
}

func TestPatchX(t *testing.T) {
	for name, adapter := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, adapter.CreateAction(ctx, tenant, newAction("a1~x"), ""))

			require.NoError(t, adapter.PatchX(ctx, tenant, "a1~x", map[string]any{"reactions": 1}))
			require.NoError(t, adapter.PatchX(ctx, tenant, "a1~x", map[string]any{"comments": 2}))

			got, err := adapter.GetAction(ctx, tenant, "a1~x")
			require.NoError(t, err)
			assert.JSONEq(t, `{"reactions":1,"comments":2}`, string(got.X))

			// Null values delete keys.
			require.NoError(t, adapter.PatchX(ctx, tenant, "a1~x", map[string]any{"reactions": nil}))
			got, err = adapter.GetAction(ctx, tenant, "a1~x")
			require.NoError(t, err)
			assert.JSONEq(t, `{"comments":2}`, string(got.X))
		})
	}
}

func TestListActions(t *testing.T) {
	for name, adapter := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			post := newAction("a1~post")
			require.NoError(t, adapter.CreateAction(ctx, tenant, post, ""))

			react := newAction("a1~react")
			react.Type = "REACT"
			react.ParentID = "a1~post"
			react.CreatedAt = post.CreatedAt.Add(time.Minute)
			require.NoError(t, adapter.CreateAction(ctx, tenant, react, ""))

			all, err := adapter.ListActions(ctx, tenant, meta.ListOptions{})
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "a1~post", all[0].ID, "results ordered by creation time")

			reacts, err := adapter.ListActions(ctx, tenant, meta.ListOptions{Types: []string{"REACT"}})
			require.NoError(t, err)
			require.Len(t, reacts, 1)
			assert.Equal(t, "a1~react", reacts[0].ID)

			children, err := adapter.ListActions(ctx, tenant, meta.ListOptions{ParentID: "a1~post"})
			require.NoError(t, err)
			assert.Len(t, children, 1)
		})
	}
}

func TestTokens(t *testing.T) {
	for name, adapter := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, adapter.StoreToken(ctx, tenant, "a1~tok", "h.p.s"))
			got, err := adapter.GetToken(ctx, tenant, "a1~tok")
			require.NoError(t, err)
			assert.Equal(t, "h.p.s", got)

			_, err = adapter.GetToken(ctx, tenant, "a1~missing")
			assert.ErrorIs(t, err, action.ErrNotFound)
		})
	}
}

func TestProfilesAndFollowers(t *testing.T) {
	for name, adapter := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			yes := true
			require.NoError(t, adapter.UpdateProfile(ctx, tenant, "bob.example.com",
				meta.ProfilePatch{Follower: &yes}))
			require.NoError(t, adapter.UpdateProfile(ctx, tenant, "carol.example.com",
				meta.ProfilePatch{Connected: &yes}))

			p, err := adapter.ReadProfile(ctx, tenant, "bob.example.com")
			require.NoError(t, err)
			assert.True(t, p.Follower)
			assert.False(t, p.Connected)
			assert.False(t, p.Mutual())

			p, err = adapter.ReadProfile(ctx, tenant, "carol.example.com")
			require.NoError(t, err)
			assert.True(t, p.Mutual())

			tags, err := adapter.ListFollowerTags(ctx, tenant)
			require.NoError(t, err)
			assert.Equal(t, []string{"bob.example.com"}, tags)

			_, err = adapter.ReadProfile(ctx, tenant, "nobody.example.com")
			assert.ErrorIs(t, err, action.ErrNotFound)
		})
	}
}

func TestTenantTag(t *testing.T) {
	for name, adapter := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			tag, err := adapter.ReadTenantTag(context.Background(), tenant)
			require.NoError(t, err)
			assert.Equal(t, "alice.example.com", tag)

			_, err = adapter.ReadTenantTag(context.Background(), 99)
			assert.ErrorIs(t, err, action.ErrNotFound)
		})
	}
}
