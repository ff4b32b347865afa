package storage_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/musubi/internal/authz"
	"github.com/ashita-ai/musubi/internal/model"
	"github.com/ashita-ai/musubi/internal/storage"
	"github.com/ashita-ai/musubi/internal/testutil"
	"github.com/ashita-ai/musubi/migrations"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newDB(t *testing.T) *storage.DB {
	t.Helper()
	return testutil.NewSQLiteDB(t, storage.WithClock(testutil.StepClock(epoch, time.Second)))
}

func save(t *testing.T, db *storage.DB, key model.LinkageKey, decision *bool, decider *int64) model.Linkage {
	t.Helper()
	l, err := db.SaveLinkage(context.Background(), nil, storage.SaveLinkageParams{
		Key:       key,
		Decision:  decision,
		DeciderID: decider,
	})
	require.NoError(t, err)
	return l
}

func key(profile, entity string, collection, contextID *int64) model.LinkageKey {
	return model.LinkageKey{ProfileID: profile, EntityID: entity, CollectionID: collection, ContextID: contextID}
}

func TestSaveLinkageCreates(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	l := save(t, db, key("p1", "e1", model.ID(1), model.ID(10)), model.Bool(true), model.ID(10))
	assert.NotZero(t, l.ID)
	assert.True(t, l.CreatedAt.Equal(epoch))
	assert.True(t, l.UpdatedAt.Equal(epoch))

	got, err := db.GetLinkage(ctx, nil, l.ID)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ProfileID)
	assert.Equal(t, "e1", got.EntityID)
	assert.Equal(t, model.ID(1), got.CollectionID)
	assert.Equal(t, model.ID(10), got.ContextID)
	assert.Equal(t, model.ID(10), got.DeciderID)
	assert.Equal(t, model.Bool(true), got.Decision)
	assert.True(t, got.CreatedAt.Equal(epoch))
}

func TestSaveLinkageIsIdempotent(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	k := key("p1", "e1", model.ID(1), model.ID(10))

	first := save(t, db, k, model.Bool(false), model.ID(10))
	second := save(t, db, k, model.Bool(false), model.ID(11))

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.UpdatedAt.Equal(first.UpdatedAt), "unchanged decision keeps updated_at")
	assert.Equal(t, model.ID(10), second.DeciderID, "unchanged decision keeps the decider")

	all, err := db.LinkagesByProfile(ctx, nil, "p1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSaveLinkageChangesDecision(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	k := key("p1", "e1", nil, model.ID(10))

	first := save(t, db, k, nil, nil)
	assert.Nil(t, first.Decision)

	again := save(t, db, k, nil, model.ID(3))
	assert.True(t, again.UpdatedAt.Equal(first.UpdatedAt), "undecided to undecided is not a change")
	assert.Nil(t, again.DeciderID)

	decided := save(t, db, k, model.Bool(true), model.ID(3))
	assert.Equal(t, first.ID, decided.ID)
	assert.True(t, decided.UpdatedAt.After(first.UpdatedAt))
	assert.True(t, decided.CreatedAt.Equal(first.CreatedAt))

	got, err := db.GetLinkage(ctx, nil, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Bool(true), got.Decision)
	assert.Equal(t, model.ID(3), got.DeciderID)
	assert.True(t, got.UpdatedAt.Equal(decided.UpdatedAt))

	reverted := save(t, db, k, nil, model.ID(4))
	assert.Nil(t, reverted.Decision, "decisions can return to undecided")
	assert.Equal(t, model.ID(4), reverted.DeciderID)
}

func TestSaveLinkageKeyMatchesNulls(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	a := save(t, db, key("p1", "e1", nil, nil), model.Bool(true), nil)
	b := save(t, db, key("p1", "e1", model.ID(1), nil), model.Bool(true), nil)
	c := save(t, db, key("p1", "e1", nil, model.ID(5)), model.Bool(true), nil)
	d := save(t, db, key("p1", "e1", nil, nil), model.Bool(false), nil)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Equal(t, a.ID, d.ID, "null members match the existing null-keyed record")

	all, err := db.LinkagesByProfile(ctx, nil, "p1")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestGetAndDeleteLinkageNotFound(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	_, err := db.GetLinkage(ctx, nil, 42)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, db.DeleteLinkage(ctx, nil, 42), storage.ErrNotFound)
	assert.ErrorIs(t, db.RehomeLinkage(ctx, nil, 42, "p2", epoch), storage.ErrNotFound)
}

func TestRehomeLinkage(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	l := save(t, db, key("p1", "e1", nil, nil), model.Bool(true), nil)
	at := epoch.Add(time.Hour)
	require.NoError(t, db.RehomeLinkage(ctx, nil, l.ID, "p2", at))

	got, err := db.GetLinkage(ctx, nil, l.ID)
	require.NoError(t, err)
	assert.Equal(t, "p2", got.ProfileID)
	assert.True(t, got.UpdatedAt.Equal(at))
	assert.True(t, got.CreatedAt.Equal(l.CreatedAt))
}

func TestBulkDeletes(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	save(t, db, key("p1", "e1", model.ID(1), nil), model.Bool(true), nil)
	save(t, db, key("p1", "e2", model.ID(1), nil), nil, nil)
	save(t, db, key("p2", "e1", model.ID(2), nil), model.Bool(false), nil)
	save(t, db, key("p2", "e3", model.ID(2), nil), model.Bool(true), nil)

	n, err := db.DeleteLinkagesByCollection(ctx, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = db.DeleteLinkagesByCollection(ctx, nil, 99)
	require.NoError(t, err)
	assert.Zero(t, n, "deleting nothing is not an error")

	n, err = db.DeleteLinkagesByEntity(ctx, nil, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := db.LinkagesByProfile(ctx, nil, "p2")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "e3", left[0].EntityID)
}

func TestLinkagesByEntity(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	save(t, db, key("p1", "e1", model.ID(1), model.ID(10)), model.Bool(true), nil)
	save(t, db, key("p2", "e1", model.ID(1), model.ID(11)), model.Bool(false), nil)
	save(t, db, key("p3", "e1", model.ID(2), model.ID(10)), nil, nil)
	save(t, db, key("p1", "e2", model.ID(1), model.ID(10)), model.Bool(true), nil)

	tests := []struct {
		name     string
		filter   storage.EntityFilter
		profiles []string
	}{
		{"no filter", storage.EntityFilter{}, []string{"p1", "p2", "p3"}},
		{"confirmed", storage.EntityFilter{Decision: model.Bool(true)}, []string{"p1"}},
		{"rejected", storage.EntityFilter{Decision: model.Bool(false)}, []string{"p2"}},
		{"collection", storage.EntityFilter{CollectionID: model.ID(1)}, []string{"p1", "p2"}},
		{"context", storage.EntityFilter{ContextID: model.ID(10)}, []string{"p1", "p3"}},
		{"combined", storage.EntityFilter{Decision: model.Bool(true), ContextID: model.ID(11)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.LinkagesByEntity(ctx, nil, "e1", tt.filter)
			require.NoError(t, err)
			var profiles []string
			for _, l := range got {
				profiles = append(profiles, l.ProfileID)
			}
			assert.Equal(t, tt.profiles, profiles)
		})
	}
}

func TestLinkagesByScope(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	save(t, db, key("p1", "e1", model.ID(1), model.ID(10)), model.Bool(true), nil)
	save(t, db, key("p1", "e2", model.ID(2), model.ID(10)), model.Bool(true), nil)
	save(t, db, key("p1", "e3", model.ID(1), model.ID(11)), model.Bool(true), nil)
	save(t, db, key("p1", "e4", model.ID(1), nil), model.Bool(true), nil)

	entities := func(ls []model.Linkage) []string {
		var out []string
		for _, l := range ls {
			out = append(out, l.EntityID)
		}
		return out
	}

	got, err := db.LinkagesByScope(ctx, nil, authz.Scope{Collections: []int64{1}, Contexts: []int64{10, 11}})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e3"}, entities(got))

	got, err = db.LinkagesByScope(ctx, nil, authz.Scope{Admin: true, Contexts: []int64{10}})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, entities(got), "admin skips the collection filter")

	got, err = db.LinkagesByScope(ctx, nil, authz.Scope{Collections: []int64{1}})
	require.NoError(t, err)
	assert.Empty(t, got, "no private roles means nothing is visible")
}

func TestDecidedLinkagesForContext(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	save(t, db, key("p2", "a", nil, model.ID(1)), model.Bool(true), nil)
	save(t, db, key("p1", "b", nil, model.ID(1)), model.Bool(false), nil)
	save(t, db, key("p1", "a", nil, model.ID(1)), model.Bool(true), nil)
	save(t, db, key("p1", "c", nil, model.ID(1)), nil, nil)
	save(t, db, key("p1", "d", nil, model.ID(2)), model.Bool(true), nil)

	got, err := db.DecidedLinkagesForContext(ctx, nil, 1, []string{"a", "b", "c", "d", "a"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"p1", "p1", "p2"}, []string{got[0].ProfileID, got[1].ProfileID, got[2].ProfileID})
	assert.Equal(t, "b", got[0].EntityID, "records within a profile are in id order")
	assert.Equal(t, "a", got[1].EntityID)
}

func TestDecidedLinkagesForContextChunksLargeLists(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	ids := make([]string, 0, 2500)
	for i := range 2500 {
		ids = append(ids, fmt.Sprintf("e%04d", i))
	}
	save(t, db, key("p1", "e0001", nil, model.ID(1)), model.Bool(true), nil)
	save(t, db, key("p1", "e1500", nil, model.ID(1)), model.Bool(true), nil)
	save(t, db, key("p1", "e2499", nil, model.ID(1)), model.Bool(false), nil)

	got, err := db.DecidedLinkagesForContext(ctx, nil, 1, ids)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestWithTxCommitsAndRollsBack(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(q storage.Querier) error {
		_, err := db.SaveLinkage(ctx, q, storage.SaveLinkageParams{Key: key("p1", "e1", nil, nil), Decision: model.Bool(true)})
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = db.WithTx(ctx, func(q storage.Querier) error {
		if _, err := db.SaveLinkage(ctx, q, storage.SaveLinkageParams{Key: key("p1", "e2", nil, nil), Decision: model.Bool(true)}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	all, err := db.LinkagesByProfile(ctx, nil, "p1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "e1", all[0].EntityID)
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	require.NoError(t, db.RunMigrations(ctx, migrations.FS))
	ok, err := db.HasLinkageTable(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewRejectsUnknownDSN(t *testing.T) {
	_, err := storage.New(context.Background(), "mysql://localhost/db", testutil.TestLogger())
	assert.ErrorIs(t, err, storage.ErrUnsupportedDSN)
}
