package authz_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/musubi/internal/authz"
	"github.com/ashita-ai/musubi/internal/model"
)

func TestStatic_WriteImpliesRead(t *testing.T) {
	s := authz.Static{Read: []int64{3, 1}, Write: []int64{2, 3}}

	assert.Equal(t, []int64{1, 2, 3}, s.Collections(authz.PermissionRead))
	assert.Equal(t, []int64{2, 3}, s.Collections(authz.PermissionWrite))
	assert.Nil(t, s.Collections("delete"))
}

func TestScopeFor_NonAdmin(t *testing.T) {
	a := authz.Static{Read: []int64{1}, Roles: []int64{10, 20}}

	s := authz.ScopeFor(a, nil)
	assert.False(t, s.Admin)
	assert.Equal(t, []int64{1}, s.Collections)
	assert.Equal(t, []int64{10, 20}, s.Contexts)
	assert.False(t, s.Empty())
}

func TestScopeFor_AdminSkipsCollections(t *testing.T) {
	a := authz.Static{Admin: true, Read: []int64{1}, Roles: []int64{10}}

	s := authz.ScopeFor(a, nil)
	assert.True(t, s.Admin)
	assert.Nil(t, s.Collections)
	assert.True(t, s.AllowsCollection(nil))
	assert.True(t, s.AllowsCollection(model.ID(99)))
}

func TestScopeFor_NarrowsButNeverWidens(t *testing.T) {
	a := authz.Static{Read: []int64{1}, Roles: []int64{10, 20}}

	tests := []struct {
		name       string
		contextIDs []int64
		want       []int64
	}{
		{"no narrowing", nil, []int64{10, 20}},
		{"empty slice is no narrowing", []int64{}, []int64{10, 20}},
		{"narrow to one", []int64{10}, []int64{10}},
		{"foreign context dropped", []int64{10, 30}, []int64{10}},
		{"only foreign contexts", []int64{30}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := authz.ScopeFor(a, tt.contextIDs)
			assert.Equal(t, tt.want, s.Contexts)
			for _, c := range s.Contexts {
				assert.Contains(t, []int64{10, 20}, c)
			}
		})
	}
}

func TestScope_Empty(t *testing.T) {
	assert.True(t, authz.Scope{Admin: true}.Empty(), "no contexts matches nothing")
	assert.True(t, authz.Scope{Contexts: []int64{1}}.Empty(), "non-admin without collections matches nothing")
	assert.False(t, authz.Scope{Admin: true, Contexts: []int64{1}}.Empty())
	assert.False(t, authz.Scope{Collections: []int64{1}, Contexts: []int64{1}}.Empty())
}

func TestScope_Allows(t *testing.T) {
	s := authz.ScopeFor(authz.Static{Read: []int64{1}, Roles: []int64{10}}, nil)

	assert.True(t, s.AllowsCollection(model.ID(1)))
	assert.False(t, s.AllowsCollection(model.ID(2)))
	assert.False(t, s.AllowsCollection(nil))
	assert.True(t, s.AllowsContext(model.ID(10)))
	assert.False(t, s.AllowsContext(model.ID(11)))
	assert.False(t, s.AllowsContext(nil))
}

func TestSnapshot_CopiesCapabilities(t *testing.T) {
	src := authz.Static{Read: []int64{2, 2, 1}, Roles: []int64{5}}
	snap := authz.Snapshot(src)
	assert.Equal(t, src, snap, "Static snapshots are returned as-is")

	var a authz.Authorizer = snap
	assert.Equal(t, []int64{1, 2}, a.Collections(authz.PermissionRead))
}
