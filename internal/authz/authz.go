// Package authz turns a calling principal's capabilities into query scopes
// over the linkage table.
//
// The principal itself is opaque: anything that can report whether it is an
// admin, which collections it may touch and which private roles it holds
// satisfies Authorizer. Token-backed principals live in package auth.
package authz

import (
	"slices"
)

// Permission enumerates collection permissions.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

// Authorizer is the capability provider consulted for scoped queries.
type Authorizer interface {
	IsAdmin() bool
	Collections(perm Permission) []int64
	PrivateRoles() []int64
}

// Static is a fixed set of capabilities. It is also the snapshot type held by
// ScopeCache.
type Static struct {
	Admin bool
	Read  []int64
	Write []int64
	Roles []int64
}

// IsAdmin implements Authorizer.
func (s Static) IsAdmin() bool { return s.Admin }

// Collections implements Authorizer. Write access implies read access.
func (s Static) Collections(perm Permission) []int64 {
	switch perm {
	case PermissionRead:
		return union(s.Read, s.Write)
	case PermissionWrite:
		return normalize(s.Write)
	default:
		return nil
	}
}

// PrivateRoles implements Authorizer.
func (s Static) PrivateRoles() []int64 { return normalize(s.Roles) }

// Snapshot copies the current capabilities of a into a Static.
func Snapshot(a Authorizer) Static {
	if s, ok := a.(Static); ok {
		return s
	}
	return Static{
		Admin: a.IsAdmin(),
		Read:  normalize(a.Collections(PermissionRead)),
		Write: normalize(a.Collections(PermissionWrite)),
		Roles: normalize(a.PrivateRoles()),
	}
}

// Scope restricts a linkage query. Collections is ignored when Admin is set;
// Contexts always applies.
type Scope struct {
	Admin       bool
	Collections []int64
	Contexts    []int64
}

// ScopeFor builds the read scope of a principal. When contextIDs is non-empty
// the principal's private roles are intersected with it, so callers can narrow
// the context scope but never widen it.
func ScopeFor(a Authorizer, contextIDs []int64) Scope {
	s := Scope{
		Admin:    a.IsAdmin(),
		Contexts: normalize(a.PrivateRoles()),
	}
	if !s.Admin {
		s.Collections = normalize(a.Collections(PermissionRead))
	}
	if len(contextIDs) > 0 {
		s.Contexts = intersect(s.Contexts, normalize(contextIDs))
	}
	return s
}

// Empty reports whether the scope can match no record at all.
func (s Scope) Empty() bool {
	if len(s.Contexts) == 0 {
		return true
	}
	return !s.Admin && len(s.Collections) == 0
}

// AllowsCollection reports whether a record in the given collection is
// visible under the scope.
func (s Scope) AllowsCollection(id *int64) bool {
	if s.Admin {
		return true
	}
	return id != nil && contains(s.Collections, *id)
}

// AllowsContext reports whether a record made under the given context is
// visible under the scope.
func (s Scope) AllowsContext(id *int64) bool {
	return id != nil && contains(s.Contexts, *id)
}

// normalize returns a sorted, de-duplicated copy of ids.
func normalize(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func union(a, b []int64) []int64 {
	return normalize(append(slices.Clone(a), b...))
}

// intersect expects both inputs normalized.
func intersect(a, b []int64) []int64 {
	var out []int64
	for _, id := range a {
		if contains(b, id) {
			out = append(out, id)
		}
	}
	return out
}

func contains(sorted []int64, id int64) bool {
	_, ok := slices.BinarySearch(sorted, id)
	return ok
}
