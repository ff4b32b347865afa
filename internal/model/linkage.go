package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// Linkage binds an entity to a profile with a tri-state decision, scoped by
// collection and context. A nil Decision means the entity is likely part of
// the profile but nobody has confirmed it yet.
type Linkage struct {
	ID           int64     `db:"id"`
	ProfileID    string    `db:"profile_id"`
	EntityID     string    `db:"entity_id"`
	CollectionID *int64    `db:"collection_id"`
	Decision     *bool     `db:"decision"`
	DeciderID    *int64    `db:"decider_id"`
	ContextID    *int64    `db:"context_id"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// Decided reports whether the linkage carries a confirmed match or non-match.
func (l Linkage) Decided() bool {
	return l.Decision != nil
}

// linkageJSON is the wire shape of a linkage. Role identifiers and the row id
// are rendered as strings; the collection id stays numeric.
type linkageJSON struct {
	ID           string    `json:"id"`
	ProfileID    string    `json:"profile_id"`
	EntityID     string    `json:"entity_id"`
	CollectionID *int64    `json:"collection_id"`
	Decision     *bool     `json:"decision"`
	DeciderID    *string   `json:"decider_id"`
	ContextID    *string   `json:"context_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MarshalJSON implements json.Marshaler.
func (l Linkage) MarshalJSON() ([]byte, error) {
	return json.Marshal(linkageJSON{
		ID:           strconv.FormatInt(l.ID, 10),
		ProfileID:    l.ProfileID,
		EntityID:     l.EntityID,
		CollectionID: l.CollectionID,
		Decision:     l.Decision,
		DeciderID:    formatID(l.DeciderID),
		ContextID:    formatID(l.ContextID),
		CreatedAt:    l.CreatedAt,
		UpdatedAt:    l.UpdatedAt,
	})
}

func formatID(id *int64) *string {
	if id == nil {
		return nil
	}
	s := strconv.FormatInt(*id, 10)
	return &s
}

// LinkageKey identifies at most one linkage record. Nil members match only
// records where the column is NULL.
type LinkageKey struct {
	ProfileID    string
	EntityID     string
	CollectionID *int64
	ContextID    *int64
}

// Pair is an ordered pair of entity ids submitted for decision lookup.
type Pair struct {
	EntityID string
	MatchID  string
}

// Valid reports whether both ids are present.
func (p Pair) Valid() bool {
	return p.EntityID != "" && p.MatchID != ""
}

// Bool returns a pointer to b. Handy for building decisions.
func Bool(b bool) *bool {
	return &b
}

// ID returns a pointer to id. Handy for building nullable references.
func ID(id int64) *int64 {
	return &id
}

// SameDecision reports whether two tri-state decisions are equal, treating
// two undecided values as equal.
func SameDecision(a, b *bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
