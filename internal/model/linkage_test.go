package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkageJSONRendersIDsAsStrings(t *testing.T) {
	at := time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)
	l := Linkage{
		ID:           12,
		ProfileID:    "p1",
		EntityID:     "e1",
		CollectionID: ID(3),
		Decision:     Bool(true),
		DeciderID:    ID(45),
		ContextID:    ID(45),
		CreatedAt:    at,
		UpdatedAt:    at,
	}

	raw, err := json.Marshal(l)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "12", got["id"])
	assert.Equal(t, "45", got["decider_id"])
	assert.Equal(t, "45", got["context_id"])
	assert.Equal(t, float64(3), got["collection_id"], "collection id stays numeric")
	assert.Equal(t, true, got["decision"])
	assert.Equal(t, "2026-04-05T06:07:08Z", got["created_at"])
}

func TestLinkageJSONKeepsNulls(t *testing.T) {
	raw, err := json.Marshal(Linkage{ID: 1, ProfileID: "p", EntityID: "e"})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	for _, field := range []string{"collection_id", "decision", "decider_id", "context_id"} {
		v, ok := got[field]
		assert.True(t, ok, "%s is present", field)
		assert.Nil(t, v, "%s is null", field)
	}
}

func TestSameDecision(t *testing.T) {
	tests := []struct {
		name string
		a, b *bool
		want bool
	}{
		{"both undecided", nil, nil, true},
		{"undecided vs true", nil, Bool(true), false},
		{"false vs undecided", Bool(false), nil, false},
		{"true vs true", Bool(true), Bool(true), true},
		{"true vs false", Bool(true), Bool(false), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SameDecision(tt.a, tt.b))
		})
	}
}

func TestPairValid(t *testing.T) {
	assert.True(t, Pair{EntityID: "a", MatchID: "b"}.Valid())
	assert.False(t, Pair{EntityID: "", MatchID: "b"}.Valid())
	assert.False(t, Pair{EntityID: "a"}.Valid())
}

func TestLinkageDecided(t *testing.T) {
	assert.False(t, Linkage{ProfileID: "p", EntityID: "e"}.Decided())
	assert.True(t, Linkage{Decision: Bool(false)}.Decided())
}
