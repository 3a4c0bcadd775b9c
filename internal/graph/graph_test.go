package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkmerge/internal/bulkerr"
	"bulkmerge/internal/model"
)

type author struct {
	ID    int64
	Name  string
	Books []*book `bulk:",fk=AuthorID"`
}

type book struct {
	ID       int64
	AuthorID int64
	Title    string
	Author   *author `bulk:",fk=AuthorID"`
}

type node struct {
	ID       int64
	ParentID int64
	Children []*node `bulk:",fk=ParentID"`
}

type left struct {
	ID      int64
	RightID int64
	Right   *right `bulk:",fk=RightID"`
}

type right struct {
	ID     int64
	LeftID int64
	Left   *left `bulk:",fk=LeftID"`
}

func tables(plan *Plan) []string {
	names := make([]string, len(plan.Tiers))
	for i, tier := range plan.Tiers {
		names[i] = tier.Type.Table
	}
	return names
}

func TestPrincipalsPrecedeDependents(t *testing.T) {
	b1, b2, b3 := &book{Title: "a"}, &book{Title: "b"}, &book{Title: "c"}
	ann := &author{Name: "ann", Books: []*book{b1, b2}}
	bob := &author{Name: "bob", Books: []*book{b3}}

	// Rooted at a book so discovery order alone would put books first.
	b1.Author = ann
	plan, err := Schedule([]any{b1, ann, bob}, model.NewRegistry(0))
	require.NoError(t, err)
	require.Equal(t, []string{"authors", "books"}, tables(plan))
	assert.Equal(t, []any{ann, bob}, plan.Tiers[0].Entities)
	assert.ElementsMatch(t, []any{b1, b2, b3}, plan.Tiers[1].Entities)
	assert.Len(t, plan.Tiers[1].Levels, 1)

	ann.ID, bob.ID = 10, 11
	require.NoError(t, plan.Propagate(plan.Tiers[0].Entities))
	assert.Equal(t, []int64{10, 10, 11}, []int64{b1.AuthorID, b2.AuthorID, b3.AuthorID})
}

func TestDuplicatesAreScheduledOnce(t *testing.T) {
	shared := &book{Title: "shared"}
	ann := &author{ID: 1, Books: []*book{shared}}
	again := &author{ID: 1, Books: []*book{shared}}

	plan, err := Schedule([]any{ann, again, shared}, model.NewRegistry(0))
	require.NoError(t, err)
	require.Len(t, plan.Tiers, 2)
	assert.Equal(t, []any{ann}, plan.Tiers[0].Entities)
	assert.Equal(t, []any{shared}, plan.Tiers[1].Entities)
}

func TestSkippedPrincipalLeavesDependentsAlone(t *testing.T) {
	b := &book{AuthorID: 3}
	ann := &author{Books: []*book{b}}
	plan, err := Schedule([]any{ann}, model.NewRegistry(0))
	require.NoError(t, err)

	require.NoError(t, plan.Propagate([]any{ann}))
	assert.Equal(t, int64(3), b.AuthorID)
}

func TestSelfReferencesAreLeveled(t *testing.T) {
	g := &node{}
	c1, c2 := &node{Children: []*node{g}}, &node{}
	root := &node{Children: []*node{c1, c2}}

	plan, err := Schedule([]any{root}, model.NewRegistry(0))
	require.NoError(t, err)
	require.Len(t, plan.Tiers, 1)
	levels := plan.Tiers[0].Levels
	require.Len(t, levels, 3)
	assert.Equal(t, []any{root}, levels[0])
	assert.ElementsMatch(t, []any{c1, c2}, levels[1])
	assert.Equal(t, []any{g}, levels[2])

	root.ID = 7
	require.NoError(t, plan.Propagate(levels[0]))
	assert.Equal(t, int64(7), c1.ParentID)
	assert.Equal(t, int64(7), c2.ParentID)
	assert.Zero(t, g.ParentID)

	c1.ID = 8
	require.NoError(t, plan.Propagate(levels[1]))
	assert.Equal(t, int64(8), g.ParentID)
}

func TestCyclesAreConfigurationErrors(t *testing.T) {
	tests := []struct {
		name  string
		roots func() []any
	}{
		{
			name: "type cycle",
			roots: func() []any {
				l, r := &left{}, &right{}
				l.Right, r.Left = r, l
				return []any{l}
			},
		},
		{
			name: "entity loop",
			roots: func() []any {
				a, b := &node{}, &node{}
				a.Children, b.Children = []*node{b}, []*node{a}
				return []any{a}
			},
		},
		{
			name: "self reference",
			roots: func() []any {
				n := &node{}
				n.Children = []*node{n}
				return []any{n}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Schedule(tt.roots(), model.NewRegistry(0))
			assert.ErrorIs(t, err, bulkerr.ErrConfiguration)
		})
	}
}

func TestRejectsNonPointerEntities(t *testing.T) {
	_, err := Schedule([]any{author{}}, model.NewRegistry(0))
	assert.Error(t, err)
}
