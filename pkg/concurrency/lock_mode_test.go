package concurrency

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var allModes = []LockMode{ModeNL, ModeIS, ModeIX, ModeS, ModeSIX, ModeX}

func TestCompatibility(t *testing.T) {
	compatible := map[LockMode][]LockMode{
		ModeNL:  {ModeNL, ModeIS, ModeIX, ModeS, ModeSIX, ModeX},
		ModeIS:  {ModeNL, ModeIS, ModeIX, ModeS, ModeSIX},
		ModeIX:  {ModeNL, ModeIS, ModeIX},
		ModeS:   {ModeNL, ModeIS, ModeS},
		ModeSIX: {ModeNL, ModeIS},
		ModeX:   {ModeNL},
	}
	for a, oks := range compatible {
		okSet := make(map[LockMode]bool)
		for _, b := range oks {
			okSet[b] = true
		}
		for _, b := range allModes {
			assert.Equal(t, okSet[b], Compatible(a, b), "Compatible(%s, %s)", a, b)
			assert.Equal(t, Compatible(a, b), Compatible(b, a), "symmetry of (%s, %s)", a, b)
		}
	}
}

func TestSubstitutability(t *testing.T) {
	substitutes := map[LockMode][]LockMode{
		ModeX:   {ModeX, ModeS, ModeIX, ModeSIX, ModeIS, ModeNL},
		ModeSIX: {ModeSIX, ModeS, ModeIX, ModeIS, ModeNL},
		ModeS:   {ModeS, ModeIS, ModeNL},
		ModeIX:  {ModeIX, ModeIS, ModeNL},
		ModeIS:  {ModeIS, ModeNL},
		ModeNL:  {ModeNL},
	}
	for b, reqs := range substitutes {
		okSet := make(map[LockMode]bool)
		for _, a := range reqs {
			okSet[a] = true
		}
		for _, a := range allModes {
			assert.Equal(t, okSet[a], Substitutes(b, a), "Substitutes(%s, %s)", b, a)
		}
	}

	// SIX grants everything IX does plus implicit S, but S never covers IX.
	assert.True(t, Substitutes(ModeSIX, ModeIX))
	assert.False(t, Substitutes(ModeS, ModeIX))
}

func TestParentLegality(t *testing.T) {
	legalParents := map[LockMode][]LockMode{
		ModeS:   {ModeIS, ModeIX},
		ModeX:   {ModeIX, ModeSIX},
		ModeIS:  {ModeIS, ModeIX},
		ModeIX:  {ModeIX, ModeSIX},
		ModeSIX: {ModeIX, ModeSIX},
		ModeNL:  allModes,
	}
	for child, parents := range legalParents {
		okSet := make(map[LockMode]bool)
		for _, p := range parents {
			okSet[p] = true
		}
		for _, parent := range allModes {
			assert.Equal(t, okSet[parent], CanBeParent(parent, child), "CanBeParent(%s, %s)", parent, child)
		}
	}
}

func TestParentMode(t *testing.T) {
	assert.Equal(t, ModeIS, ParentMode(ModeS))
	assert.Equal(t, ModeIS, ParentMode(ModeIS))
	assert.Equal(t, ModeIX, ParentMode(ModeX))
	assert.Equal(t, ModeIX, ParentMode(ModeIX))
	assert.Equal(t, ModeIX, ParentMode(ModeSIX))
	assert.Equal(t, ModeNL, ParentMode(ModeNL))

	// The parent mode must actually permit the child.
	for _, child := range []LockMode{ModeIS, ModeIX, ModeS, ModeSIX, ModeX} {
		assert.True(t, CanBeParent(ParentMode(child), child), "ParentMode(%s)", child)
	}
}

func TestResourceName(t *testing.T) {
	db := NewResourceName("database")
	table := db.Child("someTable")
	page := table.Child("3")

	assert.Equal(t, "database/someTable/3", page.String())
	assert.True(t, page.IsDescendantOf(db))
	assert.True(t, page.IsDescendantOf(table))
	assert.False(t, table.IsDescendantOf(page))
	assert.False(t, page.IsDescendantOf(page), "descendant relation is strict")
	assert.False(t, NewResourceName("database", "otherTable", "3").IsDescendantOf(table))

	parent, ok := page.Parent()
	assert.True(t, ok)
	assert.True(t, parent.Equals(table))
	_, ok = db.Parent()
	assert.False(t, ok)
}
