package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManifestEpochsSortedNumerically(t *testing.T) {
	m := Manifest{
		"lkml/0.git":  "fp0",
		"lkml/2.git":  "fp2",
		"lkml/10.git": "fp10",
		"other/0.git": "fpX",
	}
	assert.Equal(t, []int{0, 2, 10}, m.Epochs("lkml"))
}

func TestStatusBitmask(t *testing.T) {
	s := Updated | Initialized
	assert.True(t, s.Has(Updated))
	assert.True(t, s.Has(Initialized))
	assert.False(t, NoChange.Has(Updated))
}

func TestCommitRefString(t *testing.T) {
	ref := CommitRef{Epoch: 1, Commit: "abc123"}
	assert.Equal(t, "1:abc123", ref.String())
}
