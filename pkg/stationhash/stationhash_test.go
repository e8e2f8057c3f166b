package stationhash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOfIsDeterministic(t *testing.T) {
	a := Of("alice-roof")
	b := Of("alice-roof")
	assert.Equal(t, a, b)
}

func TestOfUserStationConcatenatesWithoutSeparator(t *testing.T) {
	assert.Equal(t, Of("aliceroof"), OfUserStation("alice", "roof"))
}

func TestDifferentSiteIDsHashDifferently(t *testing.T) {
	assert.NotEqual(t, OfUserStation("alice", "roof"), OfUserStation("bob", "roof"))
}

func TestSiteIDConcatenation(t *testing.T) {
	assert.Equal(t, "aliceroof", SiteID("alice", "roof"))
}
