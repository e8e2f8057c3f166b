package histogram

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddClampsOutOfRangeIntoEndBins(t *testing.T) {
	h := New(4, 0, 100)
	h.Add(-50)
	h.Add(500)
	assert.Equal(t, int64(1), h.Count(0))
	assert.Equal(t, int64(1), h.Count(3))
}

func TestBinOfAndBinCenter(t *testing.T) {
	h := New(10, 0, 100)
	assert.Equal(t, 0, h.BinOf(5))
	assert.Equal(t, 9, h.BinOf(100))
	assert.InDelta(t, 5.0, h.BinCenter(0), 1e-9)
}

func TestQualifiedBinsSkipsEmptyBins(t *testing.T) {
	h := New(4, 0, 4)
	h.Add(0.5)
	h.Add(3.5)
	qb := h.QualifiedBins()
	assert.Len(t, qb, 2)
}

func TestResetClearsCounts(t *testing.T) {
	h := New(2, 0, 2)
	h.Add(0.5)
	h.Reset()
	assert.Empty(t, h.QualifiedBins())
}

func TestNewGuardsDegenerateRange(t *testing.T) {
	h := New(0, 5, 5)
	assert.Equal(t, 1, h.Bins())
}
