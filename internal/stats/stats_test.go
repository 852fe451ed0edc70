package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmtkit/nmtkit/internal/metrics"
)

func TestUpdateMergesCounters(t *testing.T) {
	a := &Statistics{Loss: 10, Reg: 1, NWords: 4, NCorrect: 2}
	b := &Statistics{Loss: 5, Reg: 0.5, NWords: 6, NCorrect: 3}

	s := New()
	s.Update(a)
	s.Update(b)
	assert.Equal(t, 15.0, s.Loss)
	assert.Equal(t, 1.5, s.Reg)
	assert.Equal(t, 10, s.NWords)
	assert.Equal(t, 5, s.NCorrect)

	// Merge order does not matter.
	r := New()
	r.Update(b)
	r.Update(a)
	assert.Equal(t, s.Loss, r.Loss)
	assert.Equal(t, s.NWords, r.NWords)

	// Merging a fresh Statistics changes nothing.
	s.Update(New())
	assert.Equal(t, 15.0, s.Loss)
	assert.Equal(t, 10, s.NWords)
}

func TestAccuracyAndXent(t *testing.T) {
	s := &Statistics{Loss: 2.0, NWords: 4, NCorrect: 3}
	assert.InDelta(t, 75.0, s.Accuracy(), 1e-9)
	assert.InDelta(t, 0.5, s.Xent(), 1e-9)
	assert.InDelta(t, math.Exp(0.5), s.Ppl(), 1e-9)
}

func TestPplCapsCrossEntropy(t *testing.T) {
	s := &Statistics{Loss: 1e6, NWords: 1}
	assert.Equal(t, math.Exp(100), s.Ppl())
	assert.False(t, math.IsInf(s.Ppl(), 1))
}

func TestAccuracyPanicsWithoutTokens(t *testing.T) {
	s := New()
	require.Panics(t, func() { s.Accuracy() })
	require.Panics(t, func() { s.Xent() })
}

func TestLogEmitsScalars(t *testing.T) {
	s := New()
	s.Update(&Statistics{Loss: 2, NWords: 4, NCorrect: 1})

	mem := &metrics.Memory{}
	s.Log("valid", mem, 0.5, 7)

	points := mem.Points()
	require.Len(t, points, 4)
	names := make(map[string]float64)
	for _, p := range points {
		assert.Equal(t, 7, p.Step)
		names[p.Name] = p.Value
	}
	assert.Contains(t, names, "valid_ppl")
	assert.Contains(t, names, "valid_accuracy")
	assert.Contains(t, names, "valid_tgtper")
	assert.InDelta(t, 0.5, names["valid_lr"], 1e-9)
}
