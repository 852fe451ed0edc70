package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitConcatRoundTrip(t *testing.T) {
	v := NewVariable(NewFrom([]float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
		10, 11, 12,
		13, 14, 15,
	}, 5, 3), true)

	chunks := Split(v, 2)
	require.Len(t, chunks, 3)
	assert.Equal(t, []int{2, 3}, chunks[0].Value.Shape)
	assert.Equal(t, []int{2, 3}, chunks[1].Value.Shape)
	assert.Equal(t, []int{1, 3}, chunks[2].Value.Shape)
	assert.Equal(t, []float32{7, 8, 9, 10, 11, 12}, chunks[1].Value.Data)

	back := Concat(chunks)
	assert.Equal(t, v.Value.Shape, back.Shape)
	assert.Equal(t, v.Value.Data, back.Data)
}

func TestSplitViewsShareGradStorage(t *testing.T) {
	v := NewVariable(New(4, 2), true)
	chunks := Split(v, 2)

	// Nothing written yet, neither parent nor views expose a gradient.
	require.Nil(t, v.Grad())
	require.Nil(t, chunks[0].Grad())

	chunks[1].AccumulateGrad(NewFrom([]float32{1, 2, 3, 4}, 2, 2))
	g := v.Grad()
	require.NotNil(t, g)
	assert.Equal(t, []float32{0, 0, 0, 0, 1, 2, 3, 4}, g.Data)
}

func TestSplitInts(t *testing.T) {
	ids := NewIntsFrom([]int32{1, 2, 3, 4, 5, 6}, 3, 2)
	chunks := SplitInts(ids, 2)
	require.Len(t, chunks, 2)
	assert.Equal(t, []int32{1, 2, 3, 4}, chunks[0].Data)
	assert.Equal(t, []int32{5, 6}, chunks[1].Data)
	assert.Equal(t, []int{1, 2}, chunks[1].Shape)
}

func TestArgmaxRows(t *testing.T) {
	scores := NewFrom([]float32{
		0.1, 0.9, 0.0,
		2.0, -1.0, 1.5,
	}, 2, 3)
	assert.Equal(t, []int32{1, 0}, ArgmaxRows(scores))
}

func TestDetachedSharesDataNotGrad(t *testing.T) {
	v := NewVariable(NewFrom([]float32{1, 2}, 2), true)
	v.AccumulateGrad(NewFrom([]float32{5, 5}, 2))

	d := Detached(v, true)
	assert.Equal(t, v.Value.Data, d.Value.Data)
	assert.Nil(t, d.Grad())

	d.AccumulateGrad(NewFrom([]float32{1, 1}, 2))
	assert.Equal(t, []float32{5, 5}, v.Grad().Data)
	assert.Equal(t, []float32{1, 1}, d.Grad().Data)
}

func TestReshapeViewRoutesGradToParent(t *testing.T) {
	v := NewVariable(New(2, 3, 4), true)
	flat := Reshape(v, 6, 4)
	require.Equal(t, []int{6, 4}, flat.Value.Shape)

	g := New(6, 4)
	for i := range g.Data {
		g.Data[i] = float32(i)
	}
	flat.AccumulateGrad(g)
	pg := v.Grad()
	require.NotNil(t, pg)
	assert.Equal(t, []int{2, 3, 4}, pg.Shape)
	assert.Equal(t, g.Data, pg.Data)
}

func TestZeroGradKeepsStorage(t *testing.T) {
	v := NewVariable(New(3), true)
	v.AccumulateGrad(NewFrom([]float32{1, 2, 3}, 3))
	v.ZeroGrad()
	require.NotNil(t, v.Grad())
	assert.Equal(t, []float32{0, 0, 0}, v.Grad().Data)
}
