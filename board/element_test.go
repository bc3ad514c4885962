package board

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestElementBoundsNegativeExtent(t *testing.T) {
	// a right-to-left drag leaves negative width/height
	element := &Element{
		Id:     "a",
		X:      100,
		Y:      100,
		Width:  -40,
		Height: -30,
	}
	minX, minY, maxX, maxY := element.Bounds()
	assert.Equal(t, 60.0, minX)
	assert.Equal(t, 70.0, minY)
	assert.Equal(t, 100.0, maxX)
	assert.Equal(t, 100.0, maxY)

	assert.Equal(t, true, element.HitTest(Point{X: 80, Y: 85}))
	assert.Equal(t, false, element.HitTest(Point{X: 120, Y: 85}))
}

func TestElementCloneIsolation(t *testing.T) {
	element := &Element{
		Id:       "a",
		Points:   []Point{{X: 1, Y: 1}},
		GroupIds: []string{"g1"},
	}
	clone := element.Clone()
	clone.Points[0].X = 99
	clone.GroupIds[0] = "g2"
	clone.X = 500

	assert.Equal(t, 1.0, element.Points[0].X)
	assert.Equal(t, "g1", element.GroupIds[0])
	assert.Equal(t, 0.0, element.X)

	var nilElement *Element
	assert.Equal(t, nil, nilElement.Clone())
}

func TestSignatureTracksContent(t *testing.T) {
	a := &Element{Id: "a", X: 1, Updated: 1}
	b := &Element{Id: "b", X: 2, Updated: 1}

	s1 := Signature([]*Element{a, b})
	assert.Equal(t, s1, Signature([]*Element{a.Clone(), b.Clone()}))

	moved := a.Clone()
	moved.X = 50
	moved.Updated = 2
	assert.NotEqual(t, s1, Signature([]*Element{moved, b}))

	// order matters, it reflects z-order
	assert.NotEqual(t, s1, Signature([]*Element{b, a}))
}
