package board

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestFileRoundTrip(t *testing.T) {
	appState := DefaultAppState()
	appState.View = ViewTransform{
		X:    -40,
		Y:    25,
		Zoom: 1.5,
	}
	elements := []*Element{
		historyElement("a", 10),
		historyElement("b", 200),
	}

	data, err := ExportJSON(elements, appState)
	assert.Equal(t, nil, err)

	imported, view, err := ImportJSON(data)
	assert.Equal(t, nil, err)
	assert.Equal(t, Signature(elements), Signature(imported))
	assert.NotEqual(t, view, nil)
	assert.Equal(t, appState.View, *view)
}

func TestFileMissingAppStateTolerated(t *testing.T) {
	data := []byte(`{"elements":[{"id":"a","type":"rectangle","x":0,"y":0,"width":10,"height":10}]}`)

	elements, view, err := ImportJSON(data)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(elements))
	assert.Equal(t, nil, view)
}

func TestFileRejectsNonArrayElements(t *testing.T) {
	_, _, err := ImportJSON([]byte(`{"elements":{"id":"a"}}`))
	assert.NotEqual(t, err, nil)

	_, _, err = ImportJSON([]byte(`{"appState":{}}`))
	assert.NotEqual(t, err, nil)

	elements, _, err := ImportJSON([]byte(`{"elements":null}`))
	assert.NotEqual(t, err, nil)
	assert.Equal(t, 0, len(elements))

	_, _, err = ImportJSON([]byte(`not json`))
	assert.NotEqual(t, err, nil)
}

func TestFileRejectsElementWithoutId(t *testing.T) {
	_, _, err := ImportJSON([]byte(`{"elements":[{"type":"rectangle"}]}`))
	assert.NotEqual(t, err, nil)
}
