package board

import (
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func historyElement(id string, x float64) *Element {
	return &Element{
		Id:      id,
		Type:    ElementRectangle,
		X:       x,
		Y:       0,
		Width:   10,
		Height:  10,
		Updated: 1,
	}
}

func TestHistoryUndoRedoRoundTrip(t *testing.T) {
	history := NewHistoryWithDefaults()
	appState := DefaultAppState()

	history.Initialize([]*Element{}, appState)

	s1 := []*Element{historyElement("a", 0)}
	s2 := []*Element{historyElement("a", 0), historyElement("b", 100)}
	history.SaveState(s1, appState)
	history.SaveState(s2, appState)

	assert.Equal(t, true, history.CanUndo())
	assert.Equal(t, false, history.CanRedo())

	entry := history.Undo()
	assert.NotEqual(t, entry, nil)
	assert.Equal(t, Signature(s1), Signature(entry.Elements))

	entry = history.Undo()
	assert.NotEqual(t, entry, nil)
	assert.Equal(t, 0, len(entry.Elements))

	// boundary
	assert.Equal(t, nil, history.Undo())

	entry = history.Redo()
	assert.NotEqual(t, entry, nil)
	assert.Equal(t, Signature(s1), Signature(entry.Elements))

	entry = history.Redo()
	assert.NotEqual(t, entry, nil)
	assert.Equal(t, Signature(s2), Signature(entry.Elements))

	assert.Equal(t, nil, history.Redo())
}

func TestHistoryRedoInvalidation(t *testing.T) {
	history := NewHistoryWithDefaults()
	appState := DefaultAppState()

	history.Initialize([]*Element{}, appState)
	history.SaveState([]*Element{historyElement("a", 0)}, appState)
	history.SaveState([]*Element{historyElement("a", 10)}, appState)

	history.Undo()
	assert.Equal(t, true, history.CanRedo())

	// a new edit after undo discards the redo branch
	history.SaveState([]*Element{historyElement("a", 99)}, appState)
	assert.Equal(t, false, history.CanRedo())
	assert.Equal(t, nil, history.Redo())
}

func TestHistoryDedupBySignature(t *testing.T) {
	history := NewHistoryWithDefaults()
	appState := DefaultAppState()

	history.Initialize([]*Element{}, appState)

	s1 := []*Element{historyElement("a", 0)}
	history.SaveState(s1, appState)
	history.SaveState(s1, appState)
	history.SaveState(CloneElements(s1), appState)

	assert.Equal(t, 2, history.Len())
}

func TestHistoryCapacity(t *testing.T) {
	history := NewHistory(&HistorySettings{
		Capacity: 5,
	})
	appState := DefaultAppState()

	history.Initialize([]*Element{}, appState)
	for i := 0; i < 20; i += 1 {
		history.SaveState([]*Element{historyElement(fmt.Sprintf("e%d", i), float64(i))}, appState)
	}
	assert.Equal(t, 5, history.Len())

	// the oldest retained entry is the 16th snapshot
	for history.CanUndo() {
		history.Undo()
	}
	entry := history.Redo()
	assert.NotEqual(t, entry, nil)
}

func TestHistoryApplyingSuppressesSave(t *testing.T) {
	history := NewHistoryWithDefaults()
	appState := DefaultAppState()

	history.Initialize([]*Element{}, appState)
	history.SaveState([]*Element{historyElement("a", 0)}, appState)

	before := history.Len()
	history.Applying(func() {
		// the engine commit path calls SaveState while a snapshot is
		// being pushed back through it
		history.SaveState([]*Element{historyElement("b", 50)}, appState)
	})
	assert.Equal(t, before, history.Len())

	// after the application window closes, saves record again
	history.SaveState([]*Element{historyElement("b", 50)}, appState)
	assert.Equal(t, before+1, history.Len())
}

func TestHistoryInitializeIdempotent(t *testing.T) {
	history := NewHistoryWithDefaults()
	appState := DefaultAppState()

	history.Initialize([]*Element{}, appState)
	history.SaveState([]*Element{historyElement("a", 0)}, appState)
	history.Initialize([]*Element{}, appState)

	assert.Equal(t, 2, history.Len())
	assert.Equal(t, true, history.CanUndo())
}

func TestHistoryEntriesAreIsolated(t *testing.T) {
	history := NewHistoryWithDefaults()
	appState := DefaultAppState()

	s1 := []*Element{historyElement("a", 0)}
	history.Initialize(s1, appState)

	// mutating the caller's slice must not reach stored history
	s1[0].X = 999
	history.SaveState(s1, appState)

	history.Undo()
	entry := history.Redo()
	assert.NotEqual(t, entry, nil)
	assert.Equal(t, 999.0, entry.Elements[0].X)

	entry.Elements[0].X = -1
	again := history.Undo()
	assert.NotEqual(t, again, nil)
	assert.Equal(t, 0.0, again.Elements[0].X)
}

func TestHistoryClear(t *testing.T) {
	history := NewHistoryWithDefaults()
	appState := DefaultAppState()

	history.Initialize([]*Element{}, appState)
	history.SaveState([]*Element{historyElement("a", 0)}, appState)
	history.SaveState([]*Element{historyElement("b", 10)}, appState)

	current := []*Element{historyElement("b", 10)}
	history.Clear(current, appState)
	assert.Equal(t, 1, history.Len())
	assert.Equal(t, false, history.CanUndo())
	assert.Equal(t, false, history.CanRedo())
}
