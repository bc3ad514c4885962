package board

import (
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func drawRect(engine *Engine, x float64, y float64, w float64, h float64) {
	engine.SetTool(ToolRectangle)
	engine.PointerDown(x, y, false)
	engine.PointerMove(x+w, y+h)
	engine.PointerUp(x+w, y+h)
}

func TestEngineFinalizeThreshold(t *testing.T) {
	engine := NewEngineWithDefaults(DefaultAppState())

	// a 2x2 drag is an accidental click and commits nothing
	drawRect(engine, 10, 10, 2, 2)
	assert.Equal(t, 0, len(engine.Elements()))
	assert.Equal(t, nil, engine.AppState().EditingElement)

	// a 4x4 drag commits
	drawRect(engine, 10, 10, 4, 4)
	elements := engine.Elements()
	assert.Equal(t, 1, len(elements))
	assert.Equal(t, ElementRectangle, elements[0].Type)
	assert.Equal(t, 4.0, elements[0].Width)
	assert.Equal(t, 4.0, elements[0].Height)
}

func TestEngineCommittedFiresPerGesture(t *testing.T) {
	engine := NewEngineWithDefaults(DefaultAppState())

	commits := 0
	engine.SetOnCommitted(func(elements []*Element) {
		commits += 1
	})

	drawRect(engine, 0, 0, 50, 50)
	assert.Equal(t, 1, commits)

	// a rejected gesture still commits the unchanged store
	drawRect(engine, 0, 0, 1, 1)
	assert.Equal(t, 2, commits)
}

func TestEngineChangedGatedBySignature(t *testing.T) {
	engine := NewEngineWithDefaults(DefaultAppState())

	changes := 0
	engine.SetOnChanged(func(elements []*Element) {
		changes += 1
	})

	drawRect(engine, 0, 0, 50, 50)
	assert.Equal(t, 1, changes)

	// selecting moves no content, so no change notification
	engine.SetTool(ToolSelection)
	engine.PointerDown(25, 25, false)
	engine.PointerUp(25, 25)
	assert.Equal(t, 1, changes)
}

func TestEngineMarqueeStrictContainment(t *testing.T) {
	engine := NewEngineWithDefaults(DefaultAppState())

	drawRect(engine, 0, 0, 10, 10)
	drawRect(engine, 5, 5, 15, 15)
	elements := engine.Elements()
	assert.Equal(t, 2, len(elements))
	contained := elements[0].Id

	// the marquee [0,0 -> 12,12] fully contains only the first rectangle.
	// the second intersects but is not contained, so it stays unselected
	engine.SetTool(ToolSelection)
	engine.PointerDown(-1, -1, false)
	engine.PointerMove(12, 12)

	assert.Equal(t, []string{contained}, engine.AppState().SelectedElementIds)

	engine.PointerUp(12, 12)
	_, _, active := engine.Marquee()
	assert.Equal(t, false, active)
}

func TestEngineDragMovesSelection(t *testing.T) {
	engine := NewEngineWithDefaults(DefaultAppState())

	drawRect(engine, 10, 10, 20, 20)
	elementId := engine.Elements()[0].Id

	engine.SetTool(ToolSelection)
	engine.PointerDown(15, 15, false)
	assert.Equal(t, []string{elementId}, engine.AppState().SelectedElementIds)
	engine.PointerMove(115, 65)
	engine.PointerUp(115, 65)

	element := engine.Elements()[0]
	assert.Equal(t, 110.0, element.X)
	assert.Equal(t, 60.0, element.Y)
}

func TestEngineEraserRemovesTopmost(t *testing.T) {
	engine := NewEngineWithDefaults(DefaultAppState())

	drawRect(engine, 0, 0, 20, 20)
	drawRect(engine, 0, 0, 20, 20)
	elements := engine.Elements()
	assert.Equal(t, 2, len(elements))
	bottom := elements[0].Id
	top := elements[1].Id

	engine.SetTool(ToolEraser)
	engine.PointerDown(10, 10, false)
	engine.PointerUp(10, 10)

	elements = engine.Elements()
	assert.Equal(t, 1, len(elements))
	assert.Equal(t, bottom, elements[0].Id)
	assert.NotEqual(t, top, elements[0].Id)
}

func TestEngineEraserPrunesSelection(t *testing.T) {
	engine := NewEngineWithDefaults(DefaultAppState())

	drawRect(engine, 0, 0, 20, 20)
	elementId := engine.Elements()[0].Id

	engine.SetTool(ToolSelection)
	engine.PointerDown(10, 10, false)
	engine.PointerUp(10, 10)
	assert.Equal(t, []string{elementId}, engine.AppState().SelectedElementIds)

	engine.SetTool(ToolEraser)
	engine.PointerDown(10, 10, false)
	engine.PointerUp(10, 10)
	assert.Equal(t, []string{}, engine.AppState().SelectedElementIds)
}

func TestEngineFreedrawRenormalize(t *testing.T) {
	engine := NewEngineWithDefaults(DefaultAppState())

	engine.SetTool(ToolFreedraw)
	engine.PointerDown(100, 100, false)
	// drag up-left past the origin point
	engine.PointerMove(80, 90)
	engine.PointerMove(60, 70)
	engine.PointerUp(60, 70)

	elements := engine.Elements()
	assert.Equal(t, 1, len(elements))
	element := elements[0]
	assert.Equal(t, ElementFreedraw, element.Type)
	// the element origin moved so all points are non-negative offsets
	assert.Equal(t, 60.0, element.X)
	assert.Equal(t, 70.0, element.Y)
	for _, point := range element.Points {
		assert.Equal(t, true, 0 <= point.X)
		assert.Equal(t, true, 0 <= point.Y)
	}
	assert.Equal(t, 40.0, element.Width)
	assert.Equal(t, 30.0, element.Height)
}

func TestEngineLineEndpoints(t *testing.T) {
	engine := NewEngineWithDefaults(DefaultAppState())

	engine.SetTool(ToolLine)
	engine.PointerDown(10, 10, false)
	engine.PointerMove(50, 30)
	engine.PointerMove(60, 40)
	engine.PointerUp(60, 40)

	elements := engine.Elements()
	assert.Equal(t, 1, len(elements))
	element := elements[0]
	// a line keeps exactly two points, the second tracking the pointer
	assert.Equal(t, 2, len(element.Points))
	assert.Equal(t, Point{X: 0, Y: 0}, element.Points[0])
	assert.Equal(t, Point{X: 50, Y: 30}, element.Points[1])
}

func TestEngineWheelZoomFixpoint(t *testing.T) {
	engine := NewEngineWithDefaults(DefaultAppState())

	before := engine.canvasPoint(200, 150)
	engine.Wheel(-1, 200, 150)
	after := engine.canvasPoint(200, 150)

	// the canvas point under the cursor is invariant under zoom
	assert.Equal(t, true, abs(before.X-after.X) < 1e-9)
	assert.Equal(t, true, abs(before.Y-after.Y) < 1e-9)
	assert.Equal(t, true, 1 < engine.AppState().View.Zoom)
}

func TestEngineZoomClamp(t *testing.T) {
	engine := NewEngineWithDefaults(DefaultAppState())

	for i := 0; i < 100; i += 1 {
		engine.Wheel(-1, 0, 0)
	}
	assert.Equal(t, 5.0, engine.AppState().View.Zoom)

	for i := 0; i < 200; i += 1 {
		engine.Wheel(1, 0, 0)
	}
	assert.Equal(t, 0.1, engine.AppState().View.Zoom)
}

func TestEngineTextTool(t *testing.T) {
	settings := DefaultEngineSettings()
	settings.PromptText = func() string {
		return "hello"
	}
	engine := NewEngine(DefaultAppState(), settings)

	engine.SetTool(ToolText)
	engine.PointerDown(40, 40, false)
	engine.PointerUp(40, 40)

	elements := engine.Elements()
	assert.Equal(t, 1, len(elements))
	element := elements[0]
	assert.Equal(t, ElementText, element.Type)
	assert.Equal(t, "hello", element.Text)
	assert.Equal(t, 5*settings.TextCharWidth, element.Width)

	// an empty prompt creates nothing
	settings.PromptText = func() string {
		return ""
	}
	engine.PointerDown(40, 40, false)
	engine.PointerUp(40, 40)
	assert.Equal(t, 1, len(engine.Elements()))
}

func TestEngineSetElementsPrunesSelection(t *testing.T) {
	engine := NewEngineWithDefaults(DefaultAppState())

	drawRect(engine, 0, 0, 20, 20)
	elementId := engine.Elements()[0].Id
	engine.AppState().SelectedElementIds = []string{elementId, "gone"}

	engine.SetElements(engine.Elements())
	assert.Equal(t, []string{elementId}, engine.AppState().SelectedElementIds)
}

func TestEngineDestroyDetaches(t *testing.T) {
	engine := NewEngineWithDefaults(DefaultAppState())

	commits := 0
	engine.SetOnCommitted(func(elements []*Element) {
		commits += 1
	})
	engine.Destroy()
	engine.Destroy()

	drawRect(engine, 0, 0, 50, 50)
	assert.Equal(t, 0, commits)
}
