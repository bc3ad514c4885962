package board

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"slices"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/golang/glog"
)

type EngineSettings struct {
	// a shape smaller than this in both dimensions is an accidental click
	FinalizeThreshold float64
	TextCharWidth     float64
	TextHeight        float64
	// images are proportionally downscaled to fit this bounding dimension
	MaxImageSize float64
	ZoomMin      float64
	ZoomMax      float64
	ZoomOutStep  float64
	ZoomInStep   float64

	// PromptText supplies the text for the text tool. nil means the text tool is inert.
	PromptText func() string
	// PickImage supplies raw encoded image bytes for the image tool.
	PickImage func() ([]byte, error)
}

func DefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		FinalizeThreshold: 3,
		TextCharWidth:     12,
		TextHeight:        20,
		MaxImageSize:      300,
		ZoomMin:           0.1,
		ZoomMax:           5,
		ZoomOutStep:       0.9,
		ZoomInStep:        1.1,
	}
}

type ElementsFunction func(elements []*Element)

type marquee struct {
	start   Point
	current Point
}

// Engine translates pointer/keyboard events into committed element
// mutations. It is single threaded: all entry points are expected to be
// called from the one event loop, interleaved with timer and network
// callbacks.
//
// The committed callback fires with a deep copy on every commit. The
// changed callback fires only when the content signature moved since
// the previous notification, which throttles downstream replication and
// history writes to true content changes.
type Engine struct {
	settings *EngineSettings

	appState *AppState

	elements []*Element

	drawing     bool
	dragging    bool
	dragOffsets map[string]Point
	marquee     *marquee

	lastSignature string

	changedCallback   ElementsFunction
	committedCallback ElementsFunction

	destroyed bool
}

func NewEngineWithDefaults(appState *AppState) *Engine {
	return NewEngine(appState, DefaultEngineSettings())
}

func NewEngine(appState *AppState, settings *EngineSettings) *Engine {
	return &Engine{
		settings:    settings,
		appState:    appState,
		elements:    []*Element{},
		dragOffsets: map[string]Point{},
	}
}

func (self *Engine) SetOnChanged(callback ElementsFunction) {
	self.changedCallback = callback
}

func (self *Engine) SetOnCommitted(callback ElementsFunction) {
	self.committedCallback = callback
}

func (self *Engine) AppState() *AppState {
	return self.appState
}

func (self *Engine) Elements() []*Element {
	return CloneElements(self.elements)
}

// SetElements replaces the committed store, e.g. after a remote merge
// or a history application. Stale selection ids are pruned.
func (self *Engine) SetElements(elements []*Element) {
	self.elements = CloneElements(elements)
	self.appState.pruneSelection(self.elements)
	if len(self.elements) == 0 {
		self.appState.EditingElement = nil
	}
	self.lastSignature = Signature(self.elements)
}

func (self *Engine) SetTool(tool Tool) {
	self.appState.ActiveTool = tool
}

// Destroy detaches all callbacks. Safe to call more than once.
func (self *Engine) Destroy() {
	self.destroyed = true
	self.changedCallback = nil
	self.committedCallback = nil
	self.dragOffsets = map[string]Point{}
	self.marquee = nil
}

// event boundary. a panic in a handler must not take down the render loop
func (self *Engine) guard(tag string, handler func()) {
	if self.destroyed {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			glog.Infof("[eng]%s recovered = %v\n", tag, r)
		}
	}()
	handler()
}

func (self *Engine) PointerDown(screenX float64, screenY float64, shift bool) {
	self.guard("down", func() {
		point := self.canvasPoint(screenX, screenY)
		self.drawing = true

		switch self.appState.ActiveTool {
		case ToolRectangle, ToolEllipse, ToolDiamond, ToolArrow:
			self.startCreating(ElementType(self.appState.ActiveTool), point)
		case ToolLine:
			self.startPointElement(ElementLine, point)
		case ToolFreedraw:
			self.startPointElement(ElementFreedraw, point)
		case ToolSelection:
			self.selectionStart(point, shift)
		case ToolText:
			self.createText(point)
		case ToolImage:
			self.createImage(point)
		case ToolEraser:
			self.eraseAt(point)
		}
	})
}

func (self *Engine) PointerMove(screenX float64, screenY float64) {
	self.guard("move", func() {
		if !self.drawing {
			return
		}
		point := self.canvasPoint(screenX, screenY)

		switch self.appState.ActiveTool {
		case ToolEraser:
			self.eraseAt(point)
		case ToolSelection:
			self.selectionMove(point)
		default:
			if editing := self.appState.EditingElement; editing != nil {
				if editing.Type == ElementFreedraw {
					self.appendPoint(editing, point)
				} else {
					self.updateExtent(editing, point)
				}
			}
		}
	})
}

func (self *Engine) PointerUp(screenX float64, screenY float64) {
	self.guard("up", func() {
		self.drawing = false

		if self.appState.ActiveTool == ToolSelection {
			self.selectionEnd()
		}
		if self.appState.EditingElement != nil {
			self.finalize()
		}

		self.dragging = false
		self.dragOffsets = map[string]Point{}
		self.marquee = nil
	})
}

// Wheel zooms by a fixed multiplicative step per notch, recentering so
// the canvas point under the cursor stays fixed.
func (self *Engine) Wheel(deltaY float64, screenX float64, screenY float64) {
	self.guard("wheel", func() {
		step := self.settings.ZoomInStep
		if 0 < deltaY {
			step = self.settings.ZoomOutStep
		}
		view := &self.appState.View
		zoom := min(self.settings.ZoomMax, max(self.settings.ZoomMin, view.Zoom*step))
		zoomChange := zoom / view.Zoom
		view.X = screenX - (screenX-view.X)*zoomChange
		view.Y = screenY - (screenY-view.Y)*zoomChange
		view.Zoom = zoom
	})
}

func (self *Engine) ClearElements() {
	self.elements = []*Element{}
	self.appState.SelectedElementIds = []string{}
	self.appState.EditingElement = nil
	self.marquee = nil
	self.dragging = false
	self.dragOffsets = map[string]Point{}
	self.drawing = false
	self.notifyChanged()
	self.commit()
}

func (self *Engine) Marquee() (start Point, current Point, active bool) {
	if self.marquee == nil {
		return Point{}, Point{}, false
	}
	return self.marquee.start, self.marquee.current, true
}

func (self *Engine) canvasPoint(screenX float64, screenY float64) Point {
	view := self.appState.View
	return Point{
		X: (screenX - view.X) / view.Zoom,
		Y: (screenY - view.Y) / view.Zoom,
	}
}

func (self *Engine) newElement(elementType ElementType, point Point) *Element {
	appState := self.appState
	return &Element{
		Id:              NewElementId(),
		Type:            elementType,
		X:               point.X,
		Y:               point.Y,
		Angle:           0,
		StrokeColor:     appState.CurrentItemStrokeColor,
		BackgroundColor: appState.CurrentItemBackgroundColor,
		FillStyle:       appState.CurrentItemFillStyle,
		StrokeWidth:     appState.CurrentItemStrokeWidth,
		StrokeStyle:     appState.CurrentItemStrokeStyle,
		Roughness:       appState.CurrentItemRoughness,
		Opacity:         appState.CurrentItemOpacity,
		Seed:            newSeed(),
		VersionNonce:    newSeed(),
		GroupIds:        []string{},
		Updated:         nowMillis(),
	}
}

func (self *Engine) startCreating(elementType ElementType, point Point) {
	self.appState.EditingElement = self.newElement(elementType, point)
}

func (self *Engine) startPointElement(elementType ElementType, point Point) {
	element := self.newElement(elementType, point)
	element.BackgroundColor = "transparent"
	element.Points = []Point{{X: 0, Y: 0}}
	self.appState.EditingElement = element
}

func (self *Engine) updateExtent(element *Element, point Point) {
	element.Width = point.X - element.X
	element.Height = point.Y - element.Y
	if element.Type == ElementLine && element.Points != nil {
		endpoint := Point{X: element.Width, Y: element.Height}
		if len(element.Points) < 2 {
			element.Points = append(element.Points, endpoint)
		} else {
			element.Points[1] = endpoint
		}
	}
	element.Updated = bump(element.Updated)
}

// appendPoint adds a relative point and renormalizes the origin so all
// points remain non-negative offsets.
func (self *Engine) appendPoint(element *Element, point Point) {
	element.Points = append(element.Points, Point{
		X: point.X - element.X,
		Y: point.Y - element.Y,
	})

	if 1 < len(element.Points) {
		minX := element.Points[0].X
		maxX := element.Points[0].X
		minY := element.Points[0].Y
		maxY := element.Points[0].Y
		for _, p := range element.Points[1:] {
			minX = min(minX, p.X)
			maxX = max(maxX, p.X)
			minY = min(minY, p.Y)
			maxY = max(maxY, p.Y)
		}

		element.Width = max(1, maxX-minX)
		element.Height = max(1, maxY-minY)

		if minX < 0 {
			element.X += minX
			for i := range element.Points {
				element.Points[i].X -= minX
			}
		}
		if minY < 0 {
			element.Y += minY
			for i := range element.Points {
				element.Points[i].Y -= minY
			}
		}
	}
	element.Updated = bump(element.Updated)
}

func (self *Engine) finalize() {
	element := self.appState.EditingElement
	element.Updated = bump(element.Updated)

	committed := false
	switch element.Type {
	case ElementFreedraw, ElementLine:
		committed = 1 < len(element.Points)
	default:
		threshold := self.settings.FinalizeThreshold
		committed = threshold < abs(element.Width) || threshold < abs(element.Height)
	}
	if committed {
		self.elements = append(self.elements, element)
		self.notifyChanged()
	}

	self.appState.EditingElement = nil
	self.commit()
}

func (self *Engine) selectionStart(point Point, shift bool) {
	hit := self.elementAt(point)
	if hit != nil {
		if !slices.Contains(self.appState.SelectedElementIds, hit.Id) {
			if shift {
				self.appState.SelectedElementIds = append(self.appState.SelectedElementIds, hit.Id)
			} else {
				self.appState.SelectedElementIds = []string{hit.Id}
			}
		}
		self.startDragging(point)
	} else {
		if !shift {
			self.appState.SelectedElementIds = []string{}
		}
		self.marquee = &marquee{
			start:   point,
			current: point,
		}
	}
}

func (self *Engine) selectionMove(point Point) {
	if self.dragging {
		self.updateDragging(point)
	} else if self.marquee != nil {
		self.marquee.current = point
		self.updateMarqueeSelection()
	}
}

func (self *Engine) selectionEnd() {
	if self.dragging {
		self.notifyChanged()
		self.commit()
	}
	self.marquee = nil
	self.dragging = false
	self.dragOffsets = map[string]Point{}
}

func (self *Engine) startDragging(point Point) {
	self.dragging = true
	self.dragOffsets = map[string]Point{}
	for _, elementId := range self.appState.SelectedElementIds {
		if element := self.elementById(elementId); element != nil {
			self.dragOffsets[elementId] = Point{
				X: point.X - element.X,
				Y: point.Y - element.Y,
			}
		}
	}
}

func (self *Engine) updateDragging(point Point) {
	for _, elementId := range self.appState.SelectedElementIds {
		element := self.elementById(elementId)
		offset, ok := self.dragOffsets[elementId]
		if element == nil || !ok {
			// a race between ui and store. skip, not an error
			continue
		}
		element.X = point.X - offset.X
		element.Y = point.Y - offset.Y
		element.Updated = bump(element.Updated)
	}
}

// strict containment, not intersection
func (self *Engine) updateMarqueeSelection() {
	minX := min(self.marquee.start.X, self.marquee.current.X)
	maxX := max(self.marquee.start.X, self.marquee.current.X)
	minY := min(self.marquee.start.Y, self.marquee.current.Y)
	maxY := max(self.marquee.start.Y, self.marquee.current.Y)

	selectedElementIds := []string{}
	for _, element := range self.elements {
		if element.IsDeleted {
			continue
		}
		elementMinX, elementMinY, elementMaxX, elementMaxY := element.Bounds()
		if minX <= elementMinX && elementMaxX <= maxX && minY <= elementMinY && elementMaxY <= maxY {
			selectedElementIds = append(selectedElementIds, element.Id)
		}
	}
	self.appState.SelectedElementIds = selectedElementIds
}

func (self *Engine) createText(point Point) {
	if self.settings.PromptText == nil {
		return
	}
	text := self.settings.PromptText()
	if text == "" {
		return
	}

	element := self.newElement(ElementText, point)
	element.BackgroundColor = "transparent"
	element.Text = text
	element.FontSize = self.appState.CurrentItemFontSize
	element.FontFamily = self.appState.CurrentItemFontFamily
	element.TextAlign = self.appState.CurrentItemTextAlign
	element.Width = float64(len(text)) * self.settings.TextCharWidth
	element.Height = self.settings.TextHeight

	self.elements = append(self.elements, element)
	self.notifyChanged()
	self.commit()
}

func (self *Engine) createImage(point Point) {
	if self.settings.PickImage == nil {
		return
	}
	data, err := self.settings.PickImage()
	if err != nil {
		glog.Infof("[eng]image pick error = %s\n", err)
		return
	}

	config, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		glog.Infof("[eng]image decode error = %s\n", err)
		return
	}

	width := float64(config.Width)
	height := float64(config.Height)
	maxSize := self.settings.MaxImageSize
	if maxSize < width || maxSize < height {
		ratio := min(maxSize/width, maxSize/height)
		width = width * ratio
		height = height * ratio
	}

	element := self.newElement(ElementImage, point)
	element.BackgroundColor = "transparent"
	element.Width = width
	element.Height = height
	element.ImageData = fmt.Sprintf(
		"data:image/%s;base64,%s",
		format,
		base64.StdEncoding.EncodeToString(data),
	)

	self.elements = append(self.elements, element)
	self.notifyChanged()
	self.commit()
}

// erase is immediate-commit. the topmost hit is removed on pointer-down
// and on every held pointer-move
func (self *Engine) eraseAt(point Point) {
	hit := self.elementAt(point)
	if hit == nil {
		return
	}
	self.elements = slices.DeleteFunc(self.elements, func(element *Element) bool {
		return element.Id == hit.Id
	})
	self.appState.SelectedElementIds = slices.DeleteFunc(
		self.appState.SelectedElementIds,
		func(elementId string) bool {
			return elementId == hit.Id
		},
	)
	self.notifyChanged()
	self.commit()
}

// reverse insertion order so the most recently drawn element wins ties
func (self *Engine) elementAt(point Point) *Element {
	for i := len(self.elements) - 1; 0 <= i; i -= 1 {
		element := self.elements[i]
		if element.IsDeleted {
			continue
		}
		if element.HitTest(point) {
			return element
		}
	}
	return nil
}

func (self *Engine) elementById(elementId string) *Element {
	for _, element := range self.elements {
		if element.Id == elementId {
			return element
		}
	}
	return nil
}

func (self *Engine) notifyChanged() {
	signature := Signature(self.elements)
	if signature == self.lastSignature {
		return
	}
	self.lastSignature = signature
	if self.changedCallback != nil {
		self.changedCallback(CloneElements(self.elements))
	}
}

func (self *Engine) commit() {
	if self.committedCallback != nil {
		self.committedCallback(CloneElements(self.elements))
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// bump returns a strictly larger logical clock value
func bump(updated int64) int64 {
	return max(updated+1, nowMillis())
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
