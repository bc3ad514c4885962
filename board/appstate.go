package board

import (
	"slices"
)

type Tool string

const (
	ToolSelection Tool = "selection"
	ToolRectangle Tool = "rectangle"
	ToolEllipse   Tool = "ellipse"
	ToolDiamond   Tool = "diamond"
	ToolArrow     Tool = "arrow"
	ToolLine      Tool = "line"
	ToolFreedraw  Tool = "freedraw"
	ToolText      Tool = "text"
	ToolImage     Tool = "image"
	ToolEraser    Tool = "eraser"
)

type ViewTransform struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// AppState is local-only editing state. It is never replicated.
// `EditingElement`, if non-nil, is not part of the committed store
// until finalized.
type AppState struct {
	ActiveTool Tool
	ToolLocked bool

	View ViewTransform

	SelectedElementIds []string
	EditingElement     *Element

	CurrentItemStrokeColor     string
	CurrentItemBackgroundColor string
	CurrentItemFillStyle       string
	CurrentItemStrokeWidth     float64
	CurrentItemStrokeStyle     string
	CurrentItemRoughness       float64
	CurrentItemOpacity         float64
	CurrentItemFontSize        float64
	CurrentItemFontFamily      string
	CurrentItemTextAlign       string

	// canvas pixel dimensions
	Width  float64
	Height float64
}

func DefaultAppState() *AppState {
	return &AppState{
		ActiveTool: ToolSelection,
		View: ViewTransform{
			X:    0,
			Y:    0,
			Zoom: 1,
		},
		SelectedElementIds:         []string{},
		CurrentItemStrokeColor:     "#1e1e1e",
		CurrentItemBackgroundColor: "transparent",
		CurrentItemFillStyle:       "hachure",
		CurrentItemStrokeWidth:     2,
		CurrentItemStrokeStyle:     "solid",
		CurrentItemRoughness:       1,
		CurrentItemOpacity:         100,
		CurrentItemFontSize:        20,
		CurrentItemFontFamily:      "hand-drawn",
		CurrentItemTextAlign:       "left",
		Width:                      1280,
		Height:                     720,
	}
}

func (self *AppState) Clone() *AppState {
	if self == nil {
		return nil
	}
	out := *self
	out.SelectedElementIds = slices.Clone(self.SelectedElementIds)
	out.EditingElement = self.EditingElement.Clone()
	return &out
}

// pruneSelection drops selected ids that no longer resolve to an element
func (self *AppState) pruneSelection(elements []*Element) {
	present := map[string]bool{}
	for _, element := range elements {
		present[element.Id] = true
	}
	selectedElementIds := []string{}
	for _, elementId := range self.SelectedElementIds {
		if present[elementId] {
			selectedElementIds = append(selectedElementIds, elementId)
		}
	}
	self.SelectedElementIds = selectedElementIds
}
