package board

import (
	"fmt"
	"math/rand"
	"slices"
	"strings"

	"github.com/oklog/ulid/v2"
)

type ElementType string

const (
	ElementRectangle ElementType = "rectangle"
	ElementEllipse   ElementType = "ellipse"
	ElementDiamond   ElementType = "diamond"
	ElementArrow     ElementType = "arrow"
	ElementLine      ElementType = "line"
	ElementFreedraw  ElementType = "freedraw"
	ElementText      ElementType = "text"
	ElementImage     ElementType = "image"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Element is one drawable unit. `Id` is immutable once created.
// `Updated` is the logical clock used for change detection and for
// last-writer-wins merging, and strictly increases on every mutation.
type Element struct {
	Id              string      `json:"id"`
	Type            ElementType `json:"type"`
	X               float64     `json:"x"`
	Y               float64     `json:"y"`
	Width           float64     `json:"width"`
	Height          float64     `json:"height"`
	Angle           float64     `json:"angle"`
	StrokeColor     string      `json:"strokeColor"`
	BackgroundColor string      `json:"backgroundColor"`
	FillStyle       string      `json:"fillStyle"`
	StrokeWidth     float64     `json:"strokeWidth"`
	StrokeStyle     string      `json:"strokeStyle"`
	Roughness       float64     `json:"roughness"`
	// 0-100
	Opacity float64 `json:"opacity"`
	// relative offsets from (X, Y), all non-negative after finalize
	Points       []Point  `json:"points,omitempty"`
	Text         string   `json:"text,omitempty"`
	FontSize     float64  `json:"fontSize,omitempty"`
	FontFamily   string   `json:"fontFamily,omitempty"`
	TextAlign    string   `json:"textAlign,omitempty"`
	ImageData    string   `json:"imageData,omitempty"`
	Seed         int64    `json:"seed"`
	VersionNonce int64    `json:"versionNonce"`
	IsDeleted    bool     `json:"isDeleted"`
	GroupIds     []string `json:"groupIds"`
	Updated      int64    `json:"updated"`
}

func NewElementId() string {
	return ulid.Make().String()
}

// render seeds keep hand-drawn rendering visually stable across re-renders.
// they carry no merge semantics
func newSeed() int64 {
	return rand.Int63n(1000000)
}

func (self *Element) Clone() *Element {
	if self == nil {
		return nil
	}
	out := *self
	if self.Points != nil {
		out.Points = slices.Clone(self.Points)
	}
	if self.GroupIds != nil {
		out.GroupIds = slices.Clone(self.GroupIds)
	}
	return &out
}

func CloneElements(elements []*Element) []*Element {
	out := make([]*Element, len(elements))
	for i, element := range elements {
		out[i] = element.Clone()
	}
	return out
}

// Bounds returns the axis-aligned bounding box with min <= max
// regardless of the sign of Width/Height.
func (self *Element) Bounds() (minX float64, minY float64, maxX float64, maxY float64) {
	minX = min(self.X, self.X+self.Width)
	maxX = max(self.X, self.X+self.Width)
	minY = min(self.Y, self.Y+self.Height)
	maxY = max(self.Y, self.Y+self.Height)
	return
}

func (self *Element) HitTest(point Point) bool {
	minX, minY, maxX, maxY := self.Bounds()
	return minX <= point.X && point.X <= maxX && minY <= point.Y && point.Y <= maxY
}

func (self *Element) signature() string {
	return fmt.Sprintf(
		"%s:%g,%g,%g,%g,%g:%d",
		self.Id,
		self.X,
		self.Y,
		self.Width,
		self.Height,
		self.Angle,
		self.Updated,
	)
}

// Signature is a cheap content signature over the element list.
// Equal signatures mean no committed content change since the
// signature was last taken.
func Signature(elements []*Element) string {
	parts := make([]string, len(elements))
	for i, element := range elements {
		parts[i] = element.signature()
	}
	return strings.Join(parts, ";")
}
