package collab

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/scriblio/scriblio/board"
)

// fieldVersion orders concurrent writes to one field: last writer wins
// by logical clock, tie-broken by site id for determinism.
type fieldVersion struct {
	Clock int64  `json:"clock"`
	Site  string `json:"site"`
}

func (self fieldVersion) before(b fieldVersion) bool {
	if self.Clock != b.Clock {
		return self.Clock < b.Clock
	}
	return self.Site < b.Site
}

// FieldOp sets one field of one element. Creation is the full field
// set. Ops commute: applying the same op twice, or ops in any order,
// converges to the same state.
type FieldOp struct {
	ElementId string          `json:"elementId"`
	Field     string          `json:"field"`
	Value     json.RawMessage `json:"value"`
	Clock     int64           `json:"clock"`
	Site      string          `json:"site"`
}

// Stroke is an immutable record in the shared ordered log.
type Stroke struct {
	Id        Id            `json:"id"`
	Points    []board.Point `json:"points"`
	Color     string        `json:"color"`
	Width     float64       `json:"width"`
	Timestamp int64         `json:"timestamp"`
	UserId    string        `json:"userId"`
}

// PropOp sets one canvas-level property, e.g. background.
type PropOp struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Clock int64  `json:"clock"`
	Site  string `json:"site"`
}

// Delta is the replicated byte stream unit carried by both transports.
// One delta per local transaction.
type Delta struct {
	RoomId  string    `json:"roomId"`
	Site    string    `json:"site"`
	Ops     []FieldOp `json:"ops,omitempty"`
	Strokes []Stroke  `json:"strokes,omitempty"`
	Props   []PropOp  `json:"props,omitempty"`
}

type documentEntry struct {
	element  *board.Element
	versions map[string]fieldVersion
	// min (clock, site) over all applied ops. order-independent, so it
	// converges, and it gives a deterministic z-order across peers
	created fieldVersion
}

type propEntry struct {
	value   string
	version fieldVersion
}

// Document makes the element store convergeable across peers without a
// central arbiter: a shared ordered stroke log, an element map with
// field-level last-writer-wins, and a canvas property map.
//
// All mutation goes through the transaction entry points below, never
// direct field assignment, so observers see atomic consistent updates.
type Document struct {
	roomId string
	site   string

	mutex   sync.Mutex
	clock   int64
	entries map[string]*documentEntry
	// ids the last local commit contained. absence from a commit only
	// deletes elements the local replica has actually seen, so a commit
	// racing a remote create cannot tombstone the new element
	localElements map[string]bool
	strokes       []Stroke
	// stroke log dedup
	strokeIds map[Id]bool
	props     map[string]propEntry
	closed    bool

	observers      *CallbackList[func()]
	deltaCallbacks *CallbackList[func([]byte)]
}

func NewDocument(roomId string, site string) *Document {
	return &Document{
		roomId:         roomId,
		site:           site,
		entries:        map[string]*documentEntry{},
		localElements:  map[string]bool{},
		strokeIds:      map[Id]bool{},
		props:          map[string]propEntry{},
		observers:      NewCallbackList[func()](),
		deltaCallbacks: NewCallbackList[func([]byte)](),
	}
}

func (self *Document) RoomId() string {
	return self.roomId
}

func (self *Document) Site() string {
	return self.site
}

// Observe registers a listener invoked whenever the shared state
// mutates, locally or remotely. Returns an unsubscribe function.
func (self *Document) Observe(callback func()) func() {
	return self.observers.Add(callback)
}

// OnDelta registers a listener for outgoing encoded deltas, one per
// local transaction. Returns an unsubscribe function.
func (self *Document) OnDelta(callback func([]byte)) func() {
	return self.deltaCallbacks.Add(callback)
}

func (self *Document) nextClock() int64 {
	self.clock = max(self.clock+1, time.Now().UnixMilli())
	return self.clock
}

func (self *Document) observeClock(clock int64) {
	self.clock = max(self.clock, clock)
}

// ApplyLocal diffs the committed element list against the shared state
// and commits the difference as one atomic transaction: new elements
// become full field sets, changed elements become per-field ops, and
// elements no longer present become tombstones. Partial application is
// never observed by remote peers.
func (self *Document) ApplyLocal(elements []*board.Element) {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}

	ops := []FieldOp{}
	seen := map[string]bool{}
	for _, element := range elements {
		seen[element.Id] = true
		entry := self.entries[element.Id]
		if entry == nil {
			ops = append(ops, self.createOps(element)...)
		} else {
			ops = append(ops, self.diffOps(entry, element)...)
		}
	}
	// a committed list that dropped a previously committed element is a
	// delete. the tombstone replicates so an offline delete still
	// propagates
	for elementId, entry := range self.entries {
		if !seen[elementId] && self.localElements[elementId] && !entry.element.IsDeleted {
			ops = append(ops, FieldOp{
				ElementId: elementId,
				Field:     "isDeleted",
				Value:     mustMarshal(true),
				Clock:     self.nextClock(),
				Site:      self.site,
			})
		}
	}

	self.localElements = seen

	changed := false
	for _, op := range ops {
		if self.applyFieldOp(op) {
			changed = true
		}
	}
	self.mutex.Unlock()

	if !changed {
		return
	}
	self.emitDelta(&Delta{
		RoomId: self.roomId,
		Site:   self.site,
		Ops:    ops,
	})
	self.notifyObservers()
}

// AddStroke appends an immutable record to the shared ordered log.
func (self *Document) AddStroke(stroke Stroke) {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	if stroke.Id == (Id{}) {
		stroke.Id = NewId()
	}
	if stroke.Timestamp == 0 {
		stroke.Timestamp = self.nextClock()
	}
	applied := self.applyStroke(stroke)
	self.mutex.Unlock()

	if !applied {
		return
	}
	self.emitDelta(&Delta{
		RoomId:  self.roomId,
		Site:    self.site,
		Strokes: []Stroke{stroke},
	})
	self.notifyObservers()
}

// SetProp sets a canvas-level property, last writer wins.
func (self *Document) SetProp(key string, value string) {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	op := PropOp{
		Key:   key,
		Value: value,
		Clock: self.nextClock(),
		Site:  self.site,
	}
	applied := self.applyPropOp(op)
	self.mutex.Unlock()

	if !applied {
		return
	}
	self.emitDelta(&Delta{
		RoomId: self.roomId,
		Site:   self.site,
		Props:  []PropOp{op},
	})
	self.notifyObservers()
}

func (self *Document) Prop(key string) (string, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	entry, ok := self.props[key]
	return entry.value, ok
}

// ApplyRemoteDelta decodes an incoming delta and merges it. The merge
// is commutative, associative, and idempotent. Malformed deltas are
// dropped with a warning, never a panic.
func (self *Document) ApplyRemoteDelta(deltaBytes []byte) error {
	delta := &Delta{}
	if err := json.Unmarshal(deltaBytes, delta); err != nil {
		glog.Infof("[d]drop malformed delta = %s\n", err)
		return err
	}

	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return nil
	}
	if delta.Site == self.site {
		// our own delta echoed back
		self.mutex.Unlock()
		return nil
	}

	changed := false
	for _, op := range delta.Ops {
		self.observeClock(op.Clock)
		if self.applyFieldOp(op) {
			changed = true
		}
	}
	for _, stroke := range delta.Strokes {
		self.observeClock(stroke.Timestamp)
		if self.applyStroke(stroke) {
			changed = true
		}
	}
	for _, op := range delta.Props {
		self.observeClock(op.Clock)
		if self.applyPropOp(op) {
			changed = true
		}
	}
	self.mutex.Unlock()

	if changed {
		self.notifyObservers()
	}
	return nil
}

// Elements is a read projection into plain records, tombstones
// excluded, in converged z-order.
func (self *Document) Elements() []*board.Element {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entries := []*documentEntry{}
	for _, entry := range self.entries {
		if !entry.element.IsDeleted {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i int, j int) bool {
		a := entries[i]
		b := entries[j]
		if a.created != b.created {
			return a.created.before(b.created)
		}
		return a.element.Id < b.element.Id
	})

	elements := make([]*board.Element, len(entries))
	for i, entry := range entries {
		elements[i] = entry.element.Clone()
	}
	return elements
}

// AllElements includes tombstones.
func (self *Document) AllElements() []*board.Element {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	elements := []*board.Element{}
	for _, entry := range self.entries {
		elements = append(elements, entry.element.Clone())
	}
	return elements
}

// Strokes is a read projection of the shared log in converged order.
func (self *Document) Strokes() []Stroke {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	strokes := slices.Clone(self.strokes)
	for i := range strokes {
		strokes[i].Points = slices.Clone(strokes[i].Points)
	}
	return strokes
}

// Close releases internal structures. Idempotent, never panics on a
// double close.
func (self *Document) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	self.entries = map[string]*documentEntry{}
	self.strokes = nil
	self.strokeIds = map[Id]bool{}
	self.props = map[string]propEntry{}
	self.mutex.Unlock()

	self.observers.Clear()
	self.deltaCallbacks.Clear()
}

// called with the mutex held
func (self *Document) createOps(element *board.Element) []FieldOp {
	clock := max(element.Updated, self.nextClock())
	self.observeClock(clock)
	ops := []FieldOp{}
	for _, field := range elementFields {
		value, err := elementFieldValue(element, field)
		if err != nil {
			continue
		}
		ops = append(ops, FieldOp{
			ElementId: element.Id,
			Field:     field,
			Value:     value,
			Clock:     clock,
			Site:      self.site,
		})
	}
	return ops
}

// called with the mutex held
func (self *Document) diffOps(entry *documentEntry, element *board.Element) []FieldOp {
	ops := []FieldOp{}
	for _, field := range elementFields {
		nextValue, err := elementFieldValue(element, field)
		if err != nil {
			continue
		}
		currentValue, err := elementFieldValue(entry.element, field)
		if err != nil {
			continue
		}
		if string(nextValue) == string(currentValue) {
			continue
		}
		// the op must win over the stored version locally
		clock := max(element.Updated, entry.versions[field].Clock+1)
		self.observeClock(clock)
		ops = append(ops, FieldOp{
			ElementId: element.Id,
			Field:     field,
			Value:     nextValue,
			Clock:     clock,
			Site:      self.site,
		})
	}
	return ops
}

// called with the mutex held
func (self *Document) applyFieldOp(op FieldOp) bool {
	if op.ElementId == "" || op.Field == "" {
		return false
	}

	entry := self.entries[op.ElementId]
	if entry == nil {
		entry = &documentEntry{
			element: &board.Element{
				Id: op.ElementId,
			},
			versions: map[string]fieldVersion{},
			created: fieldVersion{
				Clock: op.Clock,
				Site:  op.Site,
			},
		}
		self.entries[op.ElementId] = entry
	}

	version := fieldVersion{
		Clock: op.Clock,
		Site:  op.Site,
	}
	if version.before(entry.created) {
		entry.created = version
	}

	current, ok := entry.versions[op.Field]
	if ok && !current.before(version) {
		// an equal or newer write to this field is already applied
		return false
	}
	if err := setElementField(entry.element, op.Field, op.Value); err != nil {
		glog.Infof("[d]drop op %s.%s = %s\n", op.ElementId, op.Field, err)
		return false
	}
	entry.versions[op.Field] = version
	entry.element.Updated = max(entry.element.Updated, op.Clock)
	return true
}

// called with the mutex held
func (self *Document) applyStroke(stroke Stroke) bool {
	if stroke.Id == (Id{}) || self.strokeIds[stroke.Id] {
		return false
	}
	self.strokeIds[stroke.Id] = true
	self.strokes = append(self.strokes, stroke)
	// converged order by (timestamp, user, id)
	sort.Slice(self.strokes, func(i int, j int) bool {
		a := self.strokes[i]
		b := self.strokes[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if a.UserId != b.UserId {
			return a.UserId < b.UserId
		}
		return a.Id.LessThan(b.Id)
	})
	return true
}

// called with the mutex held
func (self *Document) applyPropOp(op PropOp) bool {
	version := fieldVersion{
		Clock: op.Clock,
		Site:  op.Site,
	}
	current, ok := self.props[op.Key]
	if ok && !current.version.before(version) {
		return false
	}
	self.props[op.Key] = propEntry{
		value:   op.Value,
		version: version,
	}
	return true
}

func (self *Document) emitDelta(delta *Delta) {
	deltaBytes, err := json.Marshal(delta)
	if err != nil {
		glog.Infof("[d]delta encode error = %s\n", err)
		return
	}
	for _, callback := range self.deltaCallbacks.Get() {
		callback := callback
		handleCallback("[d]delta", func() {
			callback(deltaBytes)
		})
	}
}

func (self *Document) notifyObservers() {
	for _, callback := range self.observers.Get() {
		handleCallback("[d]observe", callback)
	}
}

func mustMarshal(value any) json.RawMessage {
	b, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	return b
}

var elementFields = []string{
	"type",
	"x",
	"y",
	"width",
	"height",
	"angle",
	"strokeColor",
	"backgroundColor",
	"fillStyle",
	"strokeWidth",
	"strokeStyle",
	"roughness",
	"opacity",
	"points",
	"text",
	"fontSize",
	"fontFamily",
	"textAlign",
	"imageData",
	"seed",
	"versionNonce",
	"isDeleted",
	"groupIds",
}

func elementFieldValue(element *board.Element, field string) (json.RawMessage, error) {
	var value any
	switch field {
	case "type":
		value = element.Type
	case "x":
		value = element.X
	case "y":
		value = element.Y
	case "width":
		value = element.Width
	case "height":
		value = element.Height
	case "angle":
		value = element.Angle
	case "strokeColor":
		value = element.StrokeColor
	case "backgroundColor":
		value = element.BackgroundColor
	case "fillStyle":
		value = element.FillStyle
	case "strokeWidth":
		value = element.StrokeWidth
	case "strokeStyle":
		value = element.StrokeStyle
	case "roughness":
		value = element.Roughness
	case "opacity":
		value = element.Opacity
	case "points":
		// the point list resolves at whole-field granularity
		value = element.Points
	case "text":
		value = element.Text
	case "fontSize":
		value = element.FontSize
	case "fontFamily":
		value = element.FontFamily
	case "textAlign":
		value = element.TextAlign
	case "imageData":
		value = element.ImageData
	case "seed":
		value = element.Seed
	case "versionNonce":
		value = element.VersionNonce
	case "isDeleted":
		value = element.IsDeleted
	case "groupIds":
		value = element.GroupIds
	default:
		return nil, fmt.Errorf("unknown element field %s", field)
	}
	return json.Marshal(value)
}

func setElementField(element *board.Element, field string, value json.RawMessage) error {
	switch field {
	case "type":
		return json.Unmarshal(value, &element.Type)
	case "x":
		return json.Unmarshal(value, &element.X)
	case "y":
		return json.Unmarshal(value, &element.Y)
	case "width":
		return json.Unmarshal(value, &element.Width)
	case "height":
		return json.Unmarshal(value, &element.Height)
	case "angle":
		return json.Unmarshal(value, &element.Angle)
	case "strokeColor":
		return json.Unmarshal(value, &element.StrokeColor)
	case "backgroundColor":
		return json.Unmarshal(value, &element.BackgroundColor)
	case "fillStyle":
		return json.Unmarshal(value, &element.FillStyle)
	case "strokeWidth":
		return json.Unmarshal(value, &element.StrokeWidth)
	case "strokeStyle":
		return json.Unmarshal(value, &element.StrokeStyle)
	case "roughness":
		return json.Unmarshal(value, &element.Roughness)
	case "opacity":
		return json.Unmarshal(value, &element.Opacity)
	case "points":
		return json.Unmarshal(value, &element.Points)
	case "text":
		return json.Unmarshal(value, &element.Text)
	case "fontSize":
		return json.Unmarshal(value, &element.FontSize)
	case "fontFamily":
		return json.Unmarshal(value, &element.FontFamily)
	case "textAlign":
		return json.Unmarshal(value, &element.TextAlign)
	case "imageData":
		return json.Unmarshal(value, &element.ImageData)
	case "seed":
		return json.Unmarshal(value, &element.Seed)
	case "versionNonce":
		return json.Unmarshal(value, &element.VersionNonce)
	case "isDeleted":
		return json.Unmarshal(value, &element.IsDeleted)
	case "groupIds":
		return json.Unmarshal(value, &element.GroupIds)
	default:
		return fmt.Errorf("unknown element field %s", field)
	}
}
