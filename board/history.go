package board

import (
	"sync"
)

type HistorySettings struct {
	// ring capacity. the oldest entry is evicted past this
	Capacity int
}

func DefaultHistorySettings() *HistorySettings {
	return &HistorySettings{
		Capacity: 50,
	}
}

// HistoryEntry is an immutable snapshot. Callers only ever receive
// deep copies, never a reference that aliases stored history.
type HistoryEntry struct {
	Elements []*Element
	AppState *AppState
}

func (self *HistoryEntry) clone() *HistoryEntry {
	return &HistoryEntry{
		Elements: CloneElements(self.Elements),
		AppState: self.AppState.Clone(),
	}
}

type historyState int

const (
	historyIdle historyState = iota
	historyApplying
)

// History is a bounded undo/redo ring over (elements, app-state)
// snapshots, deduped by content signature.
type History struct {
	settings *HistorySettings

	mutex         sync.Mutex
	state         historyState
	entries       []*HistoryEntry
	index         int
	lastSignature string
	initialized   bool
}

func NewHistoryWithDefaults() *History {
	return NewHistory(DefaultHistorySettings())
}

func NewHistory(settings *HistorySettings) *History {
	return &History{
		settings: settings,
		entries:  []*HistoryEntry{},
		index:    -1,
	}
}

// Initialize seeds history with one baseline entry. Calling it again
// after the first successful call is a no-op.
func (self *History) Initialize(elements []*Element, appState *AppState) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.initialized {
		return
	}
	self.initialized = true
	self.reset(elements, appState)
}

// SaveState records a snapshot unless the content signature is
// unchanged from the last recorded entry, or an undo/redo application
// is in progress.
func (self *History) SaveState(elements []*Element, appState *AppState) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.state == historyApplying {
		// applying a historical snapshot must not record a forward entry
		return
	}

	signature := Signature(elements)
	if signature == self.lastSignature {
		return
	}

	// discard the redo branch
	self.entries = self.entries[:self.index+1]
	self.entries = append(self.entries, &HistoryEntry{
		Elements: CloneElements(elements),
		AppState: appState.Clone(),
	})
	if self.settings.Capacity < len(self.entries) {
		self.entries = self.entries[1:]
	}
	self.index = len(self.entries) - 1
	self.lastSignature = signature
}

// Undo moves the cursor back one entry. At the boundary it returns nil.
func (self *History) Undo() *HistoryEntry {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.index <= 0 {
		return nil
	}
	self.index -= 1
	entry := self.entries[self.index]
	self.lastSignature = Signature(entry.Elements)
	return entry.clone()
}

// Redo moves the cursor forward one entry. At the boundary it returns nil.
func (self *History) Redo() *HistoryEntry {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.entries)-1 <= self.index {
		return nil
	}
	self.index += 1
	entry := self.entries[self.index]
	self.lastSignature = Signature(entry.Elements)
	return entry.clone()
}

// Applying runs `apply` with re-entrant SaveState suppressed, so that
// pushing a historical snapshot back through the engine does not record
// itself as a new forward entry.
func (self *History) Applying(apply func()) {
	self.mutex.Lock()
	self.state = historyApplying
	self.mutex.Unlock()

	defer func() {
		self.mutex.Lock()
		self.state = historyIdle
		self.mutex.Unlock()
	}()

	apply()
}

// Clear discards all entries and seeds a single fresh baseline.
func (self *History) Clear(elements []*Element, appState *AppState) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.reset(elements, appState)
}

func (self *History) reset(elements []*Element, appState *AppState) {
	self.entries = []*HistoryEntry{{
		Elements: CloneElements(elements),
		AppState: appState.Clone(),
	}}
	self.index = 0
	self.lastSignature = Signature(elements)
}

func (self *History) CanUndo() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return 0 < self.index
}

func (self *History) CanRedo() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.index < len(self.entries)-1
}

func (self *History) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.entries)
}
