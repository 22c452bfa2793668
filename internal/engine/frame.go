package engine

import "sync"

// World selects which script universe inside a frame an evaluation runs
// in. The main world is the page's own; the utility world is an isolated
// one reserved for the engine.
type World string

const (
	WorldMain    World = "main"
	WorldUtility World = "utility"
)

// LifecycleEvent is a per-frame loading milestone.
type LifecycleEvent string

const (
	LifecycleDOMContentLoaded  LifecycleEvent = "domcontentloaded"
	LifecycleLoad              LifecycleEvent = "load"
	LifecycleNetworkIdle       LifecycleEvent = "networkidle"
	LifecycleNetworkAlmostIdle LifecycleEvent = "networkalmostidle"
)

// Frame is one node of a page's frame tree. The Frame value is stable for
// the lifetime of the node: a main frame keeps its identity across
// same-process navigations and across cross-process swaps, even though the
// remote end assigns a fresh frame id in the latter case. Holders of a
// Frame observe url, name, and detach state changes in place.
//
// All mutable fields are guarded by the owning manager's lock.
type Frame struct {
	m *FrameManager

	id        string
	parentID  string
	childIDs  []string
	url       string
	name      string
	loaderID  string
	lifecycle map[LifecycleEvent]bool
	detached  bool

	detachOnce sync.Once
	detachCh   chan struct{}
}

func newFrame(m *FrameManager, id, parentID string) *Frame {
	return &Frame{
		m:         m,
		id:        id,
		parentID:  parentID,
		lifecycle: make(map[LifecycleEvent]bool),
		detachCh:  make(chan struct{}),
	}
}

// ID returns the frame's current remote id. For a main frame this changes
// when a cross-process navigation commits; the Frame value does not.
func (f *Frame) ID() string {
	f.m.mu.RLock()
	defer f.m.mu.RUnlock()
	return f.id
}

func (f *Frame) URL() string {
	f.m.mu.RLock()
	defer f.m.mu.RUnlock()
	return f.url
}

func (f *Frame) Name() string {
	f.m.mu.RLock()
	defer f.m.mu.RUnlock()
	return f.name
}

// LoaderID identifies the document currently committed in the frame.
func (f *Frame) LoaderID() string {
	f.m.mu.RLock()
	defer f.m.mu.RUnlock()
	return f.loaderID
}

func (f *Frame) IsMain() bool {
	f.m.mu.RLock()
	defer f.m.mu.RUnlock()
	return f.parentID == ""
}

func (f *Frame) IsDetached() bool {
	f.m.mu.RLock()
	defer f.m.mu.RUnlock()
	return f.detached
}

// Detached is closed when the frame leaves the tree. It never reopens.
func (f *Frame) Detached() <-chan struct{} { return f.detachCh }

// ParentFrame returns nil for the main frame and for detached frames
// whose parent already left the tree.
func (f *Frame) ParentFrame() *Frame {
	f.m.mu.RLock()
	defer f.m.mu.RUnlock()
	if f.parentID == "" {
		return nil
	}
	return f.m.frames[f.parentID]
}

// ChildFrames returns a snapshot; mutations after the call are not
// reflected.
func (f *Frame) ChildFrames() []*Frame {
	f.m.mu.RLock()
	defer f.m.mu.RUnlock()
	out := make([]*Frame, 0, len(f.childIDs))
	for _, id := range f.childIDs {
		if c := f.m.frames[id]; c != nil {
			out = append(out, c)
		}
	}
	return out
}

// hasLifecycleLocked reports whether the milestone fired for the current
// document. Caller holds the manager lock.
func (f *Frame) hasLifecycleLocked(ev LifecycleEvent) bool {
	return f.lifecycle[ev]
}

func (f *Frame) markDetachedLocked() {
	f.detached = true
	f.detachOnce.Do(func() { close(f.detachCh) })
}
