package engine

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Chenyiran-Yiran/11-sub000/internal/protocol"
)

// FrameTreeEvent is a change notification from a FrameManager. The set of
// variants is closed; consumers switch on the concrete type.
type FrameTreeEvent interface{ isFrameTreeEvent() }

// FrameTreeAttached reports a new child frame joining the tree.
type FrameTreeAttached struct{ Frame *Frame }

// FrameTreeNavigated reports a new document committed in a frame.
// Descendant detach notifications always precede it. PreviousID is the
// frame's id before the commit; it differs from Frame.ID() when a main
// frame navigation re-keyed the frame to a new remote id.
type FrameTreeNavigated struct {
	Frame      *Frame
	PreviousID string
}

// FrameTreeNavigatedWithinDocument reports a same-document url change;
// no teardown accompanies it.
type FrameTreeNavigatedWithinDocument struct{ Frame *Frame }

// FrameTreeDetached reports a frame leaving the tree. For a subtree of N
// frames, N notifications are delivered, children before parents.
type FrameTreeDetached struct{ Frame *Frame }

// FrameTreeLifecycle reports a loading milestone for a frame's current
// document.
type FrameTreeLifecycle struct {
	Frame *Frame
	Event LifecycleEvent
}

// FrameTreeSwapped reports the main frame being taken over by a target
// committed in a different process. ReadyState is the new document's
// state at commit time.
type FrameTreeSwapped struct {
	Frame      *Frame
	ReadyState string
}

func (FrameTreeAttached) isFrameTreeEvent()                {}
func (FrameTreeNavigated) isFrameTreeEvent()               {}
func (FrameTreeNavigatedWithinDocument) isFrameTreeEvent() {}
func (FrameTreeDetached) isFrameTreeEvent()                {}
func (FrameTreeLifecycle) isFrameTreeEvent()               {}
func (FrameTreeSwapped) isFrameTreeEvent()                 {}

// FrameManager owns one page's frame tree. All mutations arrive on the
// connection's dispatch goroutine; readers may be any goroutine.
type FrameManager struct {
	logger *zap.Logger

	mu        sync.RWMutex
	frames    map[string]*Frame
	mainFrame *Frame

	subMu   sync.Mutex
	subs    map[int64]func(FrameTreeEvent)
	nextSub int64
}

func newFrameManager(logger *zap.Logger) *FrameManager {
	return &FrameManager{
		logger: logger.Named("frames"),
		frames: make(map[string]*Frame),
		subs:   make(map[int64]func(FrameTreeEvent)),
	}
}

// bootstrap seeds the main frame before any tree events have arrived. By
// convention the initial main frame id equals the target id; the first
// committed navigation corrects it if the remote disagrees.
func (m *FrameManager) bootstrap(frameID, url string) {
	m.mu.Lock()
	f := newFrame(m, frameID, "")
	f.url = url
	m.frames[frameID] = f
	m.mainFrame = f
	m.mu.Unlock()
}

func (m *FrameManager) MainFrame() *Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mainFrame
}

func (m *FrameManager) frameByID(id string) *Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frames[id]
}

// Frames returns a snapshot of every attached frame.
func (m *FrameManager) Frames() []*Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Frame, 0, len(m.frames))
	if m.mainFrame != nil {
		m.collectLocked(m.mainFrame, &out)
	}
	return out
}

func (m *FrameManager) collectLocked(f *Frame, out *[]*Frame) {
	*out = append(*out, f)
	for _, id := range f.childIDs {
		if c := m.frames[id]; c != nil {
			m.collectLocked(c, out)
		}
	}
}

// Subscribe registers a tree observer. Observers run synchronously on the
// dispatch goroutine and must not block.
func (m *FrameManager) Subscribe(fn func(FrameTreeEvent)) (cancel func()) {
	m.subMu.Lock()
	id := atomic.AddInt64(&m.nextSub, 1)
	m.subs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *FrameManager) subscriberCount() int {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	return len(m.subs)
}

func (m *FrameManager) emit(evs ...FrameTreeEvent) {
	m.subMu.Lock()
	ids := make([]int64, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(FrameTreeEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.subs[id])
	}
	m.subMu.Unlock()
	for _, ev := range evs {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// onFrameAttached adds a child frame under a known parent. An attach for
// an already-known frame is a no-op. An unknown parent is a protocol
// contract violation: child-before-parent delivery is guaranteed.
func (m *FrameManager) onFrameAttached(frameID, parentID string) error {
	m.mu.Lock()
	if _, ok := m.frames[frameID]; ok {
		m.mu.Unlock()
		return nil
	}
	parent, ok := m.frames[parentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("frame %s attached under unknown parent %s", frameID, parentID)
	}
	f := newFrame(m, frameID, parentID)
	m.frames[frameID] = f
	parent.childIDs = append(parent.childIDs, frameID)
	m.mu.Unlock()

	m.emit(FrameTreeAttached{Frame: f})
	return nil
}

// onFrameNavigated commits a new document. For the main frame, every
// descendant is detached (reported children-first) before the frame's url
// updates. A navigated subframe the tree has never seen gets its attach
// synthesized, since dialects may omit the attach notification.
func (m *FrameManager) onFrameNavigated(p protocol.FramePayload) error {
	if p.ParentID == "" {
		m.navigateMain(p)
		return nil
	}

	m.mu.Lock()
	f, known := m.frames[p.ID]
	var synthesized bool
	if !known {
		parent, ok := m.frames[p.ParentID]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("frame %s navigated under unknown parent %s", p.ID, p.ParentID)
		}
		f = newFrame(m, p.ID, p.ParentID)
		m.frames[p.ID] = f
		parent.childIDs = append(parent.childIDs, p.ID)
		synthesized = true
		m.logger.Warn("synthesizing missing frame attach",
			zap.String("frame_id", p.ID), zap.String("parent_id", p.ParentID))
	}
	detached := m.detachChildrenLocked(f)
	m.mu.Unlock()
	m.emitDetached(detached)

	m.mu.Lock()
	f.url = p.URL
	f.name = p.Name
	f.loaderID = p.LoaderID
	f.lifecycle = make(map[LifecycleEvent]bool)
	m.mu.Unlock()

	if synthesized {
		m.emit(FrameTreeAttached{Frame: f})
	}
	m.emit(FrameTreeNavigated{Frame: f, PreviousID: p.ID})
	return nil
}

func (m *FrameManager) navigateMain(p protocol.FramePayload) {
	m.mu.Lock()
	f := m.mainFrame
	prevID := p.ID
	if f == nil {
		f = newFrame(m, p.ID, "")
		m.frames[p.ID] = f
		m.mainFrame = f
	} else if f.id != p.ID {
		prevID = f.id
		// Same Frame value, fresh remote id.
		delete(m.frames, f.id)
		f.id = p.ID
		m.frames[p.ID] = f
	}
	detached := m.detachChildrenLocked(f)
	m.mu.Unlock()

	// Descendants are reported gone before the main frame's url changes.
	m.emitDetached(detached)

	m.mu.Lock()
	f.url = p.URL
	f.name = p.Name
	f.loaderID = p.LoaderID
	f.lifecycle = make(map[LifecycleEvent]bool)
	m.mu.Unlock()

	m.emit(FrameTreeNavigated{Frame: f, PreviousID: prevID})
}

// onFrameNavigatedWithinDocument handles fragment and history-API
// navigations: url only, no teardown, lifecycle state untouched.
func (m *FrameManager) onFrameNavigatedWithinDocument(frameID, url string) {
	m.mu.Lock()
	f := m.frames[frameID]
	if f == nil {
		m.mu.Unlock()
		m.logger.Debug("within-document navigation for unknown frame", zap.String("frame_id", frameID))
		return
	}
	f.url = url
	m.mu.Unlock()

	m.emit(FrameTreeNavigatedWithinDocument{Frame: f})
}

// onFrameDetached removes a frame and its whole subtree, reporting
// children before parents.
func (m *FrameManager) onFrameDetached(frameID string) {
	m.mu.Lock()
	f := m.frames[frameID]
	if f == nil {
		m.mu.Unlock()
		return
	}
	var detached []*Frame
	m.detachSubtreeLocked(f, &detached)
	if parent := m.frames[f.parentID]; parent != nil {
		parent.childIDs = removeID(parent.childIDs, frameID)
	}
	if f == m.mainFrame {
		m.mainFrame = nil
	}
	m.mu.Unlock()

	m.emitDetached(detached)
}

// detachChildrenLocked tears down f's descendants (not f itself) and
// returns them in post-order for notification.
func (m *FrameManager) detachChildrenLocked(f *Frame) []*Frame {
	var detached []*Frame
	for _, id := range f.childIDs {
		if c := m.frames[id]; c != nil {
			m.detachSubtreeLocked(c, &detached)
		}
	}
	f.childIDs = nil
	return detached
}

func (m *FrameManager) detachSubtreeLocked(f *Frame, out *[]*Frame) {
	for _, id := range f.childIDs {
		if c := m.frames[id]; c != nil {
			m.detachSubtreeLocked(c, out)
		}
	}
	f.childIDs = nil
	f.markDetachedLocked()
	delete(m.frames, f.id)
	*out = append(*out, f)
}

func (m *FrameManager) emitDetached(frames []*Frame) {
	for _, f := range frames {
		m.emit(FrameTreeDetached{Frame: f})
	}
}

// onLifecycleEvent records a loading milestone for a frame's current
// document.
func (m *FrameManager) onLifecycleEvent(frameID string, name string) {
	ev := LifecycleEvent(name)
	m.mu.Lock()
	f := m.frames[frameID]
	if f == nil {
		m.mu.Unlock()
		return
	}
	f.lifecycle[ev] = true
	m.mu.Unlock()

	m.emit(FrameTreeLifecycle{Frame: f, Event: ev})
}

// subtreeLifecycleComplete reports whether the milestone set has fired
// for f's current document and for every attached descendant's.
func (m *FrameManager) subtreeLifecycleComplete(f *Frame, expected []LifecycleEvent) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subtreeCompleteLocked(f, expected)
}

func (m *FrameManager) subtreeCompleteLocked(f *Frame, expected []LifecycleEvent) bool {
	for _, ev := range expected {
		if !f.hasLifecycleLocked(ev) {
			return false
		}
	}
	for _, id := range f.childIDs {
		if c := m.frames[id]; c != nil {
			if !m.subtreeCompleteLocked(c, expected) {
				return false
			}
		}
	}
	return true
}

// adoptProvisional splices a committed provisional target's tree over the
// live one. The live main Frame value survives: it takes the overlay main
// frame's id, url, and document state, old descendants are detached, and
// overlay descendants are migrated in under the surviving main frame.
// readyState past "loading" synthesizes the milestones a watcher would
// otherwise never see for the already-loading document.
func (m *FrameManager) adoptProvisional(overlay *FrameManager, readyState string) {
	m.mu.Lock()
	f := m.mainFrame
	if f == nil {
		f = newFrame(m, "", "")
		m.mainFrame = f
	}
	detached := m.detachChildrenLocked(f)
	m.mu.Unlock()
	m.emitDetached(detached)

	overlay.mu.Lock()
	omain := overlay.mainFrame
	var adopted []*Frame
	m.mu.Lock()
	delete(m.frames, f.id)
	if omain != nil {
		f.id = omain.id
		f.url = omain.url
		f.name = omain.name
		f.loaderID = omain.loaderID
		f.lifecycle = make(map[LifecycleEvent]bool)
		for ev := range omain.lifecycle {
			f.lifecycle[ev] = true
		}
		for _, id := range omain.childIDs {
			if c := overlay.frames[id]; c != nil {
				m.copySubtreeLocked(overlay, c, f, &adopted)
			}
		}
	}
	m.frames[f.id] = f
	switch readyState {
	case "interactive":
		f.lifecycle[LifecycleDOMContentLoaded] = true
	case "complete":
		f.lifecycle[LifecycleDOMContentLoaded] = true
		f.lifecycle[LifecycleLoad] = true
	}
	m.mu.Unlock()
	overlay.mu.Unlock()

	m.emit(FrameTreeSwapped{Frame: f, ReadyState: readyState})
	for _, c := range adopted {
		m.emit(FrameTreeAttached{Frame: c})
	}
}

// copySubtreeLocked rebuilds an overlay frame and its descendants as
// fresh nodes under parent in the live arena. Only the main frame's
// identity is preserved across a swap; overlay descendants were never
// visible to callers before commit. Both locks are held by the caller.
func (m *FrameManager) copySubtreeLocked(overlay *FrameManager, src *Frame, parent *Frame, out *[]*Frame) {
	f := newFrame(m, src.id, parent.id)
	f.url = src.url
	f.name = src.name
	f.loaderID = src.loaderID
	for ev := range src.lifecycle {
		f.lifecycle[ev] = true
	}
	m.frames[f.id] = f
	parent.childIDs = append(parent.childIDs, f.id)
	*out = append(*out, f)
	for _, id := range src.childIDs {
		if c := overlay.frames[id]; c != nil {
			m.copySubtreeLocked(overlay, c, f, out)
		}
	}
}

// detachAll tears down the whole tree, for page close and provisional
// discard.
func (m *FrameManager) detachAll() {
	m.mu.Lock()
	var detached []*Frame
	if m.mainFrame != nil {
		m.detachSubtreeLocked(m.mainFrame, &detached)
		m.mainFrame = nil
	}
	for _, f := range m.frames {
		m.detachSubtreeLocked(f, &detached)
	}
	m.mu.Unlock()
	m.emitDetached(detached)
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
