package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Chenyiran-Yiran/11-sub000/internal/protocol"
)

// ExecutionContext is a script execution universe inside a frame.
// Invalidation is permanent: a destroyed context is never resurrected,
// even if the remote later reuses the numeric id.
type ExecutionContext struct {
	id      int64
	frameID string
	world   World

	once      sync.Once
	destroyed chan struct{}
}

func (ec *ExecutionContext) ID() int64       { return ec.id }
func (ec *ExecutionContext) FrameID() string { return ec.frameID }
func (ec *ExecutionContext) World() World    { return ec.world }

// Destroyed is closed when the context is invalidated. It never reopens.
func (ec *ExecutionContext) Destroyed() <-chan struct{} { return ec.destroyed }

func (ec *ExecutionContext) Valid() bool {
	select {
	case <-ec.destroyed:
		return false
	default:
		return true
	}
}

func (ec *ExecutionContext) invalidate() {
	ec.once.Do(func() { close(ec.destroyed) })
}

// ctxWaiter is a ContextFor caller parked until a matching context
// appears. Matching is by Frame value, not frame id: the main frame's id
// changes across a cross-process swap while the waiter's handle does not.
type ctxWaiter struct {
	frame *Frame
	world World
	ch    chan *ExecutionContext // buffered, written at most once
}

// ContextRegistry tracks the live execution contexts of one page.
// Contexts belonging to unknown frames are dropped: only contexts of
// attached frames are modeled.
type ContextRegistry struct {
	logger *zap.Logger
	frames *FrameManager

	mu         sync.Mutex
	contexts   map[int64]*ExecutionContext
	waiters    map[int64]*ctxWaiter
	nextWaiter int64
}

func newContextRegistry(frames *FrameManager, logger *zap.Logger) *ContextRegistry {
	return &ContextRegistry{
		logger:   logger.Named("contexts"),
		frames:   frames,
		contexts: make(map[int64]*ExecutionContext),
		waiters:  make(map[int64]*ctxWaiter),
	}
}

func (r *ContextRegistry) onCreated(desc protocol.ExecutionContextDescription) {
	frame := r.frames.frameByID(desc.FrameID)
	if frame == nil {
		r.logger.Debug("context for unknown frame dropped",
			zap.Int64("context_id", desc.ID), zap.String("frame_id", desc.FrameID))
		return
	}
	world := World(desc.World)
	if world == "" {
		world = WorldMain
	}
	if world != WorldMain && world != WorldUtility {
		r.logger.Debug("context in unmodeled world dropped",
			zap.Int64("context_id", desc.ID), zap.String("world", desc.World))
		return
	}

	ec := &ExecutionContext{
		id:        desc.ID,
		frameID:   desc.FrameID,
		world:     world,
		destroyed: make(chan struct{}),
	}

	r.mu.Lock()
	if old, ok := r.contexts[desc.ID]; ok {
		// Id reuse after a destroy we never saw. The old value stays
		// invalid forever; the new one takes the slot.
		old.invalidate()
	}
	r.contexts[desc.ID] = ec
	var satisfied []*ctxWaiter
	for id, w := range r.waiters {
		if w.world == world && r.frames.frameByID(ec.frameID) == w.frame {
			satisfied = append(satisfied, w)
			delete(r.waiters, id)
		}
	}
	r.mu.Unlock()

	for _, w := range satisfied {
		w.ch <- ec
	}
}

func (r *ContextRegistry) onDestroyed(id int64) {
	r.mu.Lock()
	ec := r.contexts[id]
	delete(r.contexts, id)
	r.mu.Unlock()
	if ec != nil {
		ec.invalidate()
	}
}

// invalidateForFrame destroys every context bound to the frame. Called on
// new-document navigation (the old document's contexts die with it) and
// on detach.
func (r *ContextRegistry) invalidateForFrame(frameID string) {
	r.mu.Lock()
	var dead []*ExecutionContext
	for id, ec := range r.contexts {
		if ec.frameID == frameID {
			dead = append(dead, ec)
			delete(r.contexts, id)
		}
	}
	r.mu.Unlock()
	for _, ec := range dead {
		ec.invalidate()
	}
}

// invalidateAll destroys every tracked context. Called when the page's
// session is replaced wholesale on a cross-process commit.
func (r *ContextRegistry) invalidateAll() {
	r.mu.Lock()
	dead := make([]*ExecutionContext, 0, len(r.contexts))
	for id, ec := range r.contexts {
		dead = append(dead, ec)
		delete(r.contexts, id)
	}
	r.mu.Unlock()
	for _, ec := range dead {
		ec.invalidate()
	}
}

// importFrom moves the surviving contexts of a committed provisional
// overlay into this registry, waking any waiters they satisfy.
func (r *ContextRegistry) importFrom(src *ContextRegistry) {
	src.mu.Lock()
	imported := make([]*ExecutionContext, 0, len(src.contexts))
	for id, ec := range src.contexts {
		imported = append(imported, ec)
		delete(src.contexts, id)
	}
	src.mu.Unlock()

	var satisfied []struct {
		w  *ctxWaiter
		ec *ExecutionContext
	}
	r.mu.Lock()
	for _, ec := range imported {
		r.contexts[ec.id] = ec
		for id, w := range r.waiters {
			if w.world == ec.world && r.frames.frameByID(ec.frameID) == w.frame {
				satisfied = append(satisfied, struct {
					w  *ctxWaiter
					ec *ExecutionContext
				}{w, ec})
				delete(r.waiters, id)
			}
		}
	}
	r.mu.Unlock()

	for _, s := range satisfied {
		s.w.ch <- s.ec
	}
}

// lookup returns a live context for (frame, world), or nil.
func (r *ContextRegistry) lookup(frame *Frame, world World) *ExecutionContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ec := range r.contexts {
		if ec.world == world && ec.Valid() && r.frames.frameByID(ec.frameID) == frame {
			return ec
		}
	}
	return nil
}

// ContextFor returns the frame's context for the given world, blocking
// until one exists. It fails with FrameDetachedError if the frame leaves
// the tree while waiting.
func (r *ContextRegistry) ContextFor(ctx context.Context, frame *Frame, world World) (*ExecutionContext, error) {
	r.mu.Lock()
	for _, ec := range r.contexts {
		if ec.world == world && ec.Valid() && r.frames.frameByID(ec.frameID) == frame {
			r.mu.Unlock()
			return ec, nil
		}
	}
	id := atomic.AddInt64(&r.nextWaiter, 1)
	w := &ctxWaiter{frame: frame, world: world, ch: make(chan *ExecutionContext, 1)}
	r.waiters[id] = w
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.waiters, id)
		r.mu.Unlock()
	}()

	select {
	case ec := <-w.ch:
		return ec, nil
	case <-frame.Detached():
		return nil, &protocol.FrameDetachedError{FrameID: frame.ID()}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
