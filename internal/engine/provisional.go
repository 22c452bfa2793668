package engine

import (
	"go.uber.org/zap"

	"github.com/Chenyiran-Yiran/11-sub000/internal/protocol"
)

// provisionalPage shadows a page while a cross-process navigation is in
// flight. It builds its own frame tree and context registry from the
// provisional session's events without disturbing the committed state.
// On commit the shadow is spliced over the live page; on discard it is
// dropped and the committed page continues untouched.
type provisionalPage struct {
	page    *Page
	session *Session
	logger  *zap.Logger

	frames   *FrameManager
	contexts *ContextRegistry
	cancel   func()
}

func newProvisionalPage(p *Page, s *Session) *provisionalPage {
	pp := &provisionalPage{
		page:    p,
		session: s,
		logger:  p.logger.Named("provisional").With(zap.String("session_id", s.ID())),
	}
	pp.frames = newFrameManager(pp.logger)
	pp.contexts = newContextRegistry(pp.frames, pp.logger)
	pp.cancel = s.Subscribe(pp.handleSessionEvent)
	return pp
}

func (pp *provisionalPage) handleSessionEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case *protocol.FrameNavigatedEvent:
		if err := pp.frames.onFrameNavigated(e.Frame); err != nil {
			pp.logger.Error("frame tree violation", zap.Error(err))
		}
	case *protocol.FrameAttachedEvent:
		if err := pp.frames.onFrameAttached(e.FrameID, e.ParentFrameID); err != nil {
			pp.logger.Error("frame tree violation", zap.Error(err))
		}
	case *protocol.FrameDetachedEvent:
		pp.frames.onFrameDetached(e.FrameID)
	case *protocol.LifecycleEventNotification:
		pp.frames.onLifecycleEvent(e.FrameID, e.Name)
	case *protocol.ExecutionContextCreatedEvent:
		pp.contexts.onCreated(e.Context)
	case *protocol.ExecutionContextDestroyedEvent:
		pp.contexts.onDestroyed(e.ExecutionContextID)
	}
}

// discard drops the shadow state and closes the provisional session,
// rejecting its parked commands with reason.
func (pp *provisionalPage) discard(reason error) {
	pp.cancel()
	pp.session.closeWith(reason)
	pp.frames.detachAll()
	pp.contexts.invalidateAll()
}

// provisionalAttached wires a freshly attached provisional session to the
// page. At most one provisional exists per page; a second attach before
// the first resolves replaces it, discarding the stale one.
func (p *Page) provisionalAttached(s *Session, waitingForDebugger bool) {
	pp := newProvisionalPage(p, s)

	p.mu.Lock()
	stale := p.provisional
	p.provisional = pp
	p.mu.Unlock()

	if stale != nil {
		p.logger.Warn("replacing stale provisional session",
			zap.String("stale_session_id", stale.session.ID()),
			zap.String("session_id", s.ID()))
		stale.discard(&protocol.SessionClosedError{SessionID: stale.session.ID(),
			Reason: &protocol.TargetSwappedError{SessionID: stale.session.ID()}})
	}

	// Internal sends bypass parking: a shadow page has to observe the
	// still-paused target before anything commits.
	p.initializeSession(s)
	if waitingForDebugger {
		s.sendNoReply(protocol.MethodRunIfWaitingForDebugger, nil)
	}
	p.logger.Debug("provisional session attached", zap.String("session_id", s.ID()))
}

// commitProvisional performs the atomic handoff when the remote commits a
// cross-process navigation: the old session's pending commands fail with
// TargetSwappedError, the shadow frame tree is spliced over the live one
// with the main Frame value preserved, shadow contexts are imported, and
// the parked caller commands are released in order.
func (p *Page) commitProvisional(ev *protocol.DidCommitProvisionalTargetEvent) {
	p.mu.Lock()
	pp := p.provisional
	if pp == nil || pp.session.ID() != ev.NewSessionID {
		p.mu.Unlock()
		p.logger.Warn("commit for unknown provisional session",
			zap.String("session_id", ev.NewSessionID))
		return
	}
	old := p.session
	oldCancel := p.sessionCancel
	p.provisional = nil
	p.session = pp.session
	p.sessionCancel = pp.session.Subscribe(p.handleSessionEvent)
	p.mu.Unlock()

	oldCancel()
	pp.cancel()

	old.closeWith(&protocol.TargetSwappedError{SessionID: old.ID()})

	// The old process is gone; nothing evaluated against it may resolve.
	p.contexts.invalidateAll()

	p.frames.adoptProvisional(pp.frames, ev.ReadyState)
	p.contexts.importFrom(pp.contexts)

	p.initializeSession(pp.session)
	pp.session.commit()

	p.logger.Info("provisional target committed",
		zap.String("old_session_id", ev.OldSessionID),
		zap.String("session_id", ev.NewSessionID),
		zap.String("ready_state", ev.ReadyState))
}

// discardProvisional abandons an in-flight cross-process navigation. The
// committed page is untouched.
func (p *Page) discardProvisional(sessionID string, reason error) {
	p.mu.Lock()
	pp := p.provisional
	if pp == nil || (sessionID != "" && pp.session.ID() != sessionID) {
		p.mu.Unlock()
		return
	}
	p.provisional = nil
	p.mu.Unlock()

	pp.discard(&protocol.SessionClosedError{SessionID: pp.session.ID(), Reason: reason})
	p.logger.Debug("provisional target discarded",
		zap.String("session_id", pp.session.ID()), zap.Error(reason))
}
