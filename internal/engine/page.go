package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Chenyiran-Yiran/11-sub000/internal/protocol"
)

// Page is the engine's view of one page target: its protocol session, its
// frame tree, and its execution contexts. The Page value survives
// cross-process navigations; the session behind it is replaced when a
// provisional target commits.
type Page struct {
	browser  *Browser
	logger   *zap.Logger
	targetID string

	frames   *FrameManager
	contexts *ContextRegistry

	mu            sync.RWMutex
	session       *Session
	sessionCancel func()
	provisional   *provisionalPage
	crashErr      error
	closeErr      error

	closed    chan struct{}
	closeOnce sync.Once
}

func newPage(b *Browser, s *Session, info protocol.TargetInfo) *Page {
	p := &Page{
		browser:  b,
		logger:   b.logger.With(zap.String("target_id", info.TargetID)),
		targetID: info.TargetID,
		session:  s,
		closed:   make(chan struct{}),
	}
	p.frames = newFrameManager(p.logger)
	p.contexts = newContextRegistry(p.frames, p.logger)

	// Until the first committed navigation reports otherwise, the main
	// frame id is the target id.
	p.frames.bootstrap(info.TargetID, info.URL)

	// A new document replaces the frame's contexts; a detached frame's
	// contexts die with it. The old document's contexts are keyed by the
	// frame's pre-navigation id, which a main-frame commit may have
	// re-keyed away from Frame.ID().
	p.frames.Subscribe(func(ev FrameTreeEvent) {
		switch e := ev.(type) {
		case FrameTreeNavigated:
			p.contexts.invalidateForFrame(e.PreviousID)
			if e.Frame.ID() != e.PreviousID {
				p.contexts.invalidateForFrame(e.Frame.ID())
			}
		case FrameTreeDetached:
			p.contexts.invalidateForFrame(e.Frame.ID())
		}
	})

	p.sessionCancel = s.Subscribe(p.handleSessionEvent)
	p.initializeSession(s)
	return p
}

// initializeSession primes a session's protocol domains. Fire-and-forget:
// it runs on the dispatch goroutine during attach and commit.
func (p *Page) initializeSession(s *Session) {
	s.sendNoReply(protocol.MethodEnablePage, nil)
	s.sendNoReply(protocol.MethodEnableRuntime, nil)
}

func (p *Page) handleSessionEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case *protocol.FrameAttachedEvent:
		if err := p.frames.onFrameAttached(e.FrameID, e.ParentFrameID); err != nil {
			p.logger.Error("frame tree violation", zap.Error(err))
		}
	case *protocol.FrameNavigatedEvent:
		if err := p.frames.onFrameNavigated(e.Frame); err != nil {
			p.logger.Error("frame tree violation", zap.Error(err))
		}
	case *protocol.NavigatedWithinDocumentEvent:
		p.frames.onFrameNavigatedWithinDocument(e.FrameID, e.URL)
	case *protocol.FrameDetachedEvent:
		p.frames.onFrameDetached(e.FrameID)
	case *protocol.LifecycleEventNotification:
		p.frames.onLifecycleEvent(e.FrameID, e.Name)
	case *protocol.ExecutionContextCreatedEvent:
		p.contexts.onCreated(e.Context)
	case *protocol.ExecutionContextDestroyedEvent:
		p.contexts.onDestroyed(e.ExecutionContextID)
	case *protocol.TargetCrashedEvent:
		p.didCrash(e.Status)
	}
}

func (p *Page) TargetID() string { return p.targetID }

// Session returns the committed session currently backing the page.
func (p *Page) Session() *Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session
}

func (p *Page) MainFrame() *Frame { return p.frames.MainFrame() }

// Frames returns a snapshot of the committed frame tree. Provisional
// overlay frames are not included until commit.
func (p *Page) Frames() []*Frame { return p.frames.Frames() }

func (p *Page) URL() string {
	if f := p.frames.MainFrame(); f != nil {
		return f.URL()
	}
	return ""
}

// OnFrameTree registers an observer of the page's frame tree changes.
// Observers run on the dispatch goroutine and must not block.
func (p *Page) OnFrameTree(fn func(FrameTreeEvent)) (cancel func()) {
	return p.frames.Subscribe(fn)
}

// Closed is closed once the page is gone, whatever the cause.
func (p *Page) Closed() <-chan struct{} { return p.closed }

// CrashErr reports the crash that took the page down, or nil.
func (p *Page) CrashErr() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.crashErr
}

func (p *Page) closeReason() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closeErr != nil {
		return p.closeErr
	}
	return &protocol.SessionClosedError{SessionID: p.session.ID(), Reason: errors.New("page closed")}
}

// Navigate drives the frame to url and waits for the navigation to
// resolve under opts. The watcher is armed before the command is sent, so
// signals racing the command response are not lost.
func (p *Page) Navigate(ctx context.Context, url string, opts NavigationOptions) (*NavigationResult, error) {
	frame := p.frames.MainFrame()
	if frame == nil {
		return nil, fmt.Errorf("page %s has no main frame", p.targetID)
	}
	return p.navigateFrame(ctx, frame, url, opts)
}

func (p *Page) navigateFrame(ctx context.Context, frame *Frame, url string, opts NavigationOptions) (*NavigationResult, error) {
	// A zero timeout adopts the connection default; a zero default means
	// no limit.
	if opts.Timeout == 0 {
		opts.Timeout = p.browser.cfg.NavigationTimeout()
	}
	w := newNavigationWatcher(p, frame, url, opts)

	cctx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	raw, err := p.Session().Send(cctx, protocol.MethodNavigate, protocol.NavigateParams{
		URL:     url,
		FrameID: frame.ID(),
	})
	switch {
	case err == nil:
		var res protocol.NavigateResult
		if len(raw) > 0 {
			if uerr := json.Unmarshal(raw, &res); uerr != nil {
				w.cancel()
				return nil, fmt.Errorf("decode navigate result: %w", uerr)
			}
		}
		if res.ErrorText != "" {
			w.cancel()
			return nil, fmt.Errorf("navigate to %q: %s", url, res.ErrorText)
		}
	case errors.As(err, new(*protocol.TargetSwappedError)):
		// The command raced a cross-process commit. The navigation
		// itself is proceeding under the new session; keep waiting.
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		w.cancel()
		return nil, &protocol.NavigationTimeoutError{Timeout: opts.Timeout, URL: url}
	default:
		w.cancel()
		return nil, err
	}

	return w.wait(ctx)
}

// WaitForNavigation blocks until the next navigation of the main frame
// resolves under opts. Arm it before triggering the navigation.
func (p *Page) WaitForNavigation(ctx context.Context, opts NavigationOptions) (*NavigationResult, error) {
	frame := p.frames.MainFrame()
	if frame == nil {
		return nil, fmt.Errorf("page %s has no main frame", p.targetID)
	}
	return p.WaitForFrameNavigation(ctx, frame, opts)
}

// WaitForFrameNavigation is WaitForNavigation for an arbitrary frame.
func (p *Page) WaitForFrameNavigation(ctx context.Context, frame *Frame, opts NavigationOptions) (*NavigationResult, error) {
	w := newNavigationWatcher(p, frame, frame.URL(), opts)
	return w.wait(ctx)
}

// Evaluate runs an expression in the frame's context for the given world,
// blocking until such a context exists. A context invalidated while the
// command is in flight fails the call with ContextDestroyedError rather
// than returning a result from a dead document.
func (p *Page) Evaluate(ctx context.Context, frame *Frame, world World, expression string) (json.RawMessage, error) {
	ec, err := p.contexts.ContextFor(ctx, frame, world)
	if err != nil {
		return nil, err
	}

	type reply struct {
		raw json.RawMessage
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		raw, err := p.Session().Send(ctx, protocol.MethodEvaluate, protocol.EvaluateParams{
			Expression:         expression,
			ExecutionContextID: ec.ID(),
			ReturnByValue:      true,
		})
		ch <- reply{raw, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if !ec.Valid() {
				return nil, &protocol.ContextDestroyedError{ContextID: ec.ID()}
			}
			return nil, r.err
		}
		var res protocol.EvaluateResult
		if len(r.raw) > 0 {
			if err := json.Unmarshal(r.raw, &res); err != nil {
				return nil, fmt.Errorf("decode evaluate result: %w", err)
			}
		}
		return res.Value, nil
	case <-ec.Destroyed():
		return nil, &protocol.ContextDestroyedError{ContextID: ec.ID()}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close asks the remote to destroy the target and waits for the page to
// be reported gone.
func (p *Page) Close(ctx context.Context) error {
	if _, err := p.browser.conn.sendRoot(ctx, protocol.MethodCloseTarget, protocol.CloseTargetParams{
		TargetID: p.targetID,
	}); err != nil {
		return err
	}
	select {
	case <-p.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Page) didCrash(status string) {
	err := &protocol.TargetCrashedError{TargetID: p.targetID, Status: status}
	p.mu.Lock()
	p.crashErr = err
	p.mu.Unlock()
	p.logger.Warn("target crashed", zap.String("status", status))
	p.browser.notifyPageCrashed(p, err)
	p.didClose(err)
}

// didClose tears the page down exactly once: session rejected, frames
// detached, contexts invalidated, any provisional discarded.
func (p *Page) didClose(reason error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closeErr = reason
		s := p.session
		cancel := p.sessionCancel
		pp := p.provisional
		p.provisional = nil
		p.mu.Unlock()

		close(p.closed)
		if cancel != nil {
			cancel()
		}
		if pp != nil {
			pp.discard(&protocol.SessionClosedError{SessionID: pp.session.ID(), Reason: reason})
		}
		s.closeWith(&protocol.SessionClosedError{SessionID: s.ID(), Reason: reason})
		p.frames.detachAll()
		p.contexts.invalidateAll()
		p.browser.removePage(p)
		p.logger.Debug("page closed", zap.Error(reason))
	})
}
