package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Chenyiran-Yiran/11-sub000/internal/config"
	"github.com/Chenyiran-Yiran/11-sub000/internal/protocol"
	"github.com/Chenyiran-Yiran/11-sub000/internal/transport"
)

// Browser is the root handle on one remote browser connection. It owns
// the session router and the target tree and materializes a Page for
// every committed page target.
type Browser struct {
	id        string
	logger    *zap.Logger
	cfg       *config.Config
	transport transport.Transport
	conn      *Connection
	targets   *targetTree

	mu    sync.RWMutex
	pages map[string]*Page

	subMu     sync.Mutex
	pageSubs  map[int64]func(*Page)
	crashSubs map[int64]func(*Page, error)
	nextSub   int64

	closed chan struct{}
}

// Connect wires a Browser over an established transport and starts the
// dispatch pipeline. The caller owns the transport's lifetime through
// Browser.Close.
func Connect(t transport.Transport, cfg *config.Config, logger *zap.Logger) (*Browser, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	id := uuid.New().String()
	b := &Browser{
		id:        id,
		logger:    logger.With(zap.String("connection_id", id)),
		cfg:       cfg,
		transport: t,
		pages:     make(map[string]*Page),
		pageSubs:  make(map[int64]func(*Page)),
		crashSubs: make(map[int64]func(*Page, error)),
		closed:    make(chan struct{}),
	}
	b.conn = newConnection(t, b.logger)
	b.targets = newTargetTree(b.conn, b.logger)
	b.targets.onAttached = b.onSessionAttached
	b.targets.onDetached = b.onSessionDetached
	b.targets.onDestroyed = b.onTargetDestroyed
	b.targets.onCommitted = b.onProvisionalCommitted
	b.targets.onFailed = b.onProvisionalFailed
	b.conn.rootHandler = b.targets.handleEvent
	b.conn.start()

	go b.reapOnDisconnect()
	return b, nil
}

// reapOnDisconnect closes every surviving page once the connection dies,
// so nothing keeps waiting on a transport that is gone.
func (b *Browser) reapOnDisconnect() {
	<-b.conn.Done()
	b.mu.RLock()
	pages := make([]*Page, 0, len(b.pages))
	for _, p := range b.pages {
		pages = append(pages, p)
	}
	b.mu.RUnlock()
	for _, p := range pages {
		p.didClose(protocol.ErrTransportLost)
	}
	close(b.closed)
}

func (b *Browser) onSessionAttached(s *Session, info protocol.TargetInfo, waitingForDebugger bool) {
	if info.Type != "" && info.Type != "page" {
		// Workers, service workers and friends get a session but no
		// page model. Unpause them so the remote does not stall.
		b.logger.Debug("non-page target attached",
			zap.String("type", info.Type), zap.String("target_id", info.TargetID))
		if waitingForDebugger {
			s.sendNoReply(protocol.MethodRunIfWaitingForDebugger, nil)
		}
		return
	}

	if info.Provisional {
		p := b.PageForTarget(info.TargetID)
		if p == nil {
			b.logger.Warn("provisional session for unknown page",
				zap.String("target_id", info.TargetID), zap.String("session_id", s.ID()))
			s.closeWith(&protocol.SessionClosedError{SessionID: s.ID(),
				Reason: protocol.ErrTransportLost})
			return
		}
		p.provisionalAttached(s, waitingForDebugger)
		return
	}

	p := newPage(b, s, info)
	b.mu.Lock()
	b.pages[info.TargetID] = p
	b.mu.Unlock()

	// Listeners are wired; let the paused target run.
	if waitingForDebugger {
		s.sendNoReply(protocol.MethodRunIfWaitingForDebugger, nil)
	}
	b.notifyPage(p)
}

func (b *Browser) onSessionDetached(sessionID string, info protocol.TargetInfo, provisional bool) {
	p := b.PageForTarget(info.TargetID)
	if p == nil {
		return
	}
	if provisional {
		p.discardProvisional(sessionID, &protocol.SessionClosedError{SessionID: sessionID,
			Reason: errors.New("target detached")})
		return
	}
	if p.Session().ID() == sessionID {
		p.didClose(&protocol.SessionClosedError{SessionID: sessionID,
			Reason: errors.New("target detached")})
	}
}

func (b *Browser) onTargetDestroyed(targetID string) {
	if p := b.PageForTarget(targetID); p != nil {
		p.didClose(&protocol.SessionClosedError{SessionID: p.Session().ID(),
			Reason: errors.New("target destroyed")})
	}
}

func (b *Browser) onProvisionalCommitted(ev *protocol.DidCommitProvisionalTargetEvent) {
	if p := b.PageForTarget(ev.TargetID); p != nil {
		p.commitProvisional(ev)
	}
}

func (b *Browser) onProvisionalFailed(ev *protocol.DidFailProvisionalLoadEvent) {
	if p := b.PageForTarget(ev.TargetID); p != nil {
		p.discardProvisional(ev.SessionID, errors.New("provisional load failed: "+ev.Reason))
	}
}

// ID is the engine-local identifier of this connection.
func (b *Browser) ID() string { return b.id }

// Pages returns a snapshot of the live pages.
func (b *Browser) Pages() []*Page {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Page, 0, len(b.pages))
	for _, p := range b.pages {
		out = append(out, p)
	}
	return out
}

func (b *Browser) PageForTarget(targetID string) *Page {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pages[targetID]
}

func (b *Browser) removePage(p *Page) {
	b.mu.Lock()
	if b.pages[p.targetID] == p {
		delete(b.pages, p.targetID)
	}
	b.mu.Unlock()
}

// OnPage registers a callback for each newly committed page. Runs on the
// dispatch goroutine; must not block or send commands synchronously.
func (b *Browser) OnPage(fn func(*Page)) (cancel func()) {
	b.subMu.Lock()
	id := atomic.AddInt64(&b.nextSub, 1)
	b.pageSubs[id] = fn
	b.subMu.Unlock()
	return func() {
		b.subMu.Lock()
		delete(b.pageSubs, id)
		b.subMu.Unlock()
	}
}

// OnPageCrashed registers a callback for page crashes. Same constraints
// as OnPage.
func (b *Browser) OnPageCrashed(fn func(*Page, error)) (cancel func()) {
	b.subMu.Lock()
	id := atomic.AddInt64(&b.nextSub, 1)
	b.crashSubs[id] = fn
	b.subMu.Unlock()
	return func() {
		b.subMu.Lock()
		delete(b.crashSubs, id)
		b.subMu.Unlock()
	}
}

func (b *Browser) notifyPage(p *Page) {
	b.subMu.Lock()
	fns := make([]func(*Page), 0, len(b.pageSubs))
	for _, fn := range b.pageSubs {
		fns = append(fns, fn)
	}
	b.subMu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (b *Browser) notifyPageCrashed(p *Page, err error) {
	b.subMu.Lock()
	fns := make([]func(*Page, error), 0, len(b.crashSubs))
	for _, fn := range b.crashSubs {
		fns = append(fns, fn)
	}
	b.subMu.Unlock()
	for _, fn := range fns {
		fn(p, err)
	}
}

// NavigationDefaults returns page navigation options seeded from config.
func (b *Browser) NavigationDefaults() NavigationOptions {
	return NavigationOptions{Timeout: b.cfg.NavigationTimeout()}
}

// Closed is closed after the connection has terminated and every page
// has been reaped.
func (b *Browser) Closed() <-chan struct{} { return b.closed }

// Close shuts the transport down and waits for teardown to finish.
func (b *Browser) Close(ctx context.Context) error {
	if err := b.transport.Close(); err != nil {
		b.logger.Debug("transport close", zap.Error(err))
	}
	select {
	case <-b.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
