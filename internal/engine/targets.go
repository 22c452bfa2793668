package engine

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Chenyiran-Yiran/11-sub000/internal/protocol"
)

// targetNode is the tree's record of one remote target.
type targetNode struct {
	info      protocol.TargetInfo
	sessionID string
}

// targetTree tracks every target the remote has announced and which
// session, committed or provisional, is attached to it. It consumes the
// connection's root events and hands the session-level consequences to
// the browser through callbacks.
type targetTree struct {
	conn   *Connection
	logger *zap.Logger

	mu        sync.RWMutex
	byTarget  map[string]*targetNode
	bySession map[string]*targetNode

	onAttached  func(s *Session, info protocol.TargetInfo, waitingForDebugger bool)
	onDetached  func(sessionID string, info protocol.TargetInfo, provisional bool)
	onDestroyed func(targetID string)
	onCommitted func(ev *protocol.DidCommitProvisionalTargetEvent)
	onFailed    func(ev *protocol.DidFailProvisionalLoadEvent)
}

func newTargetTree(conn *Connection, logger *zap.Logger) *targetTree {
	return &targetTree{
		conn:      conn,
		logger:    logger.Named("targets"),
		byTarget:  make(map[string]*targetNode),
		bySession: make(map[string]*targetNode),
	}
}

func (t *targetTree) handleEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case *protocol.TargetCreatedEvent:
		t.handleCreated(e.TargetInfo)
	case *protocol.TargetInfoChangedEvent:
		t.handleInfoChanged(e.TargetInfo)
	case *protocol.AttachedToTargetEvent:
		t.handleAttached(e)
	case *protocol.DetachedFromTargetEvent:
		t.handleDetached(e)
	case *protocol.TargetDestroyedEvent:
		t.handleDestroyed(e.TargetID)
	case *protocol.DidCommitProvisionalTargetEvent:
		if t.onCommitted != nil {
			t.onCommitted(e)
		}
		t.commitSessionRecords(e)
	case *protocol.DidFailProvisionalLoadEvent:
		if t.onFailed != nil {
			t.onFailed(e)
		}
	}
}

func (t *targetTree) handleCreated(info protocol.TargetInfo) {
	t.mu.Lock()
	if _, ok := t.byTarget[info.TargetID]; !ok {
		t.byTarget[info.TargetID] = &targetNode{info: info}
	}
	t.mu.Unlock()
	t.logger.Debug("target created",
		zap.String("target_id", info.TargetID), zap.String("type", info.Type))
}

func (t *targetTree) handleInfoChanged(info protocol.TargetInfo) {
	t.mu.Lock()
	if n, ok := t.byTarget[info.TargetID]; ok {
		n.info = info
	}
	t.mu.Unlock()
}

func (t *targetTree) handleAttached(e *protocol.AttachedToTargetEvent) {
	info := e.TargetInfo
	s, err := t.conn.createSession(e.SessionID, info.TargetID, info.Provisional)
	if err != nil {
		t.logger.Warn("cannot attach session", zap.String("session_id", e.SessionID), zap.Error(err))
		return
	}

	t.mu.Lock()
	node := t.byTarget[info.TargetID]
	if node == nil {
		node = &targetNode{info: info}
		t.byTarget[info.TargetID] = node
	} else {
		node.info.URL = info.URL
	}
	if !info.Provisional {
		node.sessionID = e.SessionID
	}
	t.bySession[e.SessionID] = &targetNode{info: info, sessionID: e.SessionID}
	t.mu.Unlock()

	t.logger.Debug("attached to target",
		zap.String("target_id", info.TargetID),
		zap.String("session_id", e.SessionID),
		zap.Bool("provisional", info.Provisional))

	if t.onAttached != nil {
		t.onAttached(s, info, e.WaitingForDebugger)
	}
}

func (t *targetTree) handleDetached(e *protocol.DetachedFromTargetEvent) {
	t.mu.Lock()
	node := t.bySession[e.SessionID]
	delete(t.bySession, e.SessionID)
	if node != nil {
		if tn := t.byTarget[node.info.TargetID]; tn != nil && tn.sessionID == e.SessionID {
			tn.sessionID = ""
		}
	}
	t.mu.Unlock()

	if node == nil {
		t.logger.Debug("detach for unknown session", zap.String("session_id", e.SessionID))
		return
	}
	if t.onDetached != nil {
		t.onDetached(e.SessionID, node.info, node.info.Provisional)
	}
}

func (t *targetTree) handleDestroyed(targetID string) {
	t.mu.Lock()
	delete(t.byTarget, targetID)
	t.mu.Unlock()
	if t.onDestroyed != nil {
		t.onDestroyed(targetID)
	}
}

// commitSessionRecords rewires the bookkeeping after a provisional
// commit: the new session is the target's committed one.
func (t *targetTree) commitSessionRecords(e *protocol.DidCommitProvisionalTargetEvent) {
	t.mu.Lock()
	delete(t.bySession, e.OldSessionID)
	if n := t.bySession[e.NewSessionID]; n != nil {
		n.info.Provisional = false
	}
	if tn := t.byTarget[e.TargetID]; tn != nil {
		tn.sessionID = e.NewSessionID
	}
	t.mu.Unlock()
}

// targetInfo returns the last announced description of a target.
func (t *targetTree) targetInfo(targetID string) (protocol.TargetInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n, ok := t.byTarget[targetID]; ok {
		return n.info, true
	}
	return protocol.TargetInfo{}, false
}

// opener resolves the target that opened targetID, if it is still known.
func (t *targetTree) opener(targetID string) (protocol.TargetInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.byTarget[targetID]
	if !ok || n.info.OpenerID == "" {
		return protocol.TargetInfo{}, false
	}
	if o, ok := t.byTarget[n.info.OpenerID]; ok {
		return o.info, true
	}
	return protocol.TargetInfo{}, false
}
