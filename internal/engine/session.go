package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Chenyiran-Yiran/11-sub000/internal/protocol"
)

// SessionState describes where a session is in its lifecycle. Closed is
// terminal: a session id is never reused for the same Session value.
type SessionState int

const (
	SessionActive SessionState = iota
	SessionProvisional
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionProvisional:
		return "provisional"
	case SessionClosed:
		return "closed"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// parkedCmd is a caller command queued while the session is provisional.
// The waiter is already registered with the connection, so a session close
// before commit rejects it through the normal failSession path.
type parkedCmd struct {
	id    int64
	frame []byte
}

// Session is one logical protocol conversation with a single target.
// Caller commands sent through a provisional session are parked and
// released in order when the session commits.
type Session struct {
	conn     *Connection
	logger   *zap.Logger
	id       string
	targetID string

	mu       sync.Mutex
	state    SessionState
	parked   []parkedCmd
	closeErr error
	closedCh chan struct{}

	subMu   sync.Mutex
	subs    map[int64]func(protocol.Event)
	nextSub int64
}

func (s *Session) ID() string       { return s.id }
func (s *Session) TargetID() string { return s.targetID }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Closed is closed when the session reaches its terminal state.
func (s *Session) Closed() <-chan struct{} { return s.closedCh }

// Err returns the close reason, nil while the session is live.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Send issues a command and blocks until the matching response arrives,
// the session closes, or ctx is cancelled. Responses are matched by
// request id, never by arrival order. Must not be called from an event
// subscriber: the response cannot be dispatched while the caller occupies
// the pipeline. Subscribers use sendNoReply instead.
func (s *Session) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = data
	}

	s.mu.Lock()
	if s.state == SessionClosed {
		err := s.closeErr
		s.mu.Unlock()
		return nil, err
	}
	cl, err := s.conn.register(s.id, method)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	frame, err := protocol.Marshal(&protocol.Message{
		ID:        cl.id,
		SessionID: s.id,
		Method:    method,
		Params:    raw,
	})
	if err != nil {
		s.mu.Unlock()
		s.conn.forget(cl.id)
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}
	if s.state == SessionProvisional {
		// Parked until commit; rejected with the close reason on discard.
		s.parked = append(s.parked, parkedCmd{id: cl.id, frame: frame})
		s.mu.Unlock()
		return s.conn.await(ctx, cl)
	}
	s.mu.Unlock()

	if err := s.conn.transport.Send(frame); err != nil {
		s.conn.forget(cl.id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	return s.conn.await(ctx, cl)
}

// sendNoReply writes a command without waiting for its response. Safe to
// call from the dispatch goroutine. Bypasses provisional parking: it is
// how the engine primes a target that is still paused.
func (s *Session) sendNoReply(method string, params any) {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.conn.sendNoReply(s.id, method, params)
}

// Subscribe registers a handler for this session's events. Handlers run
// synchronously on the dispatch goroutine, in subscription order. The
// returned cancel is idempotent.
func (s *Session) Subscribe(fn func(protocol.Event)) (cancel func()) {
	s.subMu.Lock()
	id := atomic.AddInt64(&s.nextSub, 1)
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Session) handleEvent(ev protocol.Event) {
	s.subMu.Lock()
	fns := make([]func(protocol.Event), 0, len(s.subs))
	ids := make([]int64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	// Map order is random; deliver in subscription order.
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// commit promotes a provisional session and releases its parked commands
// in their original order.
func (s *Session) commit() {
	s.mu.Lock()
	if s.state != SessionProvisional {
		s.mu.Unlock()
		return
	}
	s.state = SessionActive
	parked := s.parked
	s.parked = nil
	s.mu.Unlock()

	for _, cmd := range parked {
		if err := s.conn.transport.Send(cmd.frame); err != nil {
			// forget would strand the parked caller in await; the waiter
			// has to be resolved, not dropped.
			s.conn.reject(cmd.id, fmt.Errorf("release parked command: %w", err))
			s.logger.Debug("parked command rejected", zap.Error(err))
		}
	}
}

// closeWith moves the session to its terminal state and rejects every
// pending command from this session with err. Idempotent.
func (s *Session) closeWith(err error) {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = SessionClosed
	s.closeErr = err
	s.parked = nil
	close(s.closedCh)
	s.mu.Unlock()

	s.conn.failSession(s.id, err)
	s.conn.removeSession(s.id)
	s.logger.Debug("session closed", zap.Error(err))
}
