// Package engine drives a remote browser process over a JSON
// request/response-plus-event debugging protocol. It multiplexes many
// logical sessions over one transport, maintains a frame tree whose node
// identities survive navigation and cross-process swaps, tracks script
// execution contexts, and resolves navigations by racing independent
// completion signals.
//
// One dispatch goroutine per connection consumes the transport's inbound
// stream sequentially; all shared state (session map, frame trees, context
// registries) is mutated from that goroutine, while any number of caller
// commands stay in flight concurrently, each keyed by request id.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Chenyiran-Yiran/11-sub000/internal/protocol"
	"github.com/Chenyiran-Yiran/11-sub000/internal/transport"
)

// call is one outstanding command awaiting its response.
type call struct {
	id        int64
	sessionID string
	method    string
	done      chan callResult // buffered, written exactly once
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Connection routes inbound messages to the correct logical session and
// correlates command responses by request id. Correlation is strictly by
// id: the protocol does not guarantee that responses arrive in send order.
type Connection struct {
	logger    *zap.Logger
	transport transport.Transport

	nextID int64 // atomic

	mu       sync.Mutex
	pending  map[int64]*call
	sessions map[string]*Session
	closed   bool
	reason   error

	// rootHandler receives events that carry no session id. Set once
	// before the dispatch loop starts.
	rootHandler func(protocol.Event)

	done chan struct{}
}

func newConnection(t transport.Transport, logger *zap.Logger) *Connection {
	return &Connection{
		logger:    logger.Named("connection"),
		transport: t,
		pending:   make(map[int64]*call),
		sessions:  make(map[string]*Session),
		done:      make(chan struct{}),
	}
}

func (c *Connection) start() {
	go c.dispatchLoop()
}

// Done is closed once the connection has fully terminated and every
// pending waiter has been resolved.
func (c *Connection) Done() <-chan struct{} { return c.done }

// dispatchLoop is the single event-processing pipeline. No two inbound
// messages are processed concurrently with each other.
func (c *Connection) dispatchLoop() {
	for data := range c.transport.Recv() {
		c.dispatch(data)
	}
	reason := fmt.Errorf("%w", protocol.ErrTransportLost)
	if cause := c.transport.Err(); cause != nil {
		reason = fmt.Errorf("%w: %v", protocol.ErrTransportLost, cause)
	}
	c.terminate(reason)
}

func (c *Connection) dispatch(data []byte) {
	msg, err := protocol.Unmarshal(data)
	if err != nil {
		c.logger.Warn("dropping unparseable message", zap.Error(err))
		return
	}

	if msg.IsResponse() {
		c.resolve(msg)
		return
	}
	if !msg.IsEvent() {
		c.logger.Warn("message is neither response nor event", zap.Int64("id", msg.ID))
		return
	}

	ev, err := protocol.DecodeEvent(msg)
	if err != nil {
		c.logger.Warn("dropping malformed event", zap.String("method", msg.Method), zap.Error(err))
		return
	}
	if ev == nil {
		c.logger.Debug("ignoring unknown event", zap.String("method", msg.Method))
		return
	}

	if msg.SessionID == "" {
		if c.rootHandler != nil {
			c.rootHandler(ev)
		}
		return
	}

	c.mu.Lock()
	s := c.sessions[msg.SessionID]
	c.mu.Unlock()
	if s == nil {
		// Session ids may be reused after close; late events for a dead
		// session are expected around teardown.
		c.logger.Debug("event for unknown session",
			zap.String("method", msg.Method), zap.String("session_id", msg.SessionID))
		return
	}
	s.handleEvent(ev)
}

func (c *Connection) resolve(msg *protocol.Message) {
	c.mu.Lock()
	cl := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.mu.Unlock()

	if cl == nil {
		// Fire-and-forget command, or a waiter that already gave up.
		c.logger.Debug("response without waiter", zap.Int64("id", msg.ID))
		return
	}
	if msg.Error != nil {
		cl.done <- callResult{err: msg.Error}
		return
	}
	cl.done <- callResult{result: msg.Result}
}

// register allocates a request id and a waiter slot for it.
func (c *Connection) register(sessionID, method string) (*call, error) {
	cl := &call{
		id:        atomic.AddInt64(&c.nextID, 1),
		sessionID: sessionID,
		method:    method,
		done:      make(chan callResult, 1),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.reason
	}
	c.pending[cl.id] = cl
	return cl, nil
}

// forget abandons a waiter slot without resolving it (caller gave up).
func (c *Connection) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// reject resolves one waiter with err instead of a response. Unlike
// forget, the suspended caller is woken up.
func (c *Connection) reject(id int64, err error) {
	c.mu.Lock()
	cl := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if cl != nil {
		cl.done <- callResult{err: err}
	}
}

// await suspends the caller until response, cancellation, or rejection.
func (c *Connection) await(ctx context.Context, cl *call) (json.RawMessage, error) {
	select {
	case r := <-cl.done:
		return r.result, r.err
	case <-ctx.Done():
		c.forget(cl.id)
		return nil, fmt.Errorf("command %s: %w", cl.method, ctx.Err())
	}
}

// sendRoot issues a command on the root (session-less) channel and waits
// for its response.
func (c *Connection) sendRoot(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = data
	}
	cl, err := c.register("", method)
	if err != nil {
		return nil, err
	}
	frame, err := protocol.Marshal(&protocol.Message{ID: cl.id, Method: method, Params: raw})
	if err != nil {
		c.forget(cl.id)
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}
	if err := c.transport.Send(frame); err != nil {
		c.forget(cl.id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	return c.await(ctx, cl)
}

// sendNoReply writes a command without registering a waiter. Used for
// commands issued from the dispatch goroutine itself, where awaiting the
// response would deadlock the pipeline.
func (c *Connection) sendNoReply(sessionID, method string, params any) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			c.logger.Error("marshal params", zap.String("method", method), zap.Error(err))
			return
		}
		raw = data
	}
	frame, err := protocol.Marshal(&protocol.Message{
		ID:        atomic.AddInt64(&c.nextID, 1),
		SessionID: sessionID,
		Method:    method,
		Params:    raw,
	})
	if err != nil {
		c.logger.Error("marshal command", zap.String("method", method), zap.Error(err))
		return
	}
	if err := c.transport.Send(frame); err != nil {
		c.logger.Debug("send failed", zap.String("method", method), zap.Error(err))
	}
}

// createSession registers a new logical session. The provisional flag
// marks a not-yet-committed replacement created during a cross-process
// navigation.
func (c *Connection) createSession(id, targetID string, provisional bool) (*Session, error) {
	state := SessionActive
	if provisional {
		state = SessionProvisional
	}
	s := &Session{
		conn:     c,
		logger:   c.logger.With(zap.String("session_id", id)),
		id:       id,
		targetID: targetID,
		state:    state,
		closedCh: make(chan struct{}),
		subs:     make(map[int64]func(protocol.Event)),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.reason
	}
	if _, ok := c.sessions[id]; ok {
		return nil, fmt.Errorf("session %s already attached", id)
	}
	c.sessions[id] = s
	return s, nil
}

func (c *Connection) removeSession(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// failSession rejects every pending waiter belonging to one session.
// Siblings are unaffected.
func (c *Connection) failSession(sessionID string, err error) {
	var rejected []*call
	c.mu.Lock()
	for id, cl := range c.pending {
		if cl.sessionID == sessionID {
			delete(c.pending, id)
			rejected = append(rejected, cl)
		}
	}
	c.mu.Unlock()
	for _, cl := range rejected {
		cl.done <- callResult{err: err}
	}
}

// terminate closes every live session and rejects every waiter. No waiter
// is ever left unresolved.
func (c *Connection) terminate(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.reason = reason
	pending := c.pending
	c.pending = make(map[int64]*call)
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, cl := range pending {
		cl.done <- callResult{err: reason}
	}
	for _, s := range sessions {
		s.closeWith(reason)
	}
	close(c.done)
}
