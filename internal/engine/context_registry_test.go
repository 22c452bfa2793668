package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Chenyiran-Yiran/11-sub000/internal/protocol"
)

func newTestRegistry(t *testing.T) (*FrameManager, *ContextRegistry) {
	logger := zaptest.NewLogger(t)
	m := newFrameManager(logger)
	m.bootstrap("MAIN", "about:blank")
	return m, newContextRegistry(m, logger)
}

func TestContextForReturnsExistingContext(t *testing.T) {
	m, r := newTestRegistry(t)
	r.onCreated(protocol.ExecutionContextDescription{ID: 1, FrameID: "MAIN", World: "main"})

	ec, err := r.ContextFor(testCtx(t), m.MainFrame(), WorldMain)
	require.NoError(t, err)
	assert.EqualValues(t, 1, ec.ID())
	assert.True(t, ec.Valid())
}

func TestContextForBlocksUntilCreated(t *testing.T) {
	m, r := newTestRegistry(t)

	type res struct {
		ec  *ExecutionContext
		err error
	}
	ch := make(chan res, 1)
	go func() {
		ec, err := r.ContextFor(testCtx(t), m.MainFrame(), WorldUtility)
		ch <- res{ec, err}
	}()

	select {
	case r := <-ch:
		t.Fatalf("resolved before any context existed: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	// A context in the wrong world must not satisfy the wait.
	r.onCreated(protocol.ExecutionContextDescription{ID: 1, FrameID: "MAIN", World: "main"})
	select {
	case r := <-ch:
		t.Fatalf("wrong world satisfied the wait: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	r.onCreated(protocol.ExecutionContextDescription{ID: 2, FrameID: "MAIN", World: "utility"})
	got := <-ch
	require.NoError(t, got.err)
	assert.EqualValues(t, 2, got.ec.ID())
}

func TestContextForFailsWhenFrameDetaches(t *testing.T) {
	m, r := newTestRegistry(t)
	require.NoError(t, m.onFrameAttached("B", "MAIN"))
	b := m.frameByID("B")

	errCh := make(chan error, 1)
	go func() {
		_, err := r.ContextFor(testCtx(t), b, WorldMain)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	m.onFrameDetached("B")

	var detached *protocol.FrameDetachedError
	require.ErrorAs(t, <-errCh, &detached)
	assert.Equal(t, "B", detached.FrameID)

	r.mu.Lock()
	assert.Empty(t, r.waiters, "waiter left behind")
	r.mu.Unlock()
}

func TestDestroyedContextIsNeverResurrected(t *testing.T) {
	_, r := newTestRegistry(t)
	r.onCreated(protocol.ExecutionContextDescription{ID: 7, FrameID: "MAIN", World: "main"})

	r.mu.Lock()
	old := r.contexts[7]
	r.mu.Unlock()
	require.NotNil(t, old)

	r.onDestroyed(7)
	assert.False(t, old.Valid())

	// The remote reuses the numeric id. The old handle stays dead.
	r.onCreated(protocol.ExecutionContextDescription{ID: 7, FrameID: "MAIN", World: "main"})
	assert.False(t, old.Valid())

	r.mu.Lock()
	fresh := r.contexts[7]
	r.mu.Unlock()
	require.NotNil(t, fresh)
	assert.NotSame(t, old, fresh)
	assert.True(t, fresh.Valid())
}

func TestContextForUnknownFrameIsDropped(t *testing.T) {
	_, r := newTestRegistry(t)
	r.onCreated(protocol.ExecutionContextDescription{ID: 3, FrameID: "GHOST", World: "main"})
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Empty(t, r.contexts)
}

func TestInvalidateForFrameKillsOnlyThatFrame(t *testing.T) {
	m, r := newTestRegistry(t)
	require.NoError(t, m.onFrameAttached("B", "MAIN"))
	r.onCreated(protocol.ExecutionContextDescription{ID: 1, FrameID: "MAIN", World: "main"})
	r.onCreated(protocol.ExecutionContextDescription{ID: 2, FrameID: "B", World: "main"})

	r.mu.Lock()
	mainCtx, bCtx := r.contexts[1], r.contexts[2]
	r.mu.Unlock()

	r.invalidateForFrame("B")
	assert.False(t, bCtx.Valid())
	assert.True(t, mainCtx.Valid())
}

// An evaluation that loses the race against context destruction must fail
// rather than report a value from a dead document.
func TestEvaluateFailsWhenContextDestroyedInFlight(t *testing.T) {
	r := newRig(t)
	p := r.attachPage("T1", "S1", "https://a.test/")
	r.commitNavigation(p, "S1", "F1", "https://a.test/", "L1")
	r.sessionEvent("S1", protocol.MethodExecutionContextCreated, protocol.ExecutionContextCreatedEvent{
		Context: protocol.ExecutionContextDescription{ID: 10, FrameID: "F1", World: "main"},
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Evaluate(testCtx(t), p.MainFrame(), WorldMain, "1 + 1")
		errCh <- err
	}()

	// The command reaches the remote, then its context dies before any
	// response is produced.
	r.command(protocol.MethodEvaluate)
	r.sessionEvent("S1", protocol.MethodExecutionContextDestroyed, protocol.ExecutionContextDestroyedEvent{
		ExecutionContextID: 10,
	})

	var destroyed *protocol.ContextDestroyedError
	require.ErrorAs(t, <-errCh, &destroyed)
	assert.EqualValues(t, 10, destroyed.ContextID)
}

func TestEvaluateRoundTrip(t *testing.T) {
	r := newRig(t)
	p := r.attachPage("T1", "S1", "https://a.test/")
	r.commitNavigation(p, "S1", "F1", "https://a.test/", "L1")
	r.sessionEvent("S1", protocol.MethodExecutionContextCreated, protocol.ExecutionContextCreatedEvent{
		Context: protocol.ExecutionContextDescription{ID: 10, FrameID: "F1", World: "main"},
	})

	type res struct {
		raw []byte
		err error
	}
	ch := make(chan res, 1)
	go func() {
		raw, err := p.Evaluate(testCtx(t), p.MainFrame(), WorldMain, "document.title")
		ch <- res{raw, err}
	}()

	cmd := r.command(protocol.MethodEvaluate)
	var params protocol.EvaluateParams
	require.NoError(t, json.Unmarshal(cmd.Params, &params))
	assert.EqualValues(t, 10, params.ExecutionContextID)
	assert.Equal(t, "document.title", params.Expression)

	r.respond(cmd, protocol.EvaluateResult{Value: json.RawMessage(`"hello"`)})

	got := <-ch
	require.NoError(t, got.err)
	assert.JSONEq(t, `"hello"`, string(got.raw))
}

// A main-frame navigation can re-key the frame to a fresh remote id. The
// old document's contexts are registered under the old id and must still
// be invalidated by the commit.
func TestNavigationInvalidatesContextsUnderOldFrameID(t *testing.T) {
	r := newRig(t)
	p := r.attachPage("T1", "S1", "about:blank")

	r.sessionEvent("S1", protocol.MethodExecutionContextCreated, protocol.ExecutionContextCreatedEvent{
		Context: protocol.ExecutionContextDescription{ID: 7, FrameID: "T1", World: "main"},
	})
	ec, err := p.contexts.ContextFor(testCtx(t), p.MainFrame(), WorldMain)
	require.NoError(t, err)
	require.True(t, ec.Valid())

	// The commit moves the main frame from the bootstrap id to F-NEW.
	r.commitNavigation(p, "S1", "F-NEW", "https://a.test/", "L1")

	require.Eventually(t, func() bool {
		return !ec.Valid()
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, "F-NEW", p.MainFrame().ID())
}
