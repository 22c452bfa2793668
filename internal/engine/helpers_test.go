package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/Chenyiran-Yiran/11-sub000/internal/config"
	"github.com/Chenyiran-Yiran/11-sub000/internal/protocol"
	"github.com/Chenyiran-Yiran/11-sub000/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// rig scripts the remote side of a connection over an in-memory pipe.
// Events are injected with event/rootEvent; commands the engine sends
// surface on cmds in arrival order.
type rig struct {
	t      *testing.T
	remote *transport.PipeEnd
	b      *Browser
	cmds   chan *protocol.Message
}

func newRig(t *testing.T) *rig {
	t.Helper()
	local, remote := transport.Pipe()
	b, err := Connect(local, config.Default(), zaptest.NewLogger(t))
	require.NoError(t, err)

	r := &rig{t: t, remote: remote, b: b, cmds: make(chan *protocol.Message, 64)}
	go r.pump()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, b.Close(ctx))
	})
	return r
}

func (r *rig) pump() {
	for data := range r.remote.Recv() {
		m, err := protocol.Unmarshal(data)
		if err != nil {
			r.t.Errorf("remote received unparseable frame: %v", err)
			continue
		}
		r.cmds <- m
	}
}

func (r *rig) rootEvent(method string, params any) {
	r.t.Helper()
	r.sessionEvent("", method, params)
}

func (r *rig) sessionEvent(sessionID, method string, params any) {
	r.t.Helper()
	data, err := json.Marshal(params)
	require.NoError(r.t, err)
	frame, err := protocol.Marshal(&protocol.Message{
		SessionID: sessionID,
		Method:    method,
		Params:    data,
	})
	require.NoError(r.t, err)
	require.NoError(r.t, r.remote.Send(frame))
}

// command waits for the next command with the given method, skipping
// others. Skipped commands are pushed back for later consumers.
func (r *rig) command(method string) *protocol.Message {
	r.t.Helper()
	deadline := time.After(3 * time.Second)
	var skipped []*protocol.Message
	defer func() {
		for _, m := range skipped {
			r.cmds <- m
		}
	}()
	for {
		select {
		case m := <-r.cmds:
			if m.Method == method {
				return m
			}
			skipped = append(skipped, m)
		case <-deadline:
			r.t.Fatalf("timed out waiting for %s command", method)
			return nil
		}
	}
}

// noCommand asserts that no command with the given method arrives within
// the window. Skipped commands are pushed back for later consumers.
func (r *rig) noCommand(method string, window time.Duration) {
	r.t.Helper()
	deadline := time.After(window)
	var skipped []*protocol.Message
	defer func() {
		for _, m := range skipped {
			r.cmds <- m
		}
	}()
	for {
		select {
		case m := <-r.cmds:
			if m.Method == method {
				r.t.Fatalf("unexpected %s command", method)
			}
			skipped = append(skipped, m)
		case <-deadline:
			return
		}
	}
}

func (r *rig) respond(m *protocol.Message, result any) {
	r.t.Helper()
	var raw json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		require.NoError(r.t, err)
		raw = data
	}
	frame, err := protocol.Marshal(&protocol.Message{
		ID:        m.ID,
		SessionID: m.SessionID,
		Result:    raw,
	})
	require.NoError(r.t, err)
	require.NoError(r.t, r.remote.Send(frame))
}

func (r *rig) respondError(m *protocol.Message, code int, msg string) {
	r.t.Helper()
	frame, err := protocol.Marshal(&protocol.Message{
		ID:        m.ID,
		SessionID: m.SessionID,
		Error:     &protocol.ResponseError{Code: code, Message: msg},
	})
	require.NoError(r.t, err)
	require.NoError(r.t, r.remote.Send(frame))
}

// attachPage announces a paused page target and services its attach
// handshake: domain enables plus the resume command.
func (r *rig) attachPage(targetID, sessionID, url string) *Page {
	r.t.Helper()
	r.rootEvent(protocol.MethodAttachedToTarget, protocol.AttachedToTargetEvent{
		SessionID: sessionID,
		TargetInfo: protocol.TargetInfo{
			TargetID: targetID,
			Type:     "page",
			URL:      url,
		},
		WaitingForDebugger: true,
	})
	r.command(protocol.MethodEnablePage)
	r.command(protocol.MethodEnableRuntime)
	r.command(protocol.MethodRunIfWaitingForDebugger)

	var p *Page
	require.Eventually(r.t, func() bool {
		p = r.b.PageForTarget(targetID)
		return p != nil
	}, 3*time.Second, 5*time.Millisecond)
	return p
}

// commitNavigation scripts a full new-document navigation of the page's
// main frame, through the load milestone.
func (r *rig) commitNavigation(p *Page, sessionID, frameID, url, loaderID string) {
	r.t.Helper()
	r.sessionEvent(sessionID, protocol.MethodFrameNavigated, protocol.FrameNavigatedEvent{
		Frame: protocol.FramePayload{ID: frameID, URL: url, LoaderID: loaderID},
	})
	r.sessionEvent(sessionID, protocol.MethodLifecycleEvent, protocol.LifecycleEventNotification{
		FrameID: frameID,
		Name:    string(LifecycleLoad),
	})
	require.Eventually(r.t, func() bool {
		f := p.MainFrame()
		return f != nil && f.URL() == url
	}, 3*time.Second, 5*time.Millisecond)
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
