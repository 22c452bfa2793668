package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chenyiran-Yiran/11-sub000/internal/protocol"
)

func TestResponsesCorrelateByIDNotOrder(t *testing.T) {
	r := newRig(t)
	p := r.attachPage("T1", "S1", "about:blank")
	ctx := testCtx(t)

	type result struct {
		raw json.RawMessage
		err error
	}
	firstCh := make(chan result, 1)
	secondCh := make(chan result, 1)
	go func() {
		raw, err := p.Session().Send(ctx, "first", nil)
		firstCh <- result{raw, err}
	}()
	go func() {
		raw, err := p.Session().Send(ctx, "second", nil)
		secondCh <- result{raw, err}
	}()

	var first, second *protocol.Message
	for i := 0; i < 2; i++ {
		select {
		case m := <-r.cmds:
			switch m.Method {
			case "first":
				first = m
			case "second":
				second = m
			}
		case <-time.After(3 * time.Second):
			t.Fatal("commands did not arrive")
		}
	}
	require.NotNil(t, first)
	require.NotNil(t, second)

	// Answer in reverse send order.
	r.respond(second, map[string]string{"from": "second"})
	r.respond(first, map[string]string{"from": "first"})

	fr := <-firstCh
	require.NoError(t, fr.err)
	assert.JSONEq(t, `{"from":"first"}`, string(fr.raw))

	sr := <-secondCh
	require.NoError(t, sr.err)
	assert.JSONEq(t, `{"from":"second"}`, string(sr.raw))
}

func TestRemoteErrorSurfacesToCaller(t *testing.T) {
	r := newRig(t)
	p := r.attachPage("T1", "S1", "about:blank")
	ctx := testCtx(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Session().Send(ctx, "boom", nil)
		errCh <- err
	}()

	cmd := r.command("boom")
	r.respondError(cmd, -32000, "no such thing")

	err := <-errCh
	var rerr *protocol.ResponseError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, -32000, rerr.Code)
}

func TestSessionCloseRejectsOnlyItsOwnCommands(t *testing.T) {
	r := newRig(t)
	p1 := r.attachPage("T1", "S1", "about:blank")
	p2 := r.attachPage("T2", "S2", "about:blank")
	ctx := testCtx(t)

	err1Ch := make(chan error, 1)
	res2Ch := make(chan error, 1)
	go func() {
		_, err := p1.Session().Send(ctx, "doomed", nil)
		err1Ch <- err
	}()
	go func() {
		_, err := p2.Session().Send(ctx, "survivor", nil)
		res2Ch <- err
	}()
	r.command("doomed")
	survivor := r.command("survivor")

	r.rootEvent(protocol.MethodDetachedFromTarget, protocol.DetachedFromTargetEvent{
		SessionID: "S1",
		TargetID:  "T1",
	})

	err := <-err1Ch
	var closed *protocol.SessionClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, "S1", closed.SessionID)

	// The sibling session is untouched.
	select {
	case err := <-res2Ch:
		t.Fatalf("sibling command resolved early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	r.respond(survivor, nil)
	require.NoError(t, <-res2Ch)

	// Commands after close fail immediately with the same reason.
	_, err = p1.Session().Send(ctx, "late", nil)
	require.ErrorAs(t, err, &closed)
}

func TestTransportLossRejectsEverything(t *testing.T) {
	r := newRig(t)
	p := r.attachPage("T1", "S1", "about:blank")
	ctx := testCtx(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Session().Send(ctx, "pending", nil)
		errCh <- err
	}()
	r.command("pending")

	cause := errors.New("connection reset")
	require.NoError(t, r.remote.CloseWithError(cause))

	err := <-errCh
	require.ErrorIs(t, err, protocol.ErrTransportLost)

	select {
	case <-p.Closed():
	case <-time.After(3 * time.Second):
		t.Fatal("page not reaped after transport loss")
	}
	select {
	case <-r.b.Closed():
	case <-time.After(3 * time.Second):
		t.Fatal("browser not closed after transport loss")
	}

	_, err = p.Session().Send(ctx, "late", nil)
	require.ErrorIs(t, err, protocol.ErrTransportLost)
}

func TestUnknownEventsAndSessionsAreIgnored(t *testing.T) {
	r := newRig(t)
	p := r.attachPage("T1", "S1", "about:blank")
	ctx := testCtx(t)

	// Unknown method, unknown session, and a stray response must not
	// disturb the pipeline.
	r.sessionEvent("S1", "somethingNew", map[string]string{"x": "y"})
	r.sessionEvent("S-unknown", protocol.MethodFrameDetached, protocol.FrameDetachedEvent{FrameID: "F1"})
	frame, err := protocol.Marshal(&protocol.Message{ID: 9999, Result: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.NoError(t, r.remote.Send(frame))

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Session().Send(ctx, "ping", nil)
		errCh <- err
	}()
	r.respond(r.command("ping"), nil)
	require.NoError(t, <-errCh)
}

func TestContextCancelAbandonsCommand(t *testing.T) {
	r := newRig(t)
	p := r.attachPage("T1", "S1", "about:blank")

	ctx, cancel := context.WithCancel(testCtx(t))
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Session().Send(ctx, "slow", nil)
		errCh <- err
	}()
	cmd := r.command("slow")
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The late response is dropped without a waiter.
	r.respond(cmd, nil)
}
