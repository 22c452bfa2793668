package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Chenyiran-Yiran/11-sub000/internal/protocol"
)

// NavigationOptions control when a navigation wait resolves.
type NavigationOptions struct {
	// WaitUntil lists the lifecycle milestones that must all have fired,
	// for the frame and every attached descendant. Empty means load.
	WaitUntil []LifecycleEvent
	// Timeout bounds the whole wait. Zero means wait forever.
	Timeout time.Duration
}

func (o NavigationOptions) expected() []LifecycleEvent {
	if len(o.WaitUntil) == 0 {
		return []LifecycleEvent{LifecycleLoad}
	}
	return o.WaitUntil
}

// NavigationResult describes a resolved navigation.
type NavigationResult struct {
	URL          string
	LoaderID     string
	SameDocument bool
}

// navigationWatcher races a navigation's success signals against its
// failure signals and resolves exactly once. Success needs two conditions
// at once: a committed navigation of the watched frame (new-document,
// same-document, or cross-process swap) and the expected lifecycle
// milestones complete across the frame's subtree. Failure is the first of
// timeout, frame detach, page close, or caller cancellation.
//
// Internal wiring is torn down on every exit path: a watcher that lost
// the race leaves no dangling subscription behind.
type navigationWatcher struct {
	page     *Page
	frame    *Frame
	url      string
	expected []LifecycleEvent
	timeout  time.Duration

	events chan FrameTreeEvent
	timer  *time.Timer // nil when the wait is unbounded
	cancel func()
	logger *zap.Logger
}

func newNavigationWatcher(p *Page, frame *Frame, url string, opts NavigationOptions) *navigationWatcher {
	w := &navigationWatcher{
		page:     p,
		frame:    frame,
		url:      url,
		expected: opts.expected(),
		timeout:  opts.Timeout,
		events:   make(chan FrameTreeEvent, 64),
		logger:   p.logger.Named("navigation"),
	}
	// The deadline clock starts the moment the watcher is armed: time
	// spent on the navigate command round-trip counts against the budget,
	// so the caller never waits close to twice the configured timeout.
	if w.timeout > 0 {
		w.timer = time.NewTimer(w.timeout)
	}
	unsub := p.frames.Subscribe(func(ev FrameTreeEvent) {
		select {
		case w.events <- ev:
		default:
			// The watcher goroutine is far behind; dropping is safer
			// than stalling the dispatch pipeline.
			w.logger.Warn("navigation watcher overflow, dropping event")
		}
	})
	w.cancel = func() {
		unsub()
		if w.timer != nil {
			w.timer.Stop()
		}
	}
	return w
}

func (w *navigationWatcher) wait(ctx context.Context) (*NavigationResult, error) {
	defer w.cancel()

	var timerCh <-chan time.Time
	if w.timer != nil {
		timerCh = w.timer.C
	}

	var committed, sameDoc bool
	for {
		select {
		case ev := <-w.events:
			switch e := ev.(type) {
			case FrameTreeDetached:
				if e.Frame == w.frame {
					return nil, &protocol.FrameDetachedError{FrameID: w.frame.ID()}
				}
			case FrameTreeNavigated:
				if e.Frame == w.frame {
					committed, sameDoc = true, false
				}
			case FrameTreeNavigatedWithinDocument:
				if e.Frame == w.frame && !committed {
					committed, sameDoc = true, true
				}
			case FrameTreeSwapped:
				if e.Frame == w.frame && e.ReadyState != "loading" {
					committed, sameDoc = true, false
				}
			case FrameTreeLifecycle:
				// Recheck below.
			}
			if committed && w.page.frames.subtreeLifecycleComplete(w.frame, w.expected) {
				return &NavigationResult{
					URL:          w.frame.URL(),
					LoaderID:     w.frame.LoaderID(),
					SameDocument: sameDoc,
				}, nil
			}
		case <-timerCh:
			return nil, &protocol.NavigationTimeoutError{Timeout: w.timeout, URL: w.url}
		case <-w.page.closed:
			return nil, w.page.closeReason()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
