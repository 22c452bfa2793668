package protocol

import (
	"encoding/json"
	"fmt"
)

// Event method names. The engine recognizes exactly this set; anything else
// is dropped at decode time.
const (
	MethodTargetCreated              = "targetCreated"
	MethodTargetDestroyed            = "targetDestroyed"
	MethodTargetInfoChanged          = "targetInfoChanged"
	MethodTargetCrashed              = "targetCrashed"
	MethodAttachedToTarget           = "attachedToTarget"
	MethodDetachedFromTarget         = "detachedFromTarget"
	MethodDidCommitProvisionalTarget = "didCommitProvisionalTarget"
	MethodDidFailProvisionalLoad     = "didFailProvisionalLoad"

	MethodFrameAttached           = "frameAttached"
	MethodFrameNavigated          = "frameNavigated"
	MethodNavigatedWithinDocument = "navigatedWithinDocument"
	MethodFrameDetached           = "frameDetached"
	MethodLifecycleEvent          = "lifecycleEvent"

	MethodExecutionContextCreated   = "executionContextCreated"
	MethodExecutionContextDestroyed = "executionContextDestroyed"
)

// Command method names issued by the engine.
const (
	MethodNavigate                = "navigate"
	MethodRunIfWaitingForDebugger = "runIfWaitingForDebugger"
	MethodEnablePage              = "enablePage"
	MethodEnableRuntime           = "enableRuntime"
	MethodEvaluate                = "evaluate"
	MethodCloseTarget             = "closeTarget"
)

// TargetInfo describes one remote-process-visible unit.
type TargetInfo struct {
	TargetID    string `json:"targetId"`
	Type        string `json:"type"`
	URL         string `json:"url"`
	OpenerID    string `json:"openerId,omitempty"`
	Provisional bool   `json:"provisional,omitempty"`
}

// Event is the closed set of notifications the engine models. Consumers
// type-switch over the concrete payloads; the compiler keeps the handling
// exhaustive instead of a string-keyed emitter.
type Event interface {
	EventMethod() string
}

type TargetCreatedEvent struct {
	TargetInfo TargetInfo `json:"targetInfo"`
}

type TargetDestroyedEvent struct {
	TargetID string `json:"targetId"`
}

type TargetInfoChangedEvent struct {
	TargetInfo TargetInfo `json:"targetInfo"`
}

type TargetCrashedEvent struct {
	Status    string `json:"status"`
	ErrorCode int    `json:"errorCode,omitempty"`
}

type AttachedToTargetEvent struct {
	SessionID          string     `json:"sessionId"`
	TargetInfo         TargetInfo `json:"targetInfo"`
	WaitingForDebugger bool       `json:"waitingForDebugger,omitempty"`
}

type DetachedFromTargetEvent struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId,omitempty"`
}

// DidCommitProvisionalTargetEvent announces that a provisional session has
// taken over a page. ReadyState reports how far the committed document had
// progressed by the time of the handoff, since the original load events may
// have been missed during the swap window.
type DidCommitProvisionalTargetEvent struct {
	TargetID     string `json:"targetId"`
	OldSessionID string `json:"oldSessionId"`
	NewSessionID string `json:"newSessionId"`
	ReadyState   string `json:"readyState,omitempty"`
}

type DidFailProvisionalLoadEvent struct {
	TargetID  string `json:"targetId"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

type FrameAttachedEvent struct {
	FrameID       string `json:"frameId"`
	ParentFrameID string `json:"parentFrameId"`
}

// FramePayload is the frame description carried by frameNavigated.
type FramePayload struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId,omitempty"`
	LoaderID string `json:"loaderId,omitempty"`
	Name     string `json:"name,omitempty"`
	URL      string `json:"url"`
}

type FrameNavigatedEvent struct {
	Frame FramePayload `json:"frame"`
}

type NavigatedWithinDocumentEvent struct {
	FrameID string `json:"frameId"`
	URL     string `json:"url"`
}

type FrameDetachedEvent struct {
	FrameID string `json:"frameId"`
}

type LifecycleEventNotification struct {
	FrameID  string `json:"frameId"`
	LoaderID string `json:"loaderId,omitempty"`
	Name     string `json:"name"`
}

type ExecutionContextCreatedEvent struct {
	Context ExecutionContextDescription `json:"context"`
}

// ExecutionContextDescription associates a context with its owning frame.
// World distinguishes the page's main realm from the engine's utility realm.
type ExecutionContextDescription struct {
	ID      int64  `json:"id"`
	FrameID string `json:"frameId"`
	World   string `json:"world,omitempty"`
}

type ExecutionContextDestroyedEvent struct {
	ExecutionContextID int64 `json:"executionContextId"`
}

func (TargetCreatedEvent) EventMethod() string              { return MethodTargetCreated }
func (TargetDestroyedEvent) EventMethod() string            { return MethodTargetDestroyed }
func (TargetInfoChangedEvent) EventMethod() string          { return MethodTargetInfoChanged }
func (TargetCrashedEvent) EventMethod() string              { return MethodTargetCrashed }
func (AttachedToTargetEvent) EventMethod() string           { return MethodAttachedToTarget }
func (DetachedFromTargetEvent) EventMethod() string         { return MethodDetachedFromTarget }
func (DidCommitProvisionalTargetEvent) EventMethod() string { return MethodDidCommitProvisionalTarget }
func (DidFailProvisionalLoadEvent) EventMethod() string     { return MethodDidFailProvisionalLoad }
func (FrameAttachedEvent) EventMethod() string              { return MethodFrameAttached }
func (FrameNavigatedEvent) EventMethod() string             { return MethodFrameNavigated }
func (NavigatedWithinDocumentEvent) EventMethod() string    { return MethodNavigatedWithinDocument }
func (FrameDetachedEvent) EventMethod() string              { return MethodFrameDetached }
func (LifecycleEventNotification) EventMethod() string      { return MethodLifecycleEvent }
func (ExecutionContextCreatedEvent) EventMethod() string    { return MethodExecutionContextCreated }
func (ExecutionContextDestroyedEvent) EventMethod() string  { return MethodExecutionContextDestroyed }

// DecodeEvent parses the typed payload for a known event method. Unknown
// methods return (nil, nil); the engine drops them.
func DecodeEvent(m *Message) (Event, error) {
	var ev Event
	switch m.Method {
	case MethodTargetCreated:
		ev = &TargetCreatedEvent{}
	case MethodTargetDestroyed:
		ev = &TargetDestroyedEvent{}
	case MethodTargetInfoChanged:
		ev = &TargetInfoChangedEvent{}
	case MethodTargetCrashed:
		ev = &TargetCrashedEvent{}
	case MethodAttachedToTarget:
		ev = &AttachedToTargetEvent{}
	case MethodDetachedFromTarget:
		ev = &DetachedFromTargetEvent{}
	case MethodDidCommitProvisionalTarget:
		ev = &DidCommitProvisionalTargetEvent{}
	case MethodDidFailProvisionalLoad:
		ev = &DidFailProvisionalLoadEvent{}
	case MethodFrameAttached:
		ev = &FrameAttachedEvent{}
	case MethodFrameNavigated:
		ev = &FrameNavigatedEvent{}
	case MethodNavigatedWithinDocument:
		ev = &NavigatedWithinDocumentEvent{}
	case MethodFrameDetached:
		ev = &FrameDetachedEvent{}
	case MethodLifecycleEvent:
		ev = &LifecycleEventNotification{}
	case MethodExecutionContextCreated:
		ev = &ExecutionContextCreatedEvent{}
	case MethodExecutionContextDestroyed:
		ev = &ExecutionContextDestroyedEvent{}
	default:
		return nil, nil
	}
	if len(m.Params) > 0 {
		if err := json.Unmarshal(m.Params, ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", m.Method, err)
		}
	}
	return ev, nil
}

// NavigateParams is the request body for the navigate command.
type NavigateParams struct {
	URL     string `json:"url"`
	FrameID string `json:"frameId,omitempty"`
}

// NavigateResult is the navigate command's response body. An empty LoaderID
// means the navigation stayed within the current document.
type NavigateResult struct {
	LoaderID  string `json:"loaderId,omitempty"`
	ErrorText string `json:"errorText,omitempty"`
}

// EvaluateParams is the request body for the evaluate command.
type EvaluateParams struct {
	Expression         string `json:"expression"`
	ExecutionContextID int64  `json:"executionContextId"`
	ReturnByValue      bool   `json:"returnByValue,omitempty"`
}

// EvaluateResult is the evaluate command's response body.
type EvaluateResult struct {
	Value json.RawMessage `json:"value,omitempty"`
}

// CloseTargetParams is the request body for the closeTarget root command.
type CloseTargetParams struct {
	TargetID string `json:"targetId"`
}
