// Package protocol defines the JSON message envelope, the closed set of
// typed events, and the error taxonomy shared by the transport and the
// session engine. The envelope is dialect-neutral: a message carrying a
// non-zero id and no method is a command response, a message carrying a
// method is an event.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is the wire envelope for commands, responses and events.
type Message struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ResponseError  `json:"error,omitempty"`
}

// IsResponse reports whether the message correlates to an outstanding
// command. Correlation is strictly by id, never by send order.
func (m *Message) IsResponse() bool {
	return m.ID != 0 && m.Method == ""
}

// IsEvent reports whether the message is an unsolicited notification.
func (m *Message) IsEvent() bool {
	return m.Method != ""
}

// ResponseError is the remote-side failure attached to a command response.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

// Marshal frames a message for the transport.
func Marshal(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// Unmarshal parses one framed message.
func Unmarshal(data []byte) (*Message, error) {
	m := &Message{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return m, nil
}
