package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageClassification(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		response bool
		event    bool
	}{
		{"response", `{"id":3,"result":{}}`, true, false},
		{"error response", `{"id":4,"error":{"code":-32000,"message":"nope"}}`, true, false},
		{"event", `{"method":"frameDetached","params":{"frameId":"F1"}}`, false, true},
		{"session event", `{"sessionId":"S1","method":"lifecycleEvent","params":{}}`, false, true},
		{"neither", `{"sessionId":"S1"}`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Unmarshal([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.response, m.IsResponse())
			assert.Equal(t, tt.event, m.IsEvent())
		})
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte(`{"id":`))
	require.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	in := &Message{
		ID:        7,
		SessionID: "S1",
		Method:    MethodNavigate,
		Params:    []byte(`{"url":"https://a.test/"}`),
	}
	data, err := Marshal(in)
	require.NoError(t, err)

	out, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.SessionID, out.SessionID)
	assert.Equal(t, in.Method, out.Method)
	assert.JSONEq(t, string(in.Params), string(out.Params))
}

func TestResponseErrorMessage(t *testing.T) {
	err := &ResponseError{Code: -32601, Message: "method not found"}
	assert.Contains(t, err.Error(), "-32601")
	assert.Contains(t, err.Error(), "method not found")
}
