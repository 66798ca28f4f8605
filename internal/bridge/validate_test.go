package bridge

import (
	"testing"
	"time"
	"unicode/utf8"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"valid", `{"type":"ping","requestId":"r1"}`, true},
		{"with data", `{"type":"findElements","requestId":"r1","data":{"intent":"save"}}`, true},
		{"not json", `ping`, false},
		{"array", `[1,2]`, false},
		{"missing type", `{"requestId":"r1"}`, false},
		{"missing request id", `{"type":"ping"}`, false},
		{"bad type", `{"type":"do stuff","requestId":"r1"}`, false},
		{"space in request id", `{"type":"ping","requestId":"r 1"}`, false},
		{"wrong field type", `{"type":7,"requestId":"r1"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := decodeInbound([]byte(tt.raw))
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, "r1", in.RequestID)
				return
			}
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodePayload(t *testing.T) {
	var req FindRequest
	assert.Error(t, decodePayload(nil, &req), "intent is required")

	req = FindRequest{}
	require.NoError(t, decodePayload([]byte(`{"intent":"save","options":{"limit":3}}`), &req))
	assert.Equal(t, "save", req.Intent)
	assert.Equal(t, 3, req.Options.Limit)

	var opts OptionsRequest
	assert.NoError(t, decodePayload([]byte(`null`), &opts))
}

func FuzzDecodeInbound(f *testing.F) {
	f.Add([]byte(`{"type":"ping","requestId":"r1"}`))
	f.Add([]byte(`{"type":"findElements","requestId":"abc","data":{"intent":"x"}}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"type":"","requestId":""}`))
	f.Fuzz(func(t *testing.T, raw []byte) {
		in, err := decodeInbound(raw)
		if err != nil {
			assert.ErrorIs(t, err, ErrMalformed)
			return
		}
		assert.NotEmpty(t, in.Type)
		assert.NotEmpty(t, in.RequestID)
	})
}

// fuzzFind is the structured input for FuzzFindRequest_Structured.
type fuzzFind struct {
	Type      string
	RequestID string
	Intent    string
	Limit     int
	Hidden    bool
}

// FuzzFindRequest_Structured builds well-formed envelopes from fuzzed fields and
// checks that whatever passes validation respects the declared bounds.
func FuzzFindRequest_Structured(f *testing.F) {
	f.Add([]byte("\x04ping\x02r1\x0asave draft\x05\x00\x00\x00\x01"))
	f.Fuzz(func(t *testing.T, data []byte) {
		var in fuzzFind
		if err := fuzz.NewConsumer(data).GenerateStruct(&in); err != nil {
			return
		}
		payload, err := json.Marshal(map[string]any{
			"intent":  in.Intent,
			"options": map[string]any{"limit": in.Limit, "includeHidden": in.Hidden},
		})
		require.NoError(t, err)
		raw, err := json.Marshal(Inbound{Type: in.Type, RequestID: in.RequestID, Data: payload})
		require.NoError(t, err)

		msg, err := decodeInbound(raw)
		if err != nil {
			assert.ErrorIs(t, err, ErrMalformed)
			return
		}
		assert.LessOrEqual(t, utf8.RuneCountInString(msg.Type), 64)
		assert.LessOrEqual(t, utf8.RuneCountInString(msg.RequestID), 128)

		var req FindRequest
		if err := decodePayload(msg.Data, &req); err != nil {
			return
		}
		assert.NotEmpty(t, req.Intent)
		assert.LessOrEqual(t, utf8.RuneCountInString(req.Intent), 512)
	})
}

func TestPendingTable(t *testing.T) {
	p := newPendingTable(time.Hour)

	assert.True(t, p.begin("a", fixedNow))
	assert.False(t, p.begin("a", fixedNow), "duplicate id while in flight")
	assert.True(t, p.begin("b", fixedNow))
	assert.Equal(t, 2, p.len())
	assert.Zero(t, p.expire())

	p.finish("a")
	assert.True(t, p.begin("a", fixedNow), "a finished id can be reused")
	p.finish("a")
	p.finish("b")
	assert.Zero(t, p.len())
}

func TestPendingTable_Expires(t *testing.T) {
	p := newPendingTable(20 * time.Millisecond)
	require.True(t, p.begin("stale", fixedNow))
	require.True(t, p.begin("old", fixedNow))

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 2, p.expire())
	assert.Zero(t, p.len())
	assert.True(t, p.begin("stale", fixedNow), "an expired id is free again")
}

func TestOriginPolicy(t *testing.T) {
	p, err := NewOriginPolicy("https://app.example.com", []string{"https://Agent.Example.com/"}, []string{`^https://[a-z]+\.preview\.example\.net$`})
	require.NoError(t, err)

	assert.True(t, p.Allowed(""))
	assert.True(t, p.Allowed("https://app.example.com"))
	assert.True(t, p.Allowed("HTTPS://APP.EXAMPLE.COM/path"))
	assert.True(t, p.Allowed("https://agent.example.com"))
	assert.True(t, p.Allowed("https://pr.preview.example.net"))
	assert.False(t, p.Allowed("https://evil.example.com"))
	assert.False(t, p.Allowed("http://app.example.com"))
	assert.False(t, p.Allowed("https://pr.preview.example.net.evil.io"))

	p.SetTrusted([]string{"https://evil.example.com"})
	assert.True(t, p.Allowed("https://evil.example.com"))
	assert.False(t, p.Allowed("https://agent.example.com"))
	assert.Equal(t, []string{"https://evil.example.com"}, p.Trusted())

	_, err = NewOriginPolicy("", nil, []string{"("})
	assert.Error(t, err)
}
