package bridge_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/elementindex/internal/bridge"
	"github.com/xkilldash9x/elementindex/internal/cache"
)

type serverEnv struct {
	*env
	server *bridge.Server
	ts     *httptest.Server
	wsURL  string
}

func newServerEnv(t *testing.T, cfg bridge.ServerConfig, opts ...bridge.ServerOption) *serverEnv {
	t.Helper()
	e := newEnv(t, bridge.Config{}, 0)
	srv := bridge.NewServer(cfg, e.bridge, zaptest.NewLogger(t), opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Shutdown(ctx))
	})
	return &serverEnv{
		env:    e,
		server: srv,
		ts:     ts,
		wsURL:  "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/v1/bridge",
	}
}

func (s *serverEnv) dial(t *testing.T, cfg bridge.ClientConfig) *bridge.Client {
	t.Helper()
	if cfg.Origin == "" {
		cfg.Origin = appOrigin
	}
	c, err := bridge.Dial(context.Background(), s.wsURL, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestServer_PingOverWebsocket(t *testing.T) {
	s := newServerEnv(t, bridge.ServerConfig{})
	c := s.dial(t, bridge.ClientConfig{})

	p, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, p.Pong)
	assert.Equal(t, 1, s.server.Connections())
}

func TestServer_RejectsUntrustedHandshake(t *testing.T) {
	s := newServerEnv(t, bridge.ServerConfig{})
	_, err := bridge.Dial(context.Background(), s.wsURL,
		bridge.ClientConfig{Origin: "https://evil.example.org"}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Zero(t, s.server.Connections())
	assert.Empty(t, s.idx.Calls())
}

func TestClient_ErrorRepliesBecomeErrors(t *testing.T) {
	s := newServerEnv(t, bridge.ServerConfig{})
	c := s.dial(t, bridge.ClientConfig{})

	_, err := c.Request(context.Background(), "nonexistent", nil)
	var re *bridge.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.Message, "unknown message type")
}

func TestClient_FindElementsHonorsStrictCeiling(t *testing.T) {
	s := newServerEnv(t, bridge.ServerConfig{})
	rs := results(100)
	s.idx.results = rs

	full, err := json.Marshal(bridge.NewElementList(rs))
	require.NoError(t, err)
	per := len(full) / 100

	c := s.dial(t, bridge.ClientConfig{StrictPayloadBytes: per * 85})
	l, err := c.FindElements(context.Background(), "add item", cache.QueryOptions{})
	require.NoError(t, err)
	assert.True(t, l.Truncated)
	assert.Equal(t, 70, l.Count)
	assert.Equal(t, 100, l.OriginalCount)

	tight := s.dial(t, bridge.ClientConfig{StrictPayloadBytes: per * 10})
	_, err = tight.FindElements(context.Background(), "add item", cache.QueryOptions{})
	assert.ErrorIs(t, err, bridge.ErrResponseTooLarge)
}

func TestClient_RequestTimeout(t *testing.T) {
	s := newServerEnv(t, bridge.ServerConfig{})
	release := make(chan struct{})
	s.bridge.Register("stall", func(ctx context.Context, _ jsoniter.RawMessage) (any, error) {
		<-release
		return nil, nil
	})
	defer close(release)

	c := s.dial(t, bridge.ClientConfig{RequestTimeout: 20 * time.Millisecond})
	_, err := c.Request(context.Background(), "stall", nil)
	assert.ErrorIs(t, err, bridge.ErrRequestTimeout)
}

func TestServer_RepliesGoOnlyToTheRequester(t *testing.T) {
	for _, broadcast := range []bool{false, true} {
		t.Run(map[bool]string{false: "requester", true: "broadcast"}[broadcast], func(t *testing.T) {
			s := newServerEnv(t, bridge.ServerConfig{Broadcast: broadcast})
			c := s.dial(t, bridge.ClientConfig{})

			header := http.Header{"Origin": {appOrigin}}
			other, _, err := websocket.DefaultDialer.Dial(s.wsURL, header)
			require.NoError(t, err)
			defer other.Close()
			require.Eventually(t, func() bool { return s.server.Connections() == 2 }, 2*time.Second, 5*time.Millisecond)

			_, err = c.Ping(context.Background())
			require.NoError(t, err)

			require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
			_, msg, err := other.ReadMessage()
			if broadcast {
				require.NoError(t, err)
				assert.Contains(t, string(msg), `"pong":true`)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestServer_HTTPMessage(t *testing.T) {
	s := newServerEnv(t, bridge.ServerConfig{})
	post := func(origin, body string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, s.ts.URL+"/api/v1/message", strings.NewReader(body))
		require.NoError(t, err)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		resp, err := s.ts.Client().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post(appOrigin, `{"type":"ping","requestId":"h1"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"requestId":"h1"`)

	resp = post("https://evil.example.org", `{"type":"forceRescan","requestId":"h2"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, s.idx.Calls())

	resp = post(appOrigin, `garbage`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestServer_Health(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	s := newServerEnv(t, bridge.ServerConfig{}, bridge.WithHealth(func(context.Context) (any, bool) {
		ok := healthy.Load()
		return map[string]bool{"healthy": ok}, ok
	}))

	get := func() (int, string) {
		resp, err := s.ts.Client().Get(s.ts.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(b)
	}

	code, body := get()
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"healthy":true}`, body)

	healthy.Store(false)
	code, _ = get()
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestServer_MetricsRoute(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# metrics")
	})
	s := newServerEnv(t, bridge.ServerConfig{MetricsPath: "/metrics"}, bridge.WithMetricsHandler(h))
	resp, err := s.ts.Client().Get(s.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ShutdownClosesClients(t *testing.T) {
	s := newServerEnv(t, bridge.ServerConfig{})
	c := s.dial(t, bridge.ClientConfig{})
	_, err := c.Ping(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.server.Shutdown(ctx))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client was not disconnected")
	}
	_, err = c.Ping(context.Background())
	assert.ErrorIs(t, err, bridge.ErrClosed)
}
