package web

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teslashibe/go-voicecall/internal/log"
	"github.com/teslashibe/go-voicecall/pkg/call"
	"github.com/teslashibe/go-voicecall/pkg/metrics"
	"github.com/teslashibe/go-voicecall/pkg/transport"
)

// fakeCall records the dashboard's calls.
type fakeCall struct {
	mu         sync.Mutex
	snap       call.Snapshot
	entries    []call.Entry
	sent       []string
	sendErr    error
	ended      bool
	interrupts int
}

func (f *fakeCall) Snapshot() call.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeCall) Log() []call.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries
}

func (f *fakeCall) SetMuted(muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Muted = muted
	return nil
}

func (f *fakeCall) ToggleMute() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Muted = !f.snap.Muted
	return f.snap.Muted, nil
}

func (f *fakeCall) Interrupt() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	return nil
}

func (f *fakeCall) SendText(content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if strings.TrimSpace(content) == "" {
		return call.ErrEmptyMessage
	}
	f.sent = append(f.sent, content)
	return nil
}

func (f *fakeCall) EndCall() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = true
	f.snap.Ended = true
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeCall) {
	t.Helper()
	fc := &fakeCall{snap: call.Snapshot{ID: "call-1", State: call.StateIdle, Connection: "connected"}}
	srv, err := NewServer(fc, WithLogger(log.Discard()), WithMetrics(metrics.New("test")))
	require.NoError(t, err)
	return srv, fc
}

func do(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 && data[0] == '{' {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return resp.StatusCode, out
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(&fakeCall{}, WithPort(""))
	assert.Error(t, err)
}

func TestServer_Status(t *testing.T) {
	srv, _ := newTestServer(t)

	code, body := do(t, srv.App(), "GET", "/api/status", "")
	assert.Equal(t, 200, code)
	assert.Equal(t, "call-1", body["id"])
	assert.Equal(t, "idle", body["state"])
	assert.Equal(t, "connected", body["connection"])
}

func TestServer_Conversation(t *testing.T) {
	srv, fc := newTestServer(t)
	fc.entries = []call.Entry{{Role: call.RoleUser, Content: "hello"}}

	req := httptest.NewRequest("GET", "/api/conversation", nil)
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var entries []call.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].Content)
}

func TestServer_Mute(t *testing.T) {
	srv, fc := newTestServer(t)

	code, body := do(t, srv.App(), "POST", "/api/mute", "")
	assert.Equal(t, 200, code)
	assert.Equal(t, true, body["muted"])

	code, body = do(t, srv.App(), "POST", "/api/mute", `{"muted":true}`)
	assert.Equal(t, 200, code)
	assert.Equal(t, true, body["muted"])
	assert.True(t, fc.Snapshot().Muted)

	code, _ = do(t, srv.App(), "POST", "/api/mute", `{"muted":`)
	assert.Equal(t, 400, code)
}

func TestServer_Message(t *testing.T) {
	srv, fc := newTestServer(t)

	code, _ := do(t, srv.App(), "POST", "/api/message", `{"content":"what time is it"}`)
	assert.Equal(t, 202, code)
	assert.Equal(t, []string{"what time is it"}, fc.sent)

	code, body := do(t, srv.App(), "POST", "/api/message", `{"content":"  "}`)
	assert.Equal(t, 400, code)
	assert.Equal(t, call.ErrEmptyMessage.Error(), body["error"])

	fc.sendErr = transport.ErrNotConnected
	code, _ = do(t, srv.App(), "POST", "/api/message", `{"content":"hi"}`)
	assert.Equal(t, 409, code)

	fc.sendErr = call.ErrEnded
	code, _ = do(t, srv.App(), "POST", "/api/message", `{"content":"hi"}`)
	assert.Equal(t, 410, code)
}

func TestServer_InterruptAndEnd(t *testing.T) {
	srv, fc := newTestServer(t)

	code, _ := do(t, srv.App(), "POST", "/api/interrupt", "")
	assert.Equal(t, 200, code)
	assert.Equal(t, 1, fc.interrupts)

	code, body := do(t, srv.App(), "POST", "/api/end", "")
	assert.Equal(t, 200, code)
	assert.Equal(t, true, body["ended"])
	assert.True(t, fc.ended)
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.config.Metrics.RecordInterrupt("user")

	req := httptest.NewRequest("GET", "/metrics", nil)
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `test_interrupts_total{source="user"} 1`)
}

func TestServer_WebsocketRequiresUpgrade(t *testing.T) {
	srv, _ := newTestServer(t)
	code, _ := do(t, srv.App(), "GET", "/ws/status", "")
	assert.Equal(t, fiber.StatusUpgradeRequired, code)
}

func TestServer_StatusFeed(t *testing.T) {
	srv, _ := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, ln)
	require.Eventually(t, srv.StatusHub().IsRunning, time.Second, time.Millisecond)

	base := "ws://" + ln.Addr().String()
	status, _, err := websocket.DefaultDialer.Dial(base+"/ws/status", nil)
	require.NoError(t, err)
	defer status.Close()
	conv, _, err := websocket.DefaultDialer.Dial(base+"/ws/conversation", nil)
	require.NoError(t, err)
	defer conv.Close()
	require.Eventually(t, func() bool {
		return srv.StatusHub().ClientCount() == 1 && srv.ConversationHub().ClientCount() == 1
	}, time.Second, time.Millisecond)

	srv.Publish(call.Snapshot{ID: "call-1", State: call.StateSpeaking, Level: 0.5})
	srv.PublishEntry(call.Entry{Role: call.RoleAssistant, Content: "hi"})

	require.NoError(t, status.SetReadDeadline(time.Now().Add(2*time.Second)))
	var snap map[string]any
	require.NoError(t, status.ReadJSON(&snap))
	assert.Equal(t, "speaking", snap["state"])
	assert.Equal(t, 0.5, snap["level"])

	require.NoError(t, conv.SetReadDeadline(time.Now().Add(2*time.Second)))
	var entry call.Entry
	require.NoError(t, conv.ReadJSON(&entry))
	assert.Equal(t, "hi", entry.Content)
	assert.Equal(t, call.RoleAssistant, entry.Role)
}
