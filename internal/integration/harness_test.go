package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"voicetranslator/internal/app"
	"voicetranslator/internal/config"
	"voicetranslator/pkg/types"
)

// waitTime bounds every expectation; scaled timeouts fire well inside it
const waitTime = 3 * time.Second

type harness struct {
	t    *testing.T
	app  *app.Application
	base string
}

// newHarness boots the whole coordinator in the test environment, where
// session timeouts are scaled to milliseconds. tweak may adjust the config.
func newHarness(t *testing.T, driver string, tweak func(*config.Config)) *harness {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	cfg := config.DefaultConfig()
	cfg.Environment = config.EnvTest
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = port
	cfg.Database.Driver = driver
	cfg.Database.Path = filepath.Join(t.TempDir(), "classroom.db")
	if tweak != nil {
		tweak(cfg)
	}

	application, err := app.NewApplication(cfg)
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return &harness{t: t, app: application, base: "http://" + application.Addr()}
}

// getJSON fetches path and decodes the body into out, returning the status
func (h *harness) getJSON(path string, out any) int {
	h.t.Helper()
	resp, err := http.Get(h.base + path)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// client reads frames in the background so a slow assertion never stalls
// the server's writer
type client struct {
	t      *testing.T
	ws     *websocket.Conn
	frames chan map[string]any
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func (h *harness) connect() *client {
	h.t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+h.app.Addr()+"/ws", nil)
	require.NoError(h.t, err)
	c := &client{t: h.t, ws: ws, frames: make(chan map[string]any, 256), done: make(chan struct{})}
	go c.readLoop()
	h.t.Cleanup(c.close)
	c.expect(types.TypeConnection)
	return c
}

func (c *client) readLoop() {
	defer close(c.done)
	defer close(c.frames)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		if json.Unmarshal(data, &msg) == nil {
			c.frames <- msg
		}
	}
}

func (c *client) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(v))
}

// expect skips frames until one of type typ arrives
func (c *client) expect(typ string) map[string]any {
	c.t.Helper()
	timeout := time.After(waitTime)
	for {
		select {
		case msg, ok := <-c.frames:
			require.True(c.t, ok, "connection closed while waiting for %q", typ)
			if msg["type"] == typ {
				return msg
			}
		case <-timeout:
			c.t.Fatalf("timed out waiting for %q", typ)
		}
	}
}

// expectClosed waits for the server to close the connection
func (c *client) expectClosed() {
	c.t.Helper()
	select {
	case <-c.done:
	case <-time.After(waitTime):
		c.t.Fatal("server did not close the connection")
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.ws.Close()
}

func (c *client) registerTeacher(teacherID string) (sessionID, code string) {
	c.t.Helper()
	c.send(map[string]any{"type": "register", "role": "teacher", "teacherId": teacherID, "languageCode": "en-US"})
	ack := c.expect(types.TypeRegister)
	require.Equal(c.t, "success", ack["status"], fmt.Sprint(ack))
	return ack["sessionId"].(string), c.expect(types.TypeClassroomCode)["code"].(string)
}

func (c *client) registerStudent(code, lang string) map[string]any {
	c.t.Helper()
	c.send(map[string]any{"type": "register", "role": "student", "classroomCode": code, "languageCode": lang})
	ack := c.expect(types.TypeRegister)
	require.Equal(c.t, "success", ack["status"], fmt.Sprint(ack))
	return ack
}

// expectNone fails if a frame of type typ arrives within d
func (c *client) expectNone(typ string, d time.Duration) {
	c.t.Helper()
	timeout := time.After(d)
	for {
		select {
		case msg, ok := <-c.frames:
			if !ok {
				return
			}
			require.NotEqual(c.t, typ, msg["type"], "unexpected %q frame: %v", typ, msg)
		case <-timeout:
			return
		}
	}
}
