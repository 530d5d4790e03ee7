package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nktks/slack-helpdesk/internal/metrics"
	"github.com/nktks/slack-helpdesk/internal/registry"
	"github.com/nktks/slack-helpdesk/internal/relay"
	"github.com/nktks/slack-helpdesk/internal/store"
)

type fakeGateway struct {
	mu        sync.Mutex
	createErr error
	posts     []string
}

func (g *fakeGateway) CreateThread(context.Context, string) (string, error) {
	if g.createErr != nil {
		return "", g.createErr
	}
	return "1700000000.000100", nil
}

func (g *fakeGateway) PostMessage(_ context.Context, _, text string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.posts = append(g.posts, text)
	return "msg", nil
}

type testEnv struct {
	gateway  *fakeGateway
	registry *registry.Registry
	relay    *relay.Relay
	store    *store.Memory
	server   *httptest.Server
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEnv(t *testing.T, opts ...store.MemoryOption) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	gw := &fakeGateway{}
	reg := registry.New(logger)
	st := store.NewMemory(time.Hour, opts...)
	m := metrics.New(reg.Count)
	rl := relay.New(relay.DefaultConfig(), st, gw, reg, m, logger)

	srv := httptest.NewServer(New(rl, reg, m.Handler(), logger).Routes())
	t.Cleanup(srv.Close)

	return &testEnv{gateway: gw, registry: reg, relay: rl, store: st, server: srv}
}

func (e *testEnv) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func (e *testEnv) createQuestion(t *testing.T) string {
	t.Helper()
	resp, out := e.post(t, "/questions", `{"user_name":"alice","question_text":"how do I reset my password?"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return out["user_id"].(string)
}

func (e *testEnv) dial(t *testing.T, id string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/" + id
	return websocket.DefaultDialer.Dial(url, nil)
}

func TestCreateQuestion(t *testing.T) {
	t.Run("created", func(t *testing.T) {
		env := newTestEnv(t)
		resp, out := env.post(t, "/questions", `{"user_name":"alice","question_text":"hello"}`)

		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		assert.Equal(t, "success", out["status"])
		assert.NotEmpty(t, out["user_id"])
	})

	t.Run("ask alias", func(t *testing.T) {
		env := newTestEnv(t)
		resp, out := env.post(t, "/ask", `{"user_name":"bob","question_text":"hello"}`)

		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, "success", out["status"])
	})

	t.Run("invalid JSON", func(t *testing.T) {
		env := newTestEnv(t)
		resp, out := env.post(t, "/questions", `{"user_name":`)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "INVALID_INPUT", out["code"])
	})

	t.Run("validation error", func(t *testing.T) {
		env := newTestEnv(t)
		resp, out := env.post(t, "/questions", `{"user_name":"not valid!","question_text":"hello"}`)

		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "error", out["status"])
		assert.Equal(t, "INVALID_INPUT", out["code"])
		assert.Empty(t, env.gateway.posts)
	})

	t.Run("gateway failure", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.createErr = errors.New("slack down")
		resp, out := env.post(t, "/questions", `{"user_name":"alice","question_text":"hello"}`)

		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, "UPSTREAM_ERROR", out["code"])
	})
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t)
	id := env.createQuestion(t)

	t.Run("known", func(t *testing.T) {
		resp, err := http.Get(env.server.URL + "/questions/" + id + "/messages")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out historyResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		require.Len(t, out.Messages, 1)
		assert.Contains(t, out.Messages[0], "New question from alice")
		assert.Contains(t, out.Messages[0], "Question ID: "+id)
	})

	t.Run("unknown", func(t *testing.T) {
		resp, err := http.Get(env.server.URL + "/questions/nobody/messages")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.createQuestion(t)

	resp, err := http.Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `helpdesk_questions_total{result="created"} 1`)
	assert.Contains(t, string(body), "helpdesk_live_connections 0")
}

func TestWebsocket(t *testing.T) {
	t.Run("unknown id is rejected before upgrade", func(t *testing.T) {
		env := newTestEnv(t)
		_, resp, err := env.dial(t, "nobody")

		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("live round trip", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.createQuestion(t)

		conn, _, err := env.dial(t, id)
		require.NoError(t, err)
		defer conn.Close()

		require.Eventually(t, func() bool { return env.registry.IsLive(id) }, time.Second, 10*time.Millisecond)

		// Staff reply goes straight to the socket and not into the log.
		outcome := env.relay.Deliver(context.Background(), relay.Reply{ThreadID: "1700000000.000100", Text: "try the reset link"})
		assert.Equal(t, relay.OutcomeDelivered, outcome)

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		messageType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, messageType)
		assert.Equal(t, "try the reset link", string(data))

		// User message is appended to the log.
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("thanks, that worked")))
		require.Eventually(t, func() bool {
			msgs, _, _ := env.store.ReadLog(context.Background(), id)
			return len(msgs) == 2 && msgs[1] == "thanks, that worked"
		}, time.Second, 10*time.Millisecond)

		require.NoError(t, conn.Close())
		require.Eventually(t, func() bool { return !env.registry.IsLive(id) }, time.Second, 10*time.Millisecond)

		// Offline now, so the next reply is stored.
		outcome = env.relay.Deliver(context.Background(), relay.Reply{ThreadID: "1700000000.000100", Text: "anything else?"})
		assert.Equal(t, relay.OutcomeAppended, outcome)
	})

	t.Run("reconnect supersedes", func(t *testing.T) {
		env := newTestEnv(t)
		id := env.createQuestion(t)

		first, _, err := env.dial(t, id)
		require.NoError(t, err)
		defer first.Close()
		require.Eventually(t, func() bool { return env.registry.IsLive(id) }, time.Second, 10*time.Millisecond)

		second, _, err := env.dial(t, id)
		require.NoError(t, err)
		defer second.Close()

		require.NoError(t, first.SetReadDeadline(time.Now().Add(time.Second)))
		_, _, err = first.ReadMessage()
		require.Error(t, err)

		// The first handler's disconnect must not remove the second registration.
		time.Sleep(50 * time.Millisecond)
		assert.True(t, env.registry.IsLive(id))
		assert.Equal(t, 1, env.registry.Count())

		delivered, err := env.registry.Send(context.Background(), id, "ping")
		require.NoError(t, err)
		assert.True(t, delivered)

		require.NoError(t, second.SetReadDeadline(time.Now().Add(time.Second)))
		_, data, err := second.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "ping", string(data))
	})
}

func TestWebsocketExpiredConversation(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	env := newTestEnv(t, store.WithClock(clock.Now))
	id := env.createQuestion(t)

	conn, _, err := env.dial(t, id)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.registry.IsLive(id) }, time.Second, 10*time.Millisecond)

	clock.Advance(2 * time.Hour)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("still there?")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)

	require.Eventually(t, func() bool { return !env.registry.IsLive(id) }, time.Second, 10*time.Millisecond)

	_, ok, err := env.store.ReadLog(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok, "the late message must not start a new log")
}

func TestWSChannelClosed(t *testing.T) {
	ch := &wsChannel{closed: true, done: make(chan struct{})}
	assert.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Send(context.Background(), "x"), errChannelClosed)
}
