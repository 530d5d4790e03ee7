package slack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type response struct {
	OK      bool   `json:"ok"`
	Channel string `json:"channel,omitempty"`
	TS      string `json:"ts,omitempty"`
	Error   string `json:"error,omitempty"`
}

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithAPIURL(srv.URL + "/"), WithHTTPClient(srv.Client())}, opts...)
	return New("xoxb-test", "C123", opts...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestCreateThread(t *testing.T) {
	t.Run("posts parent message and returns ts", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/chat.postMessage", r.URL.Path)
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "C123", r.FormValue("channel"))
			assert.Equal(t, "Dialogue with alice", r.FormValue("text"))
			assert.Empty(t, r.FormValue("thread_ts"))
			writeJSON(w, response{OK: true, Channel: "C123", TS: "1234567890.123456"})
		})

		ts, err := c.CreateThread(context.Background(), "Dialogue with alice")
		require.NoError(t, err)
		assert.Equal(t, "1234567890.123456", ts)
	})

	t.Run("returns error on slack API error", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, response{OK: false, Error: "channel_not_found"})
		})

		_, err := c.CreateThread(context.Background(), "x")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "create thread")
	})
}

func TestPostMessage(t *testing.T) {
	t.Run("sends thread_ts", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "1111111111.111111", r.FormValue("thread_ts"))
			assert.Equal(t, "reply", r.FormValue("text"))
			writeJSON(w, response{OK: true, Channel: "C123", TS: "2222222222.222222"})
		})

		ts, err := c.PostMessage(context.Background(), "1111111111.111111", "reply")
		require.NoError(t, err)
		assert.Equal(t, "2222222222.222222", ts)
	})

	t.Run("requires thread ts", func(t *testing.T) {
		c := New("xoxb-test", "C123")
		_, err := c.PostMessage(context.Background(), "", "reply")
		require.Error(t, err)
	})

	t.Run("returns error on non-200 status", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})

		_, err := c.PostMessage(context.Background(), "1.1", "hello")
		require.Error(t, err)
	})

	t.Run("honours context deadline", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := c.PostMessage(ctx, "1.1", "hello")
		require.Error(t, err)
	})
}

func TestBreaker(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, response{OK: false, Error: "internal_error"})
	}, WithBreaker(BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 1,
		MinRequests:      2,
	}))

	for range 2 {
		_, err := c.CreateThread(context.Background(), "x")
		require.Error(t, err)
	}
	_, err := c.CreateThread(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(2), calls.Load())
}
