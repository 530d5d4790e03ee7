package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/nktks/slack-helpdesk/internal/relay"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

var errChannelClosed = errors.New("server: channel closed")

// wsChannel is a registry.Channel over a websocket connection. Writes are
// serialized; gorilla allows one concurrent writer.
type wsChannel struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{conn: conn, done: make(chan struct{})}
}

// Send writes one text frame.
func (c *wsChannel) Send(ctx context.Context, text string) error {
	return c.write(ctx, websocket.TextMessage, []byte(text))
}

func (c *wsChannel) write(ctx context.Context, messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errChannelClosed
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(messageType, data)
}

// Close sends a close frame and closes the connection. It is safe to call
// more than once; later calls are no-ops.
func (c *wsChannel) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *wsChannel) closeWith(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return c.conn.Close()
}

// pingLoop keeps the connection alive until the channel is closed.
func (c *wsChannel) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.write(context.Background(), websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleWebsocket upgrades a known user to a live channel. Text frames from
// the user are appended to their log; replies reach them through the registry.
func (h *Handler) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	logger := h.logger.With().Str("user_id", userID).Logger()

	_, ok, err := h.relay.History(r.Context(), userID)
	if err != nil {
		h.writeRelayError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errorNotFound, "no conversation for this id")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	ch := newWSChannel(conn)
	lease := h.conns.Connect(userID, ch)
	logger.Info().Uint64("lease", lease).Msg("live channel opened")

	defer func() {
		h.conns.Disconnect(userID, lease)
		_ = ch.Close()
		logger.Info().Uint64("lease", lease).Msg("live channel closed")
	}()

	go ch.pingLoop()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := context.WithoutCancel(r.Context())
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			logger.Debug().Int("type", messageType).Msg("ignored non-text frame")
			continue
		}

		text := strings.TrimSpace(string(data))
		if err := h.relay.AcceptLive(ctx, userID, text); err != nil {
			var rerr *relay.Error
			if errors.As(err, &rerr) {
				switch rerr.Code {
				case relay.ErrorInvalidInput:
					logger.Warn().Str("reason", rerr.Reason).Msg("rejected live message")
					continue
				case relay.ErrorExpired:
					logger.Info().Msg("conversation expired, closing live channel")
					_ = ch.closeWith(websocket.ClosePolicyViolation, "conversation expired")
					return
				}
			}
			logger.Error().Err(err).Msg("accept live message failed")
		}
	}
}
