// Package client talks to a helpdesk server on behalf of an end user.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotFound is returned when the server has no conversation for an id.
var ErrNotFound = errors.New("client: conversation not found")

// Client is an HTTP and websocket client for the helpdesk API.
type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
}

// New creates a Client for the server at baseURL. A nil httpClient means
// http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		dialer:  websocket.DefaultDialer,
	}
}

type apiError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// Ask submits a new question and returns the user id to keep for later.
func (c *Client) Ask(ctx context.Context, name, text string) (string, error) {
	body, err := json.Marshal(map[string]string{"user_name": name, "question_text": text})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/questions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("client: ask: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", decodeError(resp)
	}

	var out struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("client: decode ask response: %w", err)
	}
	return out.UserID, nil
}

// History returns every message stored for id.
func (c *Client) History(ctx context.Context, id string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/questions/"+url.PathEscape(id)+"/messages", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var out struct {
		Messages []string `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("client: decode history: %w", err)
	}
	return out.Messages, nil
}

// Listen opens the live channel for id. Every line read from in is sent as
// a message and every reply is passed to onReply. It returns when ctx is
// cancelled or the server closes the connection.
func (c *Client) Listen(ctx context.Context, id string, in io.Reader, onReply func(string)) error {
	wsURL, err := c.websocketURL(id)
	if err != nil {
		return err
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("client: dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	if in != nil {
		go func() {
			scanner := bufio.NewScanner(in)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
					return
				}
			}
		}()
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("client: read: %w", err)
		}
		onReply(string(data))
	}
}

func (c *Client) websocketURL(id string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("client: server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + url.PathEscape(id)
	return u.String(), nil
}

func decodeError(resp *http.Response) error {
	var e apiError
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Code == "" {
		return fmt.Errorf("client: unexpected status %d", resp.StatusCode)
	}
	return fmt.Errorf("client: %s: %s (status %d)", e.Code, e.Error, resp.StatusCode)
}
