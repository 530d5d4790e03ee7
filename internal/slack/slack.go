package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	slackapi "github.com/slack-go/slack"
	"github.com/sony/gobreaker"
)

// BreakerConfig controls when the gateway stops calling Slack after repeated
// failures.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns the breaker settings used in production.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         30 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// Client posts into a single Slack channel. A thread is a parent message in
// that channel, identified by its ts.
type Client struct {
	api     *slackapi.Client
	channel string
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

type options struct {
	apiURL     string
	httpClient *http.Client
	breaker    BreakerConfig
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*options)

// WithAPIURL points the client at another Slack API base URL (with trailing slash).
func WithAPIURL(url string) Option {
	return func(o *options) { o.apiURL = url }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithBreaker replaces the circuit breaker settings.
func WithBreaker(cfg BreakerConfig) Option {
	return func(o *options) { o.breaker = cfg }
}

// WithLogger sets the logger for breaker state changes.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New creates a Slack client with the given bot token posting to channel.
func New(token, channel string, opts ...Option) *Client {
	o := options{breaker: DefaultBreakerConfig(), logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	var apiOpts []slackapi.Option
	if o.apiURL != "" {
		apiOpts = append(apiOpts, slackapi.OptionAPIURL(o.apiURL))
	}
	if o.httpClient != nil {
		apiOpts = append(apiOpts, slackapi.OptionHTTPClient(o.httpClient))
	}

	cfg := o.breaker
	logger := o.logger
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "slack",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// A caller giving up is not Slack's fault.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Client{
		api:     slackapi.New(token, apiOpts...),
		channel: channel,
		breaker: cb,
		logger:  logger,
	}
}

// CreateThread posts a parent message titled name and returns its ts.
func (c *Client) CreateThread(ctx context.Context, name string) (string, error) {
	ts, err := c.post(ctx, name, "")
	if err != nil {
		return "", fmt.Errorf("slack: create thread: %w", err)
	}
	return ts, nil
}

// PostMessage posts text into the thread identified by threadTS.
func (c *Client) PostMessage(ctx context.Context, threadTS, text string) (string, error) {
	if threadTS == "" {
		return "", errors.New("slack: post message: thread ts is required")
	}
	ts, err := c.post(ctx, text, threadTS)
	if err != nil {
		return "", fmt.Errorf("slack: post message: %w", err)
	}
	return ts, nil
}

func (c *Client) post(ctx context.Context, text, threadTS string) (string, error) {
	var opts []slackapi.MsgOption
	opts = append(opts, slackapi.MsgOptionText(text, false))
	if threadTS != "" {
		opts = append(opts, slackapi.MsgOptionTS(threadTS))
	}

	out, err := c.breaker.Execute(func() (any, error) {
		_, ts, err := c.api.PostMessageContext(ctx, c.channel, opts...)
		if err != nil {
			return "", fmt.Errorf("slack API error: %w", err)
		}
		if ts == "" {
			return "", errors.New("slack API returned no ts")
		}
		return ts, nil
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}
