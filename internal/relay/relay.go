// Package relay moves messages between anonymous users and staff threads.
//
// The ingress side opens a thread per question and records which user owns
// it; the egress side routes thread replies back to that user, either over a
// live channel or into the user's durable log.
package relay

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nktks/slack-helpdesk/internal/metrics"
	"github.com/nktks/slack-helpdesk/internal/store"
)

// Gateway is the remote chat platform.
type Gateway interface {
	CreateThread(ctx context.Context, name string) (threadID string, err error)
	PostMessage(ctx context.Context, threadID, text string) (messageID string, err error)
}

// LiveRegistry is the read side of the live connection registry.
type LiveRegistry interface {
	IsLive(userID string) bool
	Send(ctx context.Context, userID, text string) (delivered bool, err error)
}

// Config holds relay policy.
type Config struct {
	// TTL is the retention of correlations recorded for new questions.
	TTL time.Duration
	// GatewayTimeout bounds each remote call.
	GatewayTimeout time.Duration
	NameMaxLen     int
	TextMaxLen     int
	// MirrorUserMessages also posts live user messages into their thread.
	MirrorUserMessages bool
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		TTL:            store.DefaultTTL,
		GatewayTimeout: 10 * time.Second,
		NameMaxLen:     32,
		TextMaxLen:     4000,
	}
}

// Relay implements both directions of the conversation relay.
type Relay struct {
	cfg      Config
	store    store.Store
	gateway  Gateway
	live     LiveRegistry
	metrics  *metrics.Metrics
	validate *validator.Validate
	newID    func() string
	logger   zerolog.Logger
}

// Option configures a Relay.
type Option func(*Relay)

// WithIDGenerator replaces the user id generator.
func WithIDGenerator(fn func() string) Option {
	return func(r *Relay) { r.newID = fn }
}

// New creates a Relay. Zero config fields take their defaults.
func New(cfg Config, st store.Store, gw Gateway, live LiveRegistry, m *metrics.Metrics, logger zerolog.Logger, opts ...Option) *Relay {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = def.GatewayTimeout
	}
	if cfg.NameMaxLen <= 0 {
		cfg.NameMaxLen = def.NameMaxLen
	}
	if cfg.TextMaxLen <= 0 {
		cfg.TextMaxLen = def.TextMaxLen
	}
	if m == nil {
		m = metrics.New(nil)
	}

	r := &Relay{
		cfg:      cfg,
		store:    st,
		gateway:  gw,
		live:     live,
		metrics:  m,
		validate: validator.New(),
		newID:    uuid.NewString,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// History returns the message log of a user or question. Question ids and
// user ids are the same value.
func (r *Relay) History(ctx context.Context, id string) ([]string, bool, error) {
	msgs, ok, err := r.store.ReadLog(ctx, id)
	if err != nil {
		return nil, false, newError(ErrorInternal, "read log", err)
	}
	return msgs, ok, nil
}

// Known reports whether id has a conversation log.
func (r *Relay) Known(ctx context.Context, id string) (bool, error) {
	_, ok, err := r.History(ctx, id)
	return ok, err
}

func (r *Relay) callGateway(ctx context.Context, operation string, fn func(context.Context) (string, error)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.GatewayTimeout)
	defer cancel()

	started := time.Now()
	out, err := fn(ctx)
	r.metrics.ObserveGateway(operation, started, err)
	return out, err
}
