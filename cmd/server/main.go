package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/nktks/slack-helpdesk/internal/bot"
	"github.com/nktks/slack-helpdesk/internal/config"
	"github.com/nktks/slack-helpdesk/internal/metrics"
	"github.com/nktks/slack-helpdesk/internal/registry"
	"github.com/nktks/slack-helpdesk/internal/relay"
	"github.com/nktks/slack-helpdesk/internal/server"
	"github.com/nktks/slack-helpdesk/internal/slack"
	"github.com/nktks/slack-helpdesk/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	replyRestartDelay = 5 * time.Second
)

type flags struct {
	ConfigPath string
	LogLevel   string
	LogFile    string
	Listen     string
	Backend    string
	BotToken   string
	AppToken   string
	Channel    string
}

func main() {
	f := &flags{}

	app := &cli.Command{
		Name:  "helpdesk-server",
		Usage: "Relay anonymous questions into Slack threads and replies back",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file (optional)",
				Sources:     cli.EnvVars("HELPDESK_CONFIG"),
				Destination: &f.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("HELPDESK_LOG_LEVEL"),
				Value:       "info",
				Destination: &f.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "path to log file (optional)",
				Sources:     cli.EnvVars("HELPDESK_LOG_FILE"),
				Destination: &f.LogFile,
			},
			&cli.StringFlag{
				Name:        "listen",
				Usage:       "HTTP listen address (overrides config)",
				Sources:     cli.EnvVars("HELPDESK_LISTEN"),
				Destination: &f.Listen,
			},
			&cli.StringFlag{
				Name:        "store",
				Usage:       "store backend: memory or dynamodb (overrides config)",
				Sources:     cli.EnvVars("HELPDESK_STORE"),
				Destination: &f.Backend,
			},
			&cli.StringFlag{
				Name:        "slack-bot-token",
				Usage:       "Slack bot token (xoxb-...)",
				Sources:     cli.EnvVars("SLACK_BOT_TOKEN"),
				Destination: &f.BotToken,
			},
			&cli.StringFlag{
				Name:        "slack-app-token",
				Usage:       "Slack app-level token for Socket Mode (xapp-...)",
				Sources:     cli.EnvVars("SLACK_APP_TOKEN"),
				Destination: &f.AppToken,
			},
			&cli.StringFlag{
				Name:        "slack-channel",
				Usage:       "Slack channel ID where question threads are opened",
				Sources:     cli.EnvVars("SLACK_CHANNEL"),
				Destination: &f.Channel,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := setupLogger(f.LogLevel, f.LogFile); err != nil {
				return err
			}

			cfg, err := config.Load(f.ConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			f.apply(cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if err := cfg.ValidateSlack(); err != nil {
				return err
			}

			return run(ctx, cfg)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Msg("helpdesk server failed")
	}
}

// apply overrides file settings with flags and environment.
func (f *flags) apply(cfg *config.Config) {
	if f.Listen != "" {
		cfg.Listen = f.Listen
	}
	if f.Backend != "" {
		cfg.Store.Backend = f.Backend
	}
	if f.BotToken != "" {
		cfg.Slack.BotToken = f.BotToken
	}
	if f.AppToken != "" {
		cfg.Slack.AppToken = f.AppToken
	}
	if f.Channel != "" {
		cfg.Slack.Channel = f.Channel
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	g, ctx := errgroup.WithContext(ctx)

	st, err := openStore(ctx, g, cfg)
	if err != nil {
		return err
	}

	var (
		reg = registry.New(component("registry"))
		m   = metrics.New(reg.Count)
		gw  = slack.New(cfg.Slack.BotToken, cfg.Slack.Channel,
			slack.WithAPIURL(cfg.Slack.APIURL),
			slack.WithLogger(component("slack")),
		)
		rl = relay.New(relay.Config{
			TTL:                cfg.Store.TTL,
			GatewayTimeout:     cfg.Relay.GatewayTimeout,
			NameMaxLen:         cfg.Relay.NameMaxLen,
			TextMaxLen:         cfg.Relay.TextMaxLen,
			MirrorUserMessages: cfg.Relay.MirrorUserMessages,
		}, st, gw, reg, m, component("relay"))
		b = &bot.Bot{
			AppToken: cfg.Slack.AppToken,
			BotToken: cfg.Slack.BotToken,
			Channel:  cfg.Slack.Channel,
			Logger:   component("bot"),
		}
	)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.New(rl, reg, m.Handler(), component("http")).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info().Str("addr", cfg.Listen).Str("store", cfg.Store.Backend).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return deliverReplies(ctx, rl, b)
	})

	return g.Wait()
}

// openStore builds the configured backend. The memory backend also gets its
// expiry sweeper scheduled on g.
func openStore(ctx context.Context, g *errgroup.Group, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendDynamoDB:
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Store.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Store.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return store.NewDynamo(dynamodb.NewFromConfig(awsCfg), cfg.Store.Table, cfg.Store.TTL,
			store.WithDynamoLogger(component("store")),
		)
	default:
		mem := store.NewMemory(cfg.Store.TTL)
		sweeper, err := store.NewSweeper(mem, cfg.Store.SweepSchedule, component("sweeper"))
		if err != nil {
			return nil, err
		}
		g.Go(func() error { return sweeper.Run(ctx) })
		return mem, nil
	}
}

// deliverReplies keeps the Slack reply stream running until ctx is done,
// reconnecting after a short delay when the stream ends.
func deliverReplies(ctx context.Context, rl *relay.Relay, b *bot.Bot) error {
	for {
		_ = rl.Run(ctx, b.Replies(ctx))
		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Dur("delay", replyRestartDelay).Msg("reply stream ended, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(replyRestartDelay):
		}
	}
}

func component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

func setupLogger(level string, logFile string) error {
	parsedLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		output = io.MultiWriter(zerolog.ConsoleWriter{Out: os.Stderr}, file)
	}

	log.Logger = log.Output(output).Level(parsedLevel)
	return nil
}
