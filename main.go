package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/nktks/slack-helpdesk/internal/client"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)

	var server string

	newClient := func() *client.Client { return client.New(server, nil) }

	app := &cli.Command{
		Name:  "helpdesk",
		Usage: "Ask the helpdesk a question and follow the conversation",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "server",
				Usage:       "helpdesk server base URL",
				Sources:     cli.EnvVars("HELPDESK_SERVER"),
				Value:       "http://localhost:8000",
				Destination: &server,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "ask",
				Usage: "submit a new question and print the id to keep",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "your display name (letters and digits)", Required: true},
					&cli.StringFlag{Name: "text", Usage: "the question", Required: true},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					id, err := newClient().Ask(ctx, c.String("name"), c.String("text"))
					if err != nil {
						return err
					}
					fmt.Println(id)
					return nil
				},
			},
			{
				Name:      "history",
				Usage:     "print every message of a conversation",
				ArgsUsage: "ID",
				Action: func(ctx context.Context, c *cli.Command) error {
					id, err := requireID(c)
					if err != nil {
						return err
					}
					msgs, err := newClient().History(ctx, id)
					if err != nil {
						return err
					}
					for _, m := range msgs {
						fmt.Println(m)
						fmt.Println()
					}
					return nil
				},
			},
			{
				Name:      "listen",
				Usage:     "open a live channel: print replies, send lines from stdin",
				ArgsUsage: "ID",
				Action: func(ctx context.Context, c *cli.Command) error {
					id, err := requireID(c)
					if err != nil {
						return err
					}
					log.Info().Str("id", id).Msg("connected, type a message and press enter")
					return newClient().Listen(ctx, id, os.Stdin, func(reply string) {
						fmt.Println(reply)
					})
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		if errors.Is(err, client.ErrNotFound) {
			log.Fatal().Msg("no conversation for this id, it may have expired")
		}
		log.Fatal().Err(err).Msg("helpdesk failed")
	}
}

func requireID(c *cli.Command) (string, error) {
	if c.Args().Len() != 1 {
		return "", fmt.Errorf("expected exactly one conversation ID, got %d arguments", c.Args().Len())
	}
	return c.Args().First(), nil
}
