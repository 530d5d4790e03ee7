package bot

import (
	"context"
	"iter"
	"sync"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/nktks/slack-helpdesk/internal/message"
	"github.com/nktks/slack-helpdesk/internal/relay"
)

// Bot listens for message and app_mention events via Slack Socket Mode and
// turns staff replies in the helpdesk channel into relay replies.
type Bot struct {
	AppToken string
	BotToken string
	Channel  string
	Logger   zerolog.Logger

	seen recentMessages
}

// seenCapacity bounds how many message timestamps are remembered for
// deduplication. Slack sends message and app_mention for the same post
// within moments of each other.
const seenCapacity = 1024

// recentMessages is a bounded set of channel/ts keys; the oldest key is
// forgotten first.
type recentMessages struct {
	mu    sync.Mutex
	keys  map[string]struct{}
	order []string
}

// add records key and reports whether it was new.
func (r *recentMessages) add(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keys == nil {
		r.keys = make(map[string]struct{}, seenCapacity)
	}
	if _, ok := r.keys[key]; ok {
		return false
	}
	if len(r.order) == seenCapacity {
		delete(r.keys, r.order[0])
		r.order = r.order[1:]
	}
	r.keys[key] = struct{}{}
	r.order = append(r.order, key)
	return true
}

// Replies returns the lazy, unbounded sequence of thread replies. The Socket
// Mode connection lives only while the sequence is being ranged over; Slack
// tracks delivery, so ranging again simply reconnects.
func (b *Bot) Replies(ctx context.Context) iter.Seq[relay.Reply] {
	return func(yield func(relay.Reply) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		out := make(chan relay.Reply)
		errc := make(chan error, 1)
		go func() { errc <- b.run(ctx, out) }()

		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errc:
				if err != nil && ctx.Err() == nil {
					b.Logger.Error().Err(err).Msg("socket mode loop stopped")
				}
				return
			case reply := <-out:
				if !yield(reply) {
					return
				}
			}
		}
	}
}

func (b *Bot) run(ctx context.Context, out chan<- relay.Reply) error {
	api := slack.New(b.BotToken, slack.OptionAppLevelToken(b.AppToken))
	client := socketmode.New(api)
	handler := socketmode.NewSocketmodeHandler(client)

	emit := func(evt *socketmode.Event, c *socketmode.Client) {
		if evt.Request != nil {
			c.Ack(*evt.Request)
		}
		reply, ok := b.replyFromEvent(evt)
		if !ok {
			return
		}
		select {
		case out <- reply:
		case <-ctx.Done():
		}
	}
	handler.HandleEvents(slackevents.AppMention, emit)
	handler.HandleEvents(slackevents.Message, emit)

	return handler.RunEventLoopContext(ctx)
}

func (b *Bot) replyFromEvent(evt *socketmode.Event) (relay.Reply, bool) {
	eventsAPI, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		b.Logger.Warn().Msg("failed to cast EventsAPIEvent")
		return relay.Reply{}, false
	}

	switch ev := eventsAPI.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Ignore bot messages and edits/joins to avoid loops.
		if ev.BotID != "" || ev.SubType != "" {
			return relay.Reply{}, false
		}
		return b.reply(ev.Channel, ev.User, ev.TimeStamp, ev.ThreadTimeStamp, ev.Text)
	case *slackevents.AppMentionEvent:
		if ev.BotID != "" {
			return relay.Reply{}, false
		}
		return b.reply(ev.Channel, ev.User, ev.TimeStamp, ev.ThreadTimeStamp, ev.Text)
	default:
		return relay.Reply{}, false
	}
}

// reply keeps only messages inside a thread of the helpdesk channel.
func (b *Bot) reply(channel, user, ts, threadTS, text string) (relay.Reply, bool) {
	logger := b.Logger.With().Str("channel", channel).Str("thread_ts", threadTS).Logger()

	if b.Channel != "" && channel != b.Channel {
		logger.Debug().Msg("skipped: other channel")
		return relay.Reply{}, false
	}
	if threadTS == "" || threadTS == ts {
		logger.Debug().Msg("skipped: not a thread reply")
		return relay.Reply{}, false
	}

	text = message.StripMention(text)
	if text == "" {
		logger.Debug().Msg("skipped: text is empty after stripping mention")
		return relay.Reply{}, false
	}

	if !b.seen.add(channel + "/" + ts) {
		logger.Debug().Str("ts", ts).Msg("skipped: already relayed")
		return relay.Reply{}, false
	}

	logger.Debug().Str("user", user).Str("text", message.Truncate(text, 80)).Msg("thread reply")
	return relay.Reply{ThreadID: threadTS, Text: text, User: user}, true
}
