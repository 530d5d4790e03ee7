package relay

import (
	"context"
	"iter"
	"strings"
)

// Reply is a message observed in a remote thread.
type Reply struct {
	ThreadID string
	Text     string
	User     string
}

// Outcome is what Deliver did with a reply.
type Outcome int

const (
	// OutcomeIgnored: not a thread reply, or empty.
	OutcomeIgnored Outcome = iota
	// OutcomeDropped: the thread has no live correlation.
	OutcomeDropped
	// OutcomeDelivered: pushed over the user's live channel.
	OutcomeDelivered
	// OutcomeAppended: stored in the user's log for later retrieval.
	OutcomeAppended
	// OutcomeFailed: neither path succeeded because the store failed.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeDropped:
		return "dropped"
	case OutcomeDelivered:
		return "delivered"
	case OutcomeAppended:
		return "appended"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Deliver routes one reply to its user. Exactly one of live delivery or
// durable append happens; a broken live channel falls back to the append.
func (r *Relay) Deliver(ctx context.Context, reply Reply) Outcome {
	outcome := r.deliver(ctx, reply)
	r.metrics.Replies.WithLabelValues(outcome.String()).Inc()
	return outcome
}

func (r *Relay) deliver(ctx context.Context, reply Reply) Outcome {
	if reply.ThreadID == "" || strings.TrimSpace(reply.Text) == "" {
		return OutcomeIgnored
	}
	logger := r.logger.With().Str("thread_id", reply.ThreadID).Logger()

	userID, ok, err := r.store.ResolveUser(ctx, reply.ThreadID)
	if err != nil {
		logger.Error().Err(err).Msg("resolve user failed")
		return OutcomeFailed
	}
	if !ok {
		logger.Info().Msg("no correlation for thread, dropping reply")
		return OutcomeDropped
	}
	logger = logger.With().Str("user_id", userID).Logger()

	if r.live.IsLive(userID) {
		delivered, err := r.live.Send(ctx, userID, reply.Text)
		if err != nil {
			logger.Warn().Err(err).Msg("live delivery failed, appending to log")
		}
		if delivered {
			logger.Debug().Msg("reply delivered live")
			return OutcomeDelivered
		}
	}

	if err := r.store.AppendMessage(ctx, userID, reply.Text); err != nil {
		logger.Error().Err(err).Msg("append reply failed")
		return OutcomeFailed
	}
	logger.Debug().Msg("reply appended to log")
	return OutcomeAppended
}

// Run delivers replies one at a time until the sequence ends or ctx is
// cancelled. Sequential delivery keeps each user's replies in order.
func (r *Relay) Run(ctx context.Context, replies iter.Seq[Reply]) error {
	for reply := range replies {
		if ctx.Err() != nil {
			break
		}
		r.Deliver(ctx, reply)
	}
	return ctx.Err()
}
