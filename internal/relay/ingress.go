package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nktks/slack-helpdesk/internal/message"
)

// QuestionRequest is a new question from an anonymous user.
type QuestionRequest struct {
	Name string `json:"user_name"`
	Text string `json:"question_text"`
}

// CreateQuestion opens a thread for req and returns the generated user id,
// which is also the question id. On failure nothing is recorded locally; a
// thread created before a failed post is left to the platform's retention.
func (r *Relay) CreateQuestion(ctx context.Context, req QuestionRequest) (string, error) {
	if err := r.validateQuestion(req); err != nil {
		r.metrics.Questions.WithLabelValues("invalid").Inc()
		return "", err
	}

	userID := r.newID()
	logger := r.logger.With().Str("user_id", userID).Logger()

	threadID, err := r.callGateway(ctx, "create_thread", func(ctx context.Context) (string, error) {
		return r.gateway.CreateThread(ctx, message.ThreadTitle(req.Name))
	})
	if err != nil {
		logger.Error().Err(err).Msg("create thread failed")
		r.metrics.Questions.WithLabelValues("upstream_error").Inc()
		return "", newError(ErrorUpstream, "create thread", err)
	}
	logger = logger.With().Str("thread_id", threadID).Logger()

	composed := message.Compose(req.Name, req.Text, userID)
	_, err = r.callGateway(ctx, "post_message", func(ctx context.Context) (string, error) {
		return r.gateway.PostMessage(ctx, threadID, composed)
	})
	if err != nil {
		logger.Error().Err(err).Msg("post opening message failed")
		r.metrics.Questions.WithLabelValues("upstream_error").Inc()
		return "", newError(ErrorUpstream, "post opening message", err)
	}

	if err := r.store.RecordCorrelation(ctx, threadID, userID, userID, r.cfg.TTL); err != nil {
		logger.Error().Err(err).Msg("record correlation failed")
		r.metrics.Questions.WithLabelValues("internal_error").Inc()
		return "", newError(ErrorInternal, "record correlation", err)
	}

	if err := r.store.AppendMessage(ctx, userID, composed); err != nil {
		logger.Error().Err(err).Msg("append opening message failed")
		if derr := r.store.DeleteCorrelation(context.WithoutCancel(ctx), threadID); derr != nil {
			logger.Error().Err(derr).Msg("roll back correlation failed")
		}
		r.metrics.Questions.WithLabelValues("internal_error").Inc()
		return "", newError(ErrorInternal, "append opening message", err)
	}

	r.metrics.Questions.WithLabelValues("created").Inc()
	logger.Info().Msg("question created")
	return userID, nil
}

// AcceptLive records a message received from userID's live channel. Blank
// messages are ignored. A user whose correlation has expired gets
// ErrorExpired and nothing is stored, since staff replies could no longer
// reach them. When mirroring is enabled the message is also posted into the
// user's thread; a mirror failure is logged, not returned, since the message
// is already stored.
func (r *Relay) AcceptLive(ctx context.Context, userID, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if err := r.validate.Var(text, fmt.Sprintf("max=%d", r.cfg.TextMaxLen)); err != nil {
		return newError(ErrorInvalidInput, fmt.Sprintf("message longer than %d characters", r.cfg.TextMaxLen), err)
	}

	threadID, ok, err := r.store.LookupThread(ctx, userID)
	if err != nil {
		return newError(ErrorInternal, "lookup thread", err)
	}
	if !ok {
		r.logger.Info().Str("user_id", userID).Msg("live message for expired conversation")
		return newError(ErrorExpired, "conversation expired", nil)
	}

	if err := r.store.AppendMessage(ctx, userID, text); err != nil {
		return newError(ErrorInternal, "append live message", err)
	}
	r.metrics.LiveMessages.Inc()

	if r.cfg.MirrorUserMessages {
		r.mirror(ctx, userID, threadID, text)
	}
	return nil
}

func (r *Relay) mirror(ctx context.Context, userID, threadID, text string) {
	logger := r.logger.With().Str("user_id", userID).Logger()

	_, err := r.callGateway(ctx, "post_message", func(ctx context.Context) (string, error) {
		return r.gateway.PostMessage(ctx, threadID, text)
	})
	if err != nil {
		logger.Warn().Err(err).Str("thread_id", threadID).Msg("mirror: post failed")
	}
}

func (r *Relay) validateQuestion(req QuestionRequest) error {
	checks := []struct {
		field string
		value string
		tag   string
	}{
		{"user_name", req.Name, fmt.Sprintf("required,alphanum,max=%d", r.cfg.NameMaxLen)},
		{"question_text", strings.TrimSpace(req.Text), "required"},
		{"question_text", req.Text, fmt.Sprintf("max=%d", r.cfg.TextMaxLen)},
	}
	for _, c := range checks {
		if err := r.validate.Var(c.value, c.tag); err != nil {
			return newError(ErrorInvalidInput, describe(c.field, err), err)
		}
	}
	return nil
}

func describe(field string, err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return field + " is invalid"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "alphanum":
		return field + " must contain only letters and digits"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
