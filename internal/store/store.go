// Package store holds conversation state shared by the relays: per-user
// message logs and the correlation between a Slack thread and the question
// and user that opened it. Every entry expires after a bounded retention
// window; an expired entry is indistinguishable from one never written.
package store

import (
	"context"
	"time"
)

// DefaultTTL is the retention window used when none is configured.
const DefaultTTL = time.Hour

// Store is the correlation store consumed by the relays. Lookups report a
// missing or expired entry with ok=false, never with an error.
type Store interface {
	// AppendMessage appends text to the user's log, creating it if absent,
	// and resets the retention of the log and of the user's correlation.
	AppendMessage(ctx context.Context, userID, text string) error
	// RecordCorrelation maps threadID to questionID and userID. The mappings
	// become visible to readers together and expire together.
	RecordCorrelation(ctx context.Context, threadID, questionID, userID string, ttl time.Duration) error
	ResolveUser(ctx context.Context, threadID string) (userID string, ok bool, err error)
	ResolveQuestion(ctx context.Context, threadID string) (questionID string, ok bool, err error)
	// LookupThread returns the thread recorded for userID.
	LookupThread(ctx context.Context, userID string) (threadID string, ok bool, err error)
	ReadLog(ctx context.Context, userID string) ([]string, bool, error)
	DeleteCorrelation(ctx context.Context, threadID string) error
}

// Correlation ties a thread back to the question and user that spawned it.
type Correlation struct {
	ThreadID   string `dynamodbav:"threadId"`
	QuestionID string `dynamodbav:"questionId"`
	UserID     string `dynamodbav:"userId"`
	TTL        int64  `dynamodbav:"ttl"`
}
