package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
)

const (
	skCorrelation = "CORRELATION"
	skThread      = "THREAD"
	skLog         = "LOG"

	// appendAttempts bounds the update/put race on an expired log item.
	appendAttempts = 3
)

// dynamodbAPI is the subset of the DynamoDB client used by Dynamo.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Dynamo is a Store backed by a single DynamoDB table keyed by PK/SK, with
// table TTL enabled on the "ttl" attribute. DynamoDB removes expired items
// lazily, so every read also checks the ttl itself.
//
// Items:
//
//	THREAD#<thread> / CORRELATION   thread -> question, user
//	USER#<user>     / THREAD        user -> thread
//	USER#<user>     / LOG           messages list
type Dynamo struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

type logItem struct {
	Messages []string `dynamodbav:"messages"`
	TTL      int64    `dynamodbav:"ttl"`
}

// DynamoOption configures a Dynamo store.
type DynamoOption func(*Dynamo)

// WithDynamoClock replaces time.Now, mostly for tests.
func WithDynamoClock(now func() time.Time) DynamoOption {
	return func(d *Dynamo) { d.now = now }
}

// WithDynamoLogger sets the logger for failures that are not returned.
func WithDynamoLogger(l zerolog.Logger) DynamoOption {
	return func(d *Dynamo) { d.logger = l }
}

// NewDynamo creates a Store on tableName.
func NewDynamo(api dynamodbAPI, tableName string, ttl time.Duration, opts ...DynamoOption) (*Dynamo, error) {
	if api == nil {
		return nil, errors.New("store: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("store: table name must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	d := &Dynamo{api: api, tableName: tableName, ttl: ttl, now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func threadPK(threadID string) string { return "THREAD#" + threadID }

func userPK(userID string) string { return "USER#" + userID }

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func (d *Dynamo) expiry(ttl time.Duration) int64 {
	return d.now().Add(ttl).Unix()
}

func (d *Dynamo) live(ttl int64) bool {
	return ttl > d.now().Unix()
}

// AppendMessage appends text to the user's log and then refreshes the user's
// correlation. Once the log write has succeeded the message is stored, so a
// failed refresh is logged and not returned.
func (d *Dynamo) AppendMessage(ctx context.Context, userID, text string) error {
	for range appendAttempts {
		err := d.appendExisting(ctx, userID, text)
		if err == nil {
			d.refreshAfterAppend(ctx, userID)
			return nil
		}
		if !isConditionFailed(err) {
			return fmt.Errorf("store: AppendMessage: %w", err)
		}

		// The log item exists but has expired; start a fresh one unless a
		// concurrent append already did.
		err = d.putFresh(ctx, userID, text)
		if err == nil {
			d.refreshAfterAppend(ctx, userID)
			return nil
		}
		if !isConditionFailed(err) {
			return fmt.Errorf("store: AppendMessage: %w", err)
		}
	}
	return fmt.Errorf("store: AppendMessage: log for %s kept changing", userID)
}

func (d *Dynamo) appendExisting(ctx context.Context, userID, text string) error {
	messages := expression.Name("messages")
	update := expression.
		Set(messages, expression.ListAppend(
			expression.IfNotExists(messages, expression.Value([]string{})),
			expression.Value([]string{text}),
		)).
		Set(expression.Name("ttl"), expression.Value(d.expiry(d.ttl)))
	cond := expression.Or(
		expression.AttributeNotExists(expression.Name("PK")),
		expression.Name("ttl").GreaterThan(expression.Value(d.now().Unix())),
	)
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("build append expression: %w", err)
	}

	_, err = d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.tableName),
		Key:                       key(userPK(userID), skLog),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	return err
}

func (d *Dynamo) putFresh(ctx context.Context, userID, text string) error {
	item, err := attributevalue.MarshalMap(logItem{Messages: []string{text}, TTL: d.expiry(d.ttl)})
	if err != nil {
		return fmt.Errorf("marshal log: %w", err)
	}
	for k, v := range key(userPK(userID), skLog) {
		item[k] = v
	}
	cond := expression.Name("ttl").LessThanEqual(expression.Value(d.now().Unix()))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("build put expression: %w", err)
	}

	_, err = d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(d.tableName),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	return err
}

func (d *Dynamo) refreshAfterAppend(ctx context.Context, userID string) {
	if err := d.refreshCorrelation(ctx, userID); err != nil {
		d.logger.Warn().Err(err).Str("user_id", userID).Msg("message stored but correlation ttl not refreshed")
	}
}

// refreshCorrelation extends both correlation items of userID to the store
// ttl in one transaction, so they never expire apart.
func (d *Dynamo) refreshCorrelation(ctx context.Context, userID string) error {
	c, ok, err := d.getCorrelation(ctx, userPK(userID), skThread)
	if err != nil {
		return fmt.Errorf("store: refresh correlation: %w", err)
	}
	if !ok || c.UserID != userID {
		return nil
	}

	exp := d.expiry(d.ttl)
	update := expression.Set(expression.Name("ttl"), expression.Value(exp))
	cond := expression.And(
		expression.Name("threadId").Equal(expression.Value(c.ThreadID)),
		expression.Name("userId").Equal(expression.Value(userID)),
		expression.Name("ttl").LessThan(expression.Value(exp)),
	)
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("store: build refresh expression: %w", err)
	}

	items := make([]types.TransactWriteItem, 0, 2)
	for _, k := range []map[string]types.AttributeValue{
		key(threadPK(c.ThreadID), skCorrelation),
		key(userPK(userID), skThread),
	} {
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName:                 aws.String(d.tableName),
				Key:                       k,
				UpdateExpression:          expr.Update(),
				ConditionExpression:       expr.Condition(),
				ExpressionAttributeNames:  expr.Names(),
				ExpressionAttributeValues: expr.Values(),
			},
		})
	}

	_, err = d.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			// Already fresh, or replaced by a newer correlation.
			return nil
		}
		return fmt.Errorf("store: refresh correlation: %w", err)
	}
	return nil
}

func (d *Dynamo) RecordCorrelation(ctx context.Context, threadID, questionID, userID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = d.ttl
	}
	item, err := attributevalue.MarshalMap(Correlation{
		ThreadID:   threadID,
		QuestionID: questionID,
		UserID:     userID,
		TTL:        d.expiry(ttl),
	})
	if err != nil {
		return fmt.Errorf("store: RecordCorrelation marshal: %w", err)
	}

	_, err = d.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String(d.tableName), Item: withKey(item, threadPK(threadID), skCorrelation)}},
			{Put: &types.Put{TableName: aws.String(d.tableName), Item: withKey(item, userPK(userID), skThread)}},
		},
	})
	if err != nil {
		return fmt.Errorf("store: RecordCorrelation: %w", err)
	}
	return nil
}

func withKey(item map[string]types.AttributeValue, pk, sk string) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item)+2)
	for k, v := range item {
		out[k] = v
	}
	for k, v := range key(pk, sk) {
		out[k] = v
	}
	return out
}

func (d *Dynamo) ResolveUser(ctx context.Context, threadID string) (string, bool, error) {
	c, ok, err := d.getCorrelation(ctx, threadPK(threadID), skCorrelation)
	if err != nil {
		return "", false, fmt.Errorf("store: ResolveUser: %w", err)
	}
	return c.UserID, ok, nil
}

func (d *Dynamo) ResolveQuestion(ctx context.Context, threadID string) (string, bool, error) {
	c, ok, err := d.getCorrelation(ctx, threadPK(threadID), skCorrelation)
	if err != nil {
		return "", false, fmt.Errorf("store: ResolveQuestion: %w", err)
	}
	return c.QuestionID, ok, nil
}

func (d *Dynamo) LookupThread(ctx context.Context, userID string) (string, bool, error) {
	c, ok, err := d.getCorrelation(ctx, userPK(userID), skThread)
	if err != nil {
		return "", false, fmt.Errorf("store: LookupThread: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	// The thread may since have been recorded for another user.
	owner, ok, err := d.getCorrelation(ctx, threadPK(c.ThreadID), skCorrelation)
	if err != nil {
		return "", false, fmt.Errorf("store: LookupThread: %w", err)
	}
	if !ok || owner.UserID != userID {
		return "", false, nil
	}
	return c.ThreadID, true, nil
}

func (d *Dynamo) getCorrelation(ctx context.Context, pk, sk string) (Correlation, bool, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            key(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Correlation{}, false, err
	}
	if out == nil || len(out.Item) == 0 {
		return Correlation{}, false, nil
	}
	var c Correlation
	if err := attributevalue.UnmarshalMap(out.Item, &c); err != nil {
		return Correlation{}, false, fmt.Errorf("unmarshal correlation: %w", err)
	}
	if !d.live(c.TTL) {
		return Correlation{}, false, nil
	}
	return c, true, nil
}

func (d *Dynamo) ReadLog(ctx context.Context, userID string) ([]string, bool, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            key(userPK(userID), skLog),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("store: ReadLog: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, false, nil
	}
	var l logItem
	if err := attributevalue.UnmarshalMap(out.Item, &l); err != nil {
		return nil, false, fmt.Errorf("store: ReadLog unmarshal: %w", err)
	}
	if !d.live(l.TTL) || len(l.Messages) == 0 {
		return nil, false, nil
	}
	return l.Messages, true, nil
}

// DeleteCorrelation removes the thread's correlation without reading first.
// Question and user live in the one thread item, so they go together. The
// user's reverse entry is removed only while it still points at threadID; if
// that second delete fails, LookupThread ignores it because it checks the
// thread item too.
func (d *Dynamo) DeleteCorrelation(ctx context.Context, threadID string) error {
	out, err := d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(d.tableName),
		Key:          key(threadPK(threadID), skCorrelation),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return fmt.Errorf("store: DeleteCorrelation: %w", err)
	}
	if out == nil || len(out.Attributes) == 0 {
		return nil
	}
	var c Correlation
	if err := attributevalue.UnmarshalMap(out.Attributes, &c); err != nil {
		return fmt.Errorf("store: DeleteCorrelation unmarshal: %w", err)
	}

	cond := expression.Name("threadId").Equal(expression.Value(threadID))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("store: build delete expression: %w", err)
	}
	_, err = d.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(d.tableName),
		Key:                       key(userPK(c.UserID), skThread),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil && !isConditionFailed(err) {
		d.logger.Warn().Err(err).Str("thread_id", threadID).Str("user_id", c.UserID).Msg("reverse entry not deleted")
	}
	return nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
