package inbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wolfman30/chat-agent/pkg/logging"
)

const runTTL = 72 * time.Hour

// RunStatus is the lifecycle of one inbound run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

var (
	// ErrRunExists is returned by Begin when the message id was already accepted.
	ErrRunExists   = errors.New("inbound: run already exists")
	ErrRunNotFound = errors.New("inbound: run not found")
)

// RunRecord is the ledger entry for one inbound message id.
type RunRecord struct {
	RunID          string    `dynamodbav:"runId" json:"run_id"`
	Status         RunStatus `dynamodbav:"status" json:"status"`
	SenderID       string    `dynamodbav:"senderId,omitempty" json:"sender_id,omitempty"`
	ConversationID string    `dynamodbav:"conversationId,omitempty" json:"conversation_id,omitempty"`
	Result         string    `dynamodbav:"result,omitempty" json:"result,omitempty"`
	ErrorMessage   string    `dynamodbav:"errorMessage,omitempty" json:"error_message,omitempty"`
	CreatedAt      string    `dynamodbav:"createdAt" json:"created_at"`
	UpdatedAt      string    `dynamodbav:"updatedAt" json:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expiresAt,omitempty" json:"-"`
}

// RunRecorder is used by the webhook side.
type RunRecorder interface {
	Begin(ctx context.Context, run RunRecord) error
	MarkFailed(ctx context.Context, runID, errMsg string) error
}

// RunUpdater is used by the workers.
type RunUpdater interface {
	MarkCompleted(ctx context.Context, runID, conversationID, result string) error
	MarkFailed(ctx context.Context, runID, errMsg string) error
}

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoRunStore keeps the run ledger in a DynamoDB table keyed by runId with
// a TTL attribute on expiresAt.
type DynamoRunStore struct {
	client    dynamoAPI
	tableName string
	logger    *logging.Logger
	now       func() time.Time
}

var (
	_ RunRecorder = (*DynamoRunStore)(nil)
	_ RunUpdater  = (*DynamoRunStore)(nil)
)

func NewDynamoRunStore(client dynamoAPI, tableName string, logger *logging.Logger) *DynamoRunStore {
	if client == nil {
		panic("inbound: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("inbound: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DynamoRunStore{client: client, tableName: tableName, logger: logger, now: time.Now}
}

// Begin inserts a pending run unless one exists for the same id.
func (s *DynamoRunStore) Begin(ctx context.Context, run RunRecord) error {
	if run.RunID == "" {
		return errors.New("inbound: run id required")
	}
	now := s.now().UTC()
	run.Status = RunStatusPending
	run.CreatedAt = now.Format(time.RFC3339Nano)
	run.UpdatedAt = run.CreatedAt
	if run.ExpiresAt == 0 {
		run.ExpiresAt = now.Add(runTTL).Unix()
	}

	item, err := attributevalue.MarshalMap(run)
	if err != nil {
		return fmt.Errorf("inbound: marshal run: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(runId)"),
	})
	if err != nil {
		var conditional *types.ConditionalCheckFailedException
		if errors.As(err, &conditional) {
			return ErrRunExists
		}
		return fmt.Errorf("inbound: persist run: %w", err)
	}
	return nil
}

func (s *DynamoRunStore) MarkCompleted(ctx context.Context, runID, conversationID, result string) error {
	if runID == "" {
		return errors.New("inbound: run id required")
	}
	return s.update(ctx, runID,
		"SET #status = :status, conversationId = :conversation, #result = :result, #updated = :updated",
		map[string]string{"#status": "status", "#result": "result", "#updated": "updatedAt"},
		map[string]types.AttributeValue{
			":status":       &types.AttributeValueMemberS{Value: string(RunStatusCompleted)},
			":conversation": &types.AttributeValueMemberS{Value: conversationID},
			":result":       &types.AttributeValueMemberS{Value: result},
			":updated":      &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)},
		},
	)
}

func (s *DynamoRunStore) MarkFailed(ctx context.Context, runID, errMsg string) error {
	if runID == "" {
		return errors.New("inbound: run id required")
	}
	return s.update(ctx, runID,
		"SET #status = :status, #error = :error, #updated = :updated",
		map[string]string{"#status": "status", "#error": "errorMessage", "#updated": "updatedAt"},
		map[string]types.AttributeValue{
			":status":  &types.AttributeValueMemberS{Value: string(RunStatusFailed)},
			":error":   &types.AttributeValueMemberS{Value: errMsg},
			":updated": &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)},
		},
	)
}

// Get fetches a run by id.
func (s *DynamoRunStore) Get(ctx context.Context, runID string) (*RunRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       map[string]types.AttributeValue{"runId": &types.AttributeValueMemberS{Value: runID}},
	})
	if err != nil {
		return nil, fmt.Errorf("inbound: fetch run: %w", err)
	}
	if out.Item == nil {
		return nil, ErrRunNotFound
	}
	var run RunRecord
	if err := attributevalue.UnmarshalMap(out.Item, &run); err != nil {
		return nil, fmt.Errorf("inbound: decode run: %w", err)
	}
	return &run, nil
}

func (s *DynamoRunStore) update(ctx context.Context, runID, expression string, names map[string]string, values map[string]types.AttributeValue) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       map[string]types.AttributeValue{"runId": &types.AttributeValueMemberS{Value: runID}},
		UpdateExpression:          aws.String(expression),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConditionExpression:       aws.String("attribute_exists(runId)"),
	})
	if err != nil {
		return fmt.Errorf("inbound: update run %s: %w", runID, err)
	}
	return nil
}

// MemoryRunStore is an in-process ledger for local runs.
type MemoryRunStore struct {
	mu   sync.Mutex
	runs map[string]RunRecord
	now  func() time.Time
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]RunRecord), now: time.Now}
}

func (m *MemoryRunStore) Begin(_ context.Context, run RunRecord) error {
	if run.RunID == "" {
		return errors.New("inbound: run id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.RunID]; ok {
		return ErrRunExists
	}
	ts := m.now().UTC().Format(time.RFC3339Nano)
	run.Status = RunStatusPending
	run.CreatedAt, run.UpdatedAt = ts, ts
	m.runs[run.RunID] = run
	return nil
}

func (m *MemoryRunStore) MarkCompleted(_ context.Context, runID, conversationID, result string) error {
	return m.update(runID, func(r *RunRecord) {
		r.Status = RunStatusCompleted
		r.ConversationID = conversationID
		r.Result = result
	})
}

func (m *MemoryRunStore) MarkFailed(_ context.Context, runID, errMsg string) error {
	return m.update(runID, func(r *RunRecord) {
		r.Status = RunStatusFailed
		r.ErrorMessage = errMsg
	})
}

func (m *MemoryRunStore) Get(_ context.Context, runID string) (*RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &r, nil
}

func (m *MemoryRunStore) update(runID string, fn func(*RunRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("inbound: update run %s: %w", runID, ErrRunNotFound)
	}
	fn(&r)
	r.UpdatedAt = m.now().UTC().Format(time.RFC3339Nano)
	m.runs[runID] = r
	return nil
}
