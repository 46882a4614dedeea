package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/crmkit/impguard/internal/crypto"
)

type EventType string

const (
	EventViolation       EventType = "violation"
	EventForceTerminated EventType = "force_terminated"
	EventLimitsReset     EventType = "limits_reset"
)

// ComplianceEvent is the record shipped to the compliance pipeline whenever
// an impersonation limit is breached or an operator intervenes. The target
// email is encrypted before leaving the process when an encryptor is
// configured.
type ComplianceEvent struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	AdminID         string    `json:"admin_id"`
	SessionID       string    `json:"session_id,omitempty"`
	Type            EventType `json:"type"`
	TargetUserID    string    `json:"target_user_id,omitempty"`
	TargetUserEmail string    `json:"target_user_email,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

type Queue interface {
	Publish(ctx context.Context, event ComplianceEvent) error
	Receive(ctx context.Context, maxMessages int) ([]ComplianceEvent, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type SQSQueue struct {
	client    *sqs.Client
	queueURL  string
	encryptor *crypto.Encryptor
}

func NewSQSQueue(ctx context.Context, region, queueURL string, encryptor *crypto.Encryptor) (*SQSQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SQSQueue{
		client:    sqs.NewFromConfig(cfg),
		queueURL:  queueURL,
		encryptor: encryptor,
	}, nil
}

func NewSQSQueueWithConfig(cfg aws.Config, queueURL string, encryptor *crypto.Encryptor) *SQSQueue {
	return &SQSQueue{
		client:    sqs.NewFromConfig(cfg),
		queueURL:  queueURL,
		encryptor: encryptor,
	}
}

func (q *SQSQueue) Publish(ctx context.Context, event ComplianceEvent) error {
	if q.encryptor != nil && event.TargetUserEmail != "" {
		encrypted, err := q.encryptor.Encrypt(event.TargetUserEmail)
		if err != nil {
			return fmt.Errorf("encrypt target email: %w", err)
		}
		event.TargetUserEmail = encrypted
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"TenantID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.TenantID),
			},
			"EventType": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Type)),
			},
		},
	}

	_, err = q.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, maxMessages int) ([]ComplianceEvent, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       20,
		MessageAttributeNames: []string{"All"},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	events := make([]ComplianceEvent, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var event ComplianceEvent
		if err := json.Unmarshal([]byte(*msg.Body), &event); err != nil {
			slog.Warn("failed to unmarshal compliance event", "error", err)
			continue
		}
		events = append(events, event)
	}

	return events, nil
}

func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	_, err := q.client.DeleteMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	return nil
}

type InMemoryQueue struct {
	mu        sync.Mutex
	events    []ComplianceEvent
	encryptor *crypto.Encryptor
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		events: make([]ComplianceEvent, 0),
	}
}

func NewInMemoryQueueWithEncryptor(encryptor *crypto.Encryptor) *InMemoryQueue {
	return &InMemoryQueue{
		events:    make([]ComplianceEvent, 0),
		encryptor: encryptor,
	}
}

func (q *InMemoryQueue) Publish(ctx context.Context, event ComplianceEvent) error {
	if q.encryptor != nil && event.TargetUserEmail != "" {
		encrypted, err := q.encryptor.Encrypt(event.TargetUserEmail)
		if err != nil {
			return fmt.Errorf("encrypt target email: %w", err)
		}
		event.TargetUserEmail = encrypted
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, event)
	return nil
}

func (q *InMemoryQueue) Receive(ctx context.Context, maxMessages int) ([]ComplianceEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := maxMessages
	if count > len(q.events) {
		count = len(q.events)
	}

	result := make([]ComplianceEvent, count)
	copy(result, q.events[:count])
	q.events = q.events[count:]

	return result, nil
}

func (q *InMemoryQueue) Delete(ctx context.Context, receiptHandle string) error {
	return nil
}

func (q *InMemoryQueue) GetEvents() []ComplianceEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]ComplianceEvent, len(q.events))
	copy(result, q.events)
	return result
}
