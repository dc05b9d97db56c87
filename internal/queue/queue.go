// Package queue is the Redis ingestion surface: document-store frontends push
// access requests onto a list and the engine pops them for scoring.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sentinelsec/docrisk/internal/anomaly"
	"github.com/sentinelsec/docrisk/internal/features"
	"github.com/sentinelsec/docrisk/internal/models"
)

const (
	accessRequestsKey = "docrisk:access:requests"
	invalidPayloadKey = "docrisk:access:invalid"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Queue struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// accessPayload is the wire form of one queued access request. Timestamp is
// lenient: RFC3339 or a bare "2006-01-02 15:04:05" reading, empty meaning
// "when dequeued".
type accessPayload struct {
	UserID       string        `json:"user_id"`
	DocumentID   *uuid.UUID    `json:"document_id,omitempty"`
	DocumentName string        `json:"document_name,omitempty"`
	Action       models.Action `json:"action"`
	Department   string        `json:"department,omitempty"`
	Timestamp    string        `json:"timestamp,omitempty"`
}

func decodeAccessRequest(data []byte) (*anomaly.AccessRequest, error) {
	var payload accessPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("unmarshaling access request: %w", err)
	}

	req := &anomaly.AccessRequest{
		UserID:       payload.UserID,
		DocumentID:   payload.DocumentID,
		DocumentName: payload.DocumentName,
		Action:       payload.Action,
		Department:   payload.Department,
	}
	if payload.Timestamp != "" {
		ts, err := features.ParseTimestamp(payload.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("parsing access timestamp: %w", err)
		}
		req.OccurredAt = ts
	}
	return req, nil
}

// Enqueue pushes an access request for scoring.
func (q *Queue) Enqueue(ctx context.Context, req *anomaly.AccessRequest) error {
	payload := accessPayload{
		UserID:       req.UserID,
		DocumentID:   req.DocumentID,
		DocumentName: req.DocumentName,
		Action:       req.Action,
		Department:   req.Department,
	}
	if !req.OccurredAt.IsZero() {
		payload.Timestamp = req.OccurredAt.Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling access request: %w", err)
	}

	if err := q.client.RPush(ctx, accessRequestsKey, data).Err(); err != nil {
		return fmt.Errorf("enqueueing access request: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next access request. A nil request
// with nil error means the timeout elapsed with the queue empty. Payloads
// that fail to decode are parked on a dead-letter list.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*anomaly.AccessRequest, error) {
	results, err := q.client.BLPop(ctx, timeout, accessRequestsKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeuing access request: %w", err)
	}
	if len(results) < 2 {
		return nil, nil
	}

	req, err := decodeAccessRequest([]byte(results[1]))
	if err != nil {
		q.client.RPush(ctx, invalidPayloadKey, results[1])
		return nil, err
	}
	return req, nil
}

// Depth reports the number of pending access requests.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, accessRequestsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("reading queue depth: %w", err)
	}
	return n, nil
}
