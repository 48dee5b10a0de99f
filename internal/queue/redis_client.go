package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/readout-worker/internal/errors"
	"github.com/adverant/nexus/readout-worker/internal/processor"
)

// replyMargin is how long the caller waits past the request's own budget
const replyMargin = 5 * time.Second

// RedisClient submits recognition requests to a RedisConsumer and waits for the answer
type RedisClient struct {
	client       *redis.Client
	ownsClient   bool
	keys         Keys
	replyTimeout time.Duration
}

// RedisClientConfig holds client configuration
type RedisClientConfig struct {
	RedisURL  string
	Client    *redis.Client
	QueueName string
	// ReplyTimeout bounds the wait for a reply when ctx has no deadline.
	// Zero derives it from the request timeout, or processor.DefaultTimeout.
	ReplyTimeout time.Duration
}

// NewRedisClient creates a new remote recognition client
func NewRedisClient(cfg RedisClientConfig) (*RedisClient, error) {
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultQueueName
	}
	client, owns, err := connect(cfg.Client, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return &RedisClient{
		client:       client,
		ownsClient:   owns,
		keys:         Keys{Queue: cfg.QueueName},
		replyTimeout: cfg.ReplyTimeout,
	}, nil
}

// Submit stores the job and pushes its id onto the queue, returning the id
func (c *RedisClient) Submit(ctx context.Context, req *processor.RecognizeRequest) (string, error) {
	if req == nil {
		return "", fmt.Errorf("request is required")
	}
	id := req.RequestID
	if id == "" {
		id = uuid.NewString()
	}

	payload := *req
	payload.RequestID = id
	job := RedisJob{
		ID:        id,
		Type:      JobTypeRecognize,
		Payload:   RecognizePayload{RecognizeRequest: payload},
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := c.client.HSet(ctx, c.keys.Data(), id, data).Err(); err != nil {
		return "", fmt.Errorf("failed to store job %s: %w", id, err)
	}
	if err := c.client.LPush(ctx, c.keys.Queue, id).Err(); err != nil {
		c.client.HDel(ctx, c.keys.Data(), id)
		return "", fmt.Errorf("failed to enqueue job %s: %w", id, err)
	}
	return id, nil
}

// Wait blocks until the reply for id arrives or the wait times out
func (c *RedisClient) Wait(ctx context.Context, id string, wait time.Duration) (*processor.Response, error) {
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	if wait < time.Second {
		// BLPOP has one second resolution
		wait = time.Second
	}

	result, err := c.client.BLPop(ctx, wait, c.keys.Reply(id)).Result()
	if err == redis.Nil {
		return nil, errors.NewTimeoutError(wait, nil, fmt.Errorf("no reply for %s", id)).WithRequestID(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to wait for reply %s: %w", id, err)
	}
	if len(result) < 2 {
		return nil, fmt.Errorf("invalid reply for %s", id)
	}

	var resp processor.Response
	if err := json.Unmarshal([]byte(result[1]), &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply %s: %w", id, err)
	}
	return &resp, nil
}

// Recognize submits one request and blocks for its response.
// A recognition failure is a Response with OK false, not an error.
func (c *RedisClient) Recognize(ctx context.Context, req *processor.RecognizeRequest) (*processor.Response, error) {
	id, err := c.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	return c.Wait(ctx, id, replyWait(c.replyTimeout, req))
}

// replyWait is configured when positive, otherwise the request budget plus replyMargin
func replyWait(configured time.Duration, req *processor.RecognizeRequest) time.Duration {
	if configured > 0 {
		return configured
	}
	wait := processor.DefaultTimeout
	if req.TimeoutMs > 0 {
		wait = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	return wait + replyMargin
}

// Close closes the connection if the client opened it
func (c *RedisClient) Close() error {
	if c.ownsClient {
		return c.client.Close()
	}
	return nil
}
