package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/readout-worker/internal/errors"
	"github.com/adverant/nexus/readout-worker/internal/processor"
)

// DefaultPollInterval is how often AsynqClient checks a task for its result
const DefaultPollInterval = 100 * time.Millisecond

// AsynqClient enqueues recognition tasks for a Consumer and reads their results
// through the inspector
type AsynqClient struct {
	client       *asynq.Client
	inspector    *asynq.Inspector
	queue        string
	retention    time.Duration
	replyTimeout time.Duration
	pollInterval time.Duration
}

// AsynqClientConfig holds client configuration
type AsynqClientConfig struct {
	RedisURL  string
	QueueName string
	// Retention must cover the wait, otherwise the result can expire before it is read
	Retention    time.Duration
	ReplyTimeout time.Duration
	PollInterval time.Duration
}

// NewAsynqClient creates a new asynq recognition client
func NewAsynqClient(cfg AsynqClientConfig) (*AsynqClient, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultQueueName
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	return &AsynqClient{
		client:       asynq.NewClient(redisOpt),
		inspector:    asynq.NewInspector(redisOpt),
		queue:        cfg.QueueName,
		retention:    cfg.Retention,
		replyTimeout: cfg.ReplyTimeout,
		pollInterval: cfg.PollInterval,
	}, nil
}

// Enqueue submits a recognition task and returns its task id
func (c *AsynqClient) Enqueue(ctx context.Context, req *processor.RecognizeRequest) (string, error) {
	task, err := NewRecognizeTask(req, c.queue, c.retention)
	if err != nil {
		return "", err
	}
	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue recognition task: %w", err)
	}
	return info.ID, nil
}

// Wait polls the task until it has a result or the wait times out
func (c *AsynqClient) Wait(ctx context.Context, id string, wait time.Duration) (*processor.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		info, err := c.inspector.GetTaskInfo(c.queue, id)
		switch {
		case err == nil:
			resp, done, err := responseFromTaskInfo(info)
			if err != nil || done {
				return resp, err
			}
		case stderrors.Is(err, asynq.ErrTaskNotFound), stderrors.Is(err, asynq.ErrQueueNotFound):
			// not visible yet
		default:
			return nil, fmt.Errorf("failed to inspect task %s: %w", id, err)
		}

		select {
		case <-ctx.Done():
			return nil, errors.NewTimeoutError(wait, nil, fmt.Errorf("no result for %s", id)).WithRequestID(id)
		case <-ticker.C:
		}
	}
}

// Recognize enqueues one request and blocks for its response.
// A recognition failure is a Response with OK false, not an error.
func (c *AsynqClient) Recognize(ctx context.Context, req *processor.RecognizeRequest) (*processor.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	withID := *req
	if withID.RequestID == "" {
		// the task id is what Wait looks up
		withID.RequestID = uuid.NewString()
	}

	id, err := c.Enqueue(ctx, &withID)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx, id, replyWait(c.replyTimeout, &withID))
}

// Close closes the client and the inspector
func (c *AsynqClient) Close() error {
	return stderrors.Join(c.client.Close(), c.inspector.Close())
}

// responseFromTaskInfo reports whether the task is finished and, if so, its response.
// Recognition failures are completed tasks; an archived task failed in the handler itself.
func responseFromTaskInfo(info *asynq.TaskInfo) (*processor.Response, bool, error) {
	switch info.State {
	case asynq.TaskStateCompleted:
		var resp processor.Response
		if err := json.Unmarshal(info.Result, &resp); err != nil {
			return nil, true, fmt.Errorf("failed to unmarshal result of %s: %w", info.ID, err)
		}
		return &resp, true, nil
	case asynq.TaskStateArchived:
		failure := errors.NewBackendCrashedError("", fmt.Sprintf("task failed: %s", info.LastErr), nil).WithRequestID(info.ID)
		return processor.BuildResponse(nil, failure, 0), true, nil
	default:
		return nil, false, nil
	}
}
