/**
 * Direct Redis Queue Consumer for the readout worker
 *
 * Request/response over plain Redis LIST operations:
 * - producers HSET the job under <queue>:data and LPUSH its id onto <queue>
 * - workers BRPOP an id, run one recognition and LPUSH the response onto <queue>:reply:<id>
 *
 * A failed recognition is a definite answer and is never re-queued.
 */

package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/readout-worker/internal/errors"
	"github.com/adverant/nexus/readout-worker/internal/logging"
	"github.com/adverant/nexus/readout-worker/internal/processor"
)

// Queue defaults
const (
	DefaultQueueName   = "readout:requests"
	DefaultReplyTTL    = 5 * time.Minute
	DefaultPollTimeout = 5 * time.Second
	JobTypeRecognize   = "recognize"
)

var errNoJobs = stderrors.New("no jobs available")

// RedisJob is a recognition request as stored in <queue>:data
type RedisJob struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	Payload   RecognizePayload `json:"payload"`
	CreatedAt time.Time        `json:"createdAt"`
}

// RecognizePayload is a RecognizeRequest whose image bytes may also arrive as imageBuffer,
// either a base64 string or a Node.js Buffer object.
type RecognizePayload struct {
	processor.RecognizeRequest
}

// UnmarshalJSON implements json.Unmarshaler
func (p *RecognizePayload) UnmarshalJSON(data []byte) error {
	var aux struct {
		ImageBuffer interface{} `json:"imageBuffer,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(data, &p.RecognizeRequest); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if aux.ImageBuffer == nil {
		return nil
	}

	buf, err := decodeBuffer(aux.ImageBuffer)
	if err != nil {
		return err
	}
	p.Image.Data = buf
	if p.Image.Format == "" {
		p.Image.Format = processor.DetectFormat(buf)
	}
	return nil
}

func decodeBuffer(v interface{}) ([]byte, error) {
	switch v := v.(type) {
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 imageBuffer: %w", err)
		}
		return decoded, nil

	case map[string]interface{}:
		if bufferType, _ := v["type"].(string); bufferType != "Buffer" {
			return nil, fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("Buffer object missing 'data' array")
		}
		buf := make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return nil, fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			buf[i] = byte(byteVal)
		}
		return buf, nil

	default:
		return nil, fmt.Errorf("imageBuffer must be either base64 string or Buffer object, got %T", v)
	}
}

// Keys derives the Redis keys used for a queue
type Keys struct {
	Queue string
}

func (k Keys) Data() string       { return k.Queue + ":data" }
func (k Keys) Processing() string { return k.Queue + ":processing" }
func (k Keys) Completed() string  { return k.Queue + ":completed" }
func (k Keys) Failed() string     { return k.Queue + ":failed" }
func (k Keys) Events() string     { return k.Queue + ":events" }

// Reply is the list a single response is pushed onto
func (k Keys) Reply(id string) string { return k.Queue + ":reply:" + id }

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client     *redis.Client
	ownsClient bool
	recognizer processor.RecognizerInterface
	config     RedisConsumerConfig
	keys       Keys
	logger     *logging.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL    string
	Client      *redis.Client // used instead of RedisURL when set
	QueueName   string
	Concurrency int
	Recognizer  processor.RecognizerInterface
	ReplyTTL    time.Duration
	PollTimeout time.Duration
	// ProcessingTimeout caps one job on top of the recognizer's own budget. Zero means no cap.
	ProcessingTimeout time.Duration
	Logger            *logging.Logger
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.Recognizer == nil {
		return nil, fmt.Errorf("Recognizer is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultQueueName
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ReplyTTL <= 0 {
		cfg.ReplyTTL = DefaultReplyTTL
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	client, owns, err := connect(cfg.Client, cfg.RedisURL)
	if err != nil {
		return nil, err
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:     client,
		ownsClient: owns,
		recognizer: cfg.Recognizer,
		config:     cfg,
		keys:       Keys{Queue: cfg.QueueName},
		logger:     cfg.Logger.Named("redis-consumer").With("queue", cfg.QueueName),
		ctx:        consumerCtx,
		cancel:     cancel,
	}, nil
}

// connect returns the given client, or dials redisURL and pings it
func connect(client *redis.Client, redisURL string) (*redis.Client, bool, error) {
	if client != nil {
		return client, false, nil
	}
	if redisURL == "" {
		return nil, false, fmt.Errorf("RedisURL is required")
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client = redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, false, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, true, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	c.logger.Info("Queue consumer started successfully")
	return nil
}

// Stop gracefully stops the consumer. In-flight recognitions finish first.
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	if c.ownsClient {
		return c.client.Close()
	}
	return nil
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	log := c.logger.With("worker", id)
	log.Debug("Worker started")

	for {
		select {
		case <-c.ctx.Done():
			log.Debug("Worker stopping")
			return
		default:
		}

		if err := c.processNextJob(); err != nil {
			if stderrors.Is(err, errNoJobs) || c.ctx.Err() != nil {
				continue
			}
			log.Error("Worker error", "error", err)
			select {
			case <-c.ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// processNextJob fetches and answers the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, c.config.PollTimeout, c.keys.Queue).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}
	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}
	jobID := result[1]

	// The job is consumed from here on, so every path below must answer it
	ctx := context.WithoutCancel(c.ctx)

	jobData, err := c.client.HGet(ctx, c.keys.Data(), jobID).Result()
	if err != nil {
		c.answer(ctx, jobID, invalidResponse(jobID, "job data not found"))
		return fmt.Errorf("failed to get job data for %s: %w", jobID, err)
	}
	c.client.HDel(ctx, c.keys.Data(), jobID)

	var job RedisJob
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.answer(ctx, jobID, invalidResponse(jobID, err.Error()))
		return fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	if job.Type != "" && job.Type != JobTypeRecognize {
		c.answer(ctx, jobID, invalidResponse(jobID, fmt.Sprintf("unsupported job type %q", job.Type)))
		return fmt.Errorf("job %s has unsupported type %q", jobID, job.Type)
	}

	c.updateJobStatus(ctx, jobID, "processing", nil)
	c.answer(ctx, jobID, c.processJob(ctx, jobID, &job))
	return nil
}

// processJob runs one recognition
func (c *RedisConsumer) processJob(ctx context.Context, jobID string, job *RedisJob) *processor.Response {
	req := job.Payload.RecognizeRequest
	if req.RequestID == "" {
		req.RequestID = jobID
	}

	if c.config.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ProcessingTimeout)
		defer cancel()
	}

	c.logger.Info("Processing job", "job", jobID, "profile", req.Profile)
	return processor.Run(ctx, c.recognizer, &req)
}

// answer pushes the response onto the reply list and records the outcome
func (c *RedisConsumer) answer(ctx context.Context, jobID string, resp *processor.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("Failed to marshal response", "job", jobID, "error", err)
		resp, data = unencodableResponse(jobID, resp, err)
	}

	replyKey := c.keys.Reply(jobID)
	if _, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, replyKey, data)
		pipe.Expire(ctx, replyKey, c.config.ReplyTTL)
		return nil
	}); err != nil {
		c.logger.Error("Failed to push reply", "job", jobID, "error", err)
	}

	if resp.OK {
		c.updateJobStatus(ctx, jobID, "completed", resp)
		c.logger.Info("Job completed", "job", jobID, "text", resp.Text, "backend", resp.Backend)
	} else {
		c.updateJobStatus(ctx, jobID, "failed", resp)
		c.logger.Warn("Job failed", "job", jobID, "error_code", resp.Error["error_code"])
	}
}

// updateJobStatus moves the job between the status sets and publishes an event
func (c *RedisConsumer) updateJobStatus(ctx context.Context, jobID, status string, resp *processor.Response) {
	switch status {
	case "processing":
		c.client.SAdd(ctx, c.keys.Processing(), jobID)
	case "completed":
		c.client.SRem(ctx, c.keys.Processing(), jobID)
		c.client.SAdd(ctx, c.keys.Completed(), jobID)
	case "failed":
		c.client.SRem(ctx, c.keys.Processing(), jobID)
		c.client.SAdd(ctx, c.keys.Failed(), jobID)
	}

	event := map[string]interface{}{
		"event":     fmt.Sprintf("request:%s", status),
		"requestId": jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if resp != nil {
		event["ok"] = resp.OK
		if resp.OK {
			event["text"] = resp.Text
		} else if code, ok := resp.Error["error_code"]; ok {
			event["errorCode"] = code
		}
	}
	eventData, _ := json.Marshal(event)
	c.client.Publish(ctx, c.keys.Events(), eventData)
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	return queueStats(ctx, c.client, c.keys)
}

func queueStats(ctx context.Context, client *redis.Client, keys Keys) (map[string]int64, error) {
	waiting, err := client.LLen(ctx, keys.Queue).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read queue length: %w", err)
	}
	processing, err := client.SCard(ctx, keys.Processing()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read processing set: %w", err)
	}
	completed, err := client.SCard(ctx, keys.Completed()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read completed set: %w", err)
	}
	failed, err := client.SCard(ctx, keys.Failed()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read failed set: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting,
		"processing": processing,
		"completed":  completed,
		"failed":     failed,
	}, nil
}

// unencodableResponse replaces a response that json cannot encode with a crash failure
func unencodableResponse(jobID string, resp *processor.Response, cause error) (*processor.Response, []byte) {
	failure := errors.NewBackendCrashedError(resp.Backend, "unencodable response", cause).WithRequestID(jobID)
	out := processor.BuildResponse(nil, failure, time.Duration(resp.ElapsedMs)*time.Millisecond)
	data, err := json.Marshal(out)
	if err != nil {
		data = []byte(`{"ok":false,"error":{"error_code":"BACKEND_CRASHED","message":"unencodable response"}}`)
	}
	return out, data
}

func invalidResponse(jobID, msg string) *processor.Response {
	err := errors.NewInvalidRequestError(msg).WithRequestID(jobID)
	return processor.BuildResponse(nil, err, 0)
}
