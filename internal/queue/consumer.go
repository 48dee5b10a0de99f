/**
 * Asynq Queue Consumer for the readout worker
 *
 * Alternative to RedisConsumer for deployments that already run asynq.
 * The response is written through the task's result writer and stays
 * readable through the inspector for the task's retention period.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/readout-worker/internal/logging"
	"github.com/adverant/nexus/readout-worker/internal/processor"
)

// TaskTypeRecognize is the asynq task type for one recognition
const TaskTypeRecognize = "readout:recognize"

// Consumer handles recognition tasks from an asynq queue
type Consumer struct {
	server     *asynq.Server
	mux        *asynq.ServeMux
	recognizer processor.RecognizerInterface
	config     ConsumerConfig
	logger     *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	Recognizer  processor.RecognizerInterface
	// Retention keeps the written result readable after completion
	Retention time.Duration
	Logger    *logging.Logger
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.Recognizer == nil {
		return nil, fmt.Errorf("Recognizer is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultQueueName
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultReplyTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	logger := cfg.Logger.Named("asynq-consumer").With("queue", cfg.QueueName)

	// Parse Redis connection options
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error", "type", task.Type(), "error", err)
			}),
			Logger:   asynqLogger{logger},
			LogLevel: asynq.WarnLevel,
		},
	)

	mux := asynq.NewServeMux()

	consumer := &Consumer{
		server:     server,
		mux:        mux,
		recognizer: cfg.Recognizer,
		config:     cfg,
		logger:     logger,
	}

	mux.HandleFunc(TaskTypeRecognize, consumer.handleRecognize)

	return consumer, nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting asynq consumer", "concurrency", c.config.Concurrency)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping asynq consumer")

	c.server.Shutdown()
	return nil
}

// NewRecognizeTask builds a task for req. Recognition failures are answers, so the task is never retried.
func NewRecognizeTask(req *processor.RecognizeRequest, queueName string, retention time.Duration) (*asynq.Task, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	payload, err := json.Marshal(RecognizePayload{RecognizeRequest: *req})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	if queueName == "" {
		queueName = DefaultQueueName
	}
	if retention <= 0 {
		retention = DefaultReplyTTL
	}

	opts := []asynq.Option{asynq.Queue(queueName), asynq.MaxRetry(0), asynq.Retention(retention)}
	if req.RequestID != "" {
		opts = append(opts, asynq.TaskID(req.RequestID))
	}
	return asynq.NewTask(TaskTypeRecognize, payload, opts...), nil
}

// handleRecognize runs one recognition task
func (c *Consumer) handleRecognize(ctx context.Context, task *asynq.Task) error {
	var payload RecognizePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal recognition task: %v: %w", err, asynq.SkipRetry)
	}

	req := payload.RecognizeRequest
	if req.RequestID == "" {
		if id, ok := asynq.GetTaskID(ctx); ok {
			req.RequestID = id
		}
	}

	resp := processor.Run(ctx, c.recognizer, &req)
	if resp.OK {
		c.logger.Info("Task completed", "request", resp.RequestID, "text", resp.Text, "backend", resp.Backend)
	} else {
		c.logger.Warn("Task failed", "request", resp.RequestID, "error_code", resp.Error["error_code"])
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %v: %w", err, asynq.SkipRetry)
	}
	if w := task.ResultWriter(); w != nil {
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
	}
	return nil
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
		"retention":   c.config.Retention.String(),
	}
}

// asynqLogger routes asynq's internal logging through the worker logger
type asynqLogger struct {
	l *logging.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }

func (a asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
