package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

// Client enqueues request work. A nil *Client enqueues nothing.
type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(opt asynq.RedisConnOpt, queue string) *Client {
	if queue == "" {
		queue = "default"
	}
	return &Client{client: asynq.NewClient(opt), queue: queue}
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// EnqueueEnrich is deduplicated per call id: vendors resend end-of-call reports.
func (c *Client) EnqueueEnrich(ctx context.Context, callID string) error {
	task, err := NewEnrichCallTask(EnrichCallPayload{CallID: callID})
	if err != nil {
		return err
	}
	return c.enqueue(ctx, task, asynq.TaskID("enrich:"+callID), asynq.MaxRetry(3), asynq.Timeout(5*time.Minute))
}

func (c *Client) EnqueueRun(ctx context.Context, serviceRequestID string) error {
	task, err := NewRunRequestTask(RunRequestPayload{ServiceRequestID: serviceRequestID})
	if err != nil {
		return err
	}
	return c.enqueue(ctx, task, asynq.MaxRetry(5), asynq.Timeout(time.Hour))
}

func (c *Client) EnqueueBook(ctx context.Context, serviceRequestID, providerID string) error {
	task, err := NewBookProviderTask(BookProviderPayload{ServiceRequestID: serviceRequestID, ProviderID: providerID})
	if err != nil {
		return err
	}
	return c.enqueue(ctx, task, asynq.TaskID("book:"+serviceRequestID+":"+providerID), asynq.MaxRetry(3), asynq.Timeout(30*time.Minute))
}

func (c *Client) EnqueueNotify(ctx context.Context, serviceRequestID string) error {
	task, err := NewNotifyRequestTask(NotifyRequestPayload{ServiceRequestID: serviceRequestID})
	if err != nil {
		return err
	}
	return c.enqueue(ctx, task, asynq.TaskID("notify:"+serviceRequestID), asynq.MaxRetry(5), asynq.Timeout(15*time.Minute))
}

func (c *Client) enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	if c == nil || c.client == nil {
		return nil
	}
	opts = append(opts, asynq.Queue(c.queue))
	_, err := c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}
