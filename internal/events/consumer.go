package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type Handler func(ctx context.Context, env Envelope) error

type Consumer struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32

	Log *slog.Logger
}

func (c *Consumer) log() *slog.Logger {
	if c.Log == nil {
		return slog.Default()
	}
	return c.Log
}

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	_, err := c.SQS.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		c.log().Warn("sqs delete failed", "err", err)
	}
}

// handle runs the handler for one message. Messages are deleted only after
// the handler succeeds; poison messages are deleted right away so they do
// not redrive forever.
func (c *Consumer) handle(ctx context.Context, m types.Message, handler Handler) {
	if m.Body == nil {
		c.delete(ctx, m)
		return
	}
	var env Envelope
	if err := json.Unmarshal([]byte(*m.Body), &env); err != nil {
		c.log().Warn("dropping undecodable event", "err", err)
		c.delete(ctx, m)
		return
	}
	if err := handler(ctx, env); err != nil {
		// left for SQS redrive / DLQ
		c.log().Error("event handler error", "err", err, "type", env.Event.Type, "status", env.Event.Status, "provider_msg_id", env.Event.MessageID)
		return
	}
	c.delete(ctx, m)
}

// PollConcurrent receives until ctx ends and hands messages to a pool of
// workers. It returns after in-flight messages are handled.
func (c *Consumer) PollConcurrent(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan types.Message, workers*2)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				c.handle(ctx, m, handler)
			}
		}()
	}

	err := c.receive(ctx, jobs)
	close(jobs)
	wg.Wait()
	return err
}

func (c *Consumer) receive(ctx context.Context, jobs chan<- types.Message) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &c.QueueURL,
			MaxNumberOfMessages: c.MaxMessages,
			WaitTimeSeconds:     c.WaitTimeSeconds,
			VisibilityTimeout:   c.VisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log().Error("sqs receive message failed", "err", err)
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		for _, m := range out.Messages {
			select {
			case jobs <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
