// Package events fans normalized hosted-provider notifications out through
// SQS and records them on the consuming side.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"outreach/internal/observability"
	"outreach/internal/providers/cloudapi"
)

// Envelope wraps one webhook event for the queue. SQS caps bodies at 256KB
// so only the normalized event travels, never the raw payload.
type Envelope struct {
	Provider   string         `json:"provider"`
	Event      cloudapi.Event `json:"event"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// API is the slice of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSPublisher struct {
	SQS      API
	QueueURL string
	// Buckets spreads FIFO message groups; statuses for one message id
	// always land in the same group.
	Buckets int
}

func (p *SQSPublisher) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if strings.HasSuffix(p.QueueURL, ".fifo") {
		in.MessageGroupId = str(messageGroupIDBucketed(env.Event.PhoneNumberID, env.Event.MessageID, p.Buckets))
		in.MessageDeduplicationId = str(dedupID(env))
	}
	if _, err := p.SQS.SendMessage(ctx, in); err != nil {
		observability.Published.WithLabelValues("error").Inc()
		return fmt.Errorf("sqs send: %w", err)
	}
	observability.Published.WithLabelValues("ok").Inc()
	return nil
}

func messageGroupIDBucketed(phoneNumberID, messageID string, buckets int) string {
	if buckets <= 0 {
		buckets = 256
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(messageID))
	return fmt.Sprintf("%s:%d", phoneNumberID, h.Sum32()%uint32(buckets))
}

func dedupID(env Envelope) string {
	return fmt.Sprintf("%s:%s:%s:%d", env.Event.Type, env.Event.MessageID, env.Event.Status, env.Event.Timestamp.Unix())
}

func str(s string) *string { return &s }

// LogPublisher stands in when no queue is configured.
type LogPublisher struct {
	Log *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, env Envelope) error {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("hosted event", "type", env.Event.Type, "provider_msg_id", env.Event.MessageID, "status", env.Event.Status, "from", env.Event.From)
	observability.Published.WithLabelValues("logged").Inc()
	return nil
}
