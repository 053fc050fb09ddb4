package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/providers/cloudapi"
	"outreach/internal/store"
)

type fakeSQS struct {
	mu      sync.Mutex
	sent    []*sqs.SendMessageInput
	inbox   []types.Message
	deleted []string
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	msgs := f.inbox
	f.inbox = nil
	f.mu.Unlock()
	if len(msgs) == 0 {
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func statusEnvelope(id, status string) Envelope {
	return Envelope{
		Provider: "cloud_api",
		Event: cloudapi.Event{
			Type: cloudapi.EventStatus, PhoneNumberID: "1098", MessageID: id, Status: status,
			Timestamp: time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC),
		},
		ReceivedAt: time.Date(2024, 3, 4, 15, 0, 1, 0, time.UTC),
	}
}

func TestMessageGroupIDBucketed(t *testing.T) {
	got1 := messageGroupIDBucketed("1098", "wamid.1", 2000)
	got2 := messageGroupIDBucketed("1098", "wamid.1", 2000)
	assert.Equal(t, got1, got2, "stable group id")
	assert.NotEmpty(t, got1)
	assert.NotEmpty(t, messageGroupIDBucketed("1098", "wamid.1", 0))
}

func TestSQSPublisher(t *testing.T) {
	f := &fakeSQS{}
	p := &SQSPublisher{SQS: f, QueueURL: "https://sqs.local/q/events.fifo", Buckets: 16}
	require.NoError(t, p.Publish(context.Background(), statusEnvelope("wamid.1", "delivered")))

	require.Len(t, f.sent, 1)
	in := f.sent[0]
	require.NotNil(t, in.MessageGroupId)
	require.NotNil(t, in.MessageDeduplicationId)
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(*in.MessageBody), &env))
	assert.Equal(t, "wamid.1", env.Event.MessageID)
	assert.Equal(t, "delivered", env.Event.Status)

	std := &SQSPublisher{SQS: f, QueueURL: "https://sqs.local/q/events"}
	require.NoError(t, std.Publish(context.Background(), statusEnvelope("wamid.2", "read")))
	assert.Nil(t, f.sent[1].MessageGroupId)
}

func message(handle, body string) types.Message {
	return types.Message{ReceiptHandle: &handle, Body: &body}
}

func TestConsumerDeletesOnlyHandledMessages(t *testing.T) {
	good, _ := json.Marshal(statusEnvelope("wamid.ok", "delivered"))
	bad, _ := json.Marshal(statusEnvelope("wamid.retry", "delivered"))
	f := &fakeSQS{inbox: []types.Message{
		message("h-good", string(good)),
		message("h-bad", string(bad)),
		message("h-poison", "{not json"),
	}}
	c := &Consumer{SQS: f, QueueURL: "q"}

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var seen []string
	done := make(chan error, 1)
	go func() {
		done <- c.PollConcurrent(ctx, 2, func(_ context.Context, env Envelope) error {
			mu.Lock()
			seen = append(seen, env.Event.MessageID)
			mu.Unlock()
			if env.Event.MessageID == "wamid.retry" {
				return errors.New("db down")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2 && len(f.deletedHandles()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.ElementsMatch(t, []string{"h-good", "h-poison"}, f.deletedHandles())
}

type memStore struct {
	events  []store.DeliveryEvent
	updates []store.ProviderMsgUpdate
}

func (m *memStore) InsertDeliveryEvent(_ context.Context, ev store.DeliveryEvent) error {
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) ApplyDeliveryStatus(_ context.Context, u store.ProviderMsgUpdate) (int64, error) {
	m.updates = append(m.updates, u)
	return 1, nil
}

func TestRecorderAppliesStatuses(t *testing.T) {
	st := &memStore{}
	r := &Recorder{Store: st}

	env := statusEnvelope("wamid.9", "failed")
	env.Event.Errors = []cloudapi.EventError{{Code: 131026, Title: "Message undeliverable"}}
	require.NoError(t, r.Handle(context.Background(), env))
	require.NoError(t, r.Handle(context.Background(), Envelope{Event: cloudapi.Event{Type: cloudapi.EventMessage, From: "15550001", Text: "hi"}}))

	require.Len(t, st.events, 1)
	assert.Equal(t, "131026", st.events[0].ErrorCode)
	assert.Equal(t, "failed", st.events[0].VendorStatus)
	require.Len(t, st.updates, 1)
	assert.Equal(t, "wamid.9", st.updates[0].ProviderMsgID)
	assert.Equal(t, "failed", st.updates[0].DeliveryStatus)
	assert.Equal(t, "Message undeliverable", st.updates[0].LastError)
}
