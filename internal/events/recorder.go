package events

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"outreach/internal/observability"
	"outreach/internal/providers/cloudapi"
	"outreach/internal/store"
	"outreach/internal/util"
)

type Store interface {
	InsertDeliveryEvent(ctx context.Context, ev store.DeliveryEvent) error
	// ApplyDeliveryStatus updates whichever scheduled message or broadcast
	// recipient carries the provider message id and reports how many rows
	// matched.
	ApplyDeliveryStatus(ctx context.Context, u store.ProviderMsgUpdate) (int64, error)
}

// Recorder persists delivery statuses consumed from the queue.
type Recorder struct {
	Store Store
	Log   *slog.Logger
}

func (r *Recorder) Handle(ctx context.Context, env Envelope) error {
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	ev := env.Event
	observability.WebhookEvents.WithLabelValues(string(ev.Type)).Inc()

	switch ev.Type {
	case cloudapi.EventStatus:
	case cloudapi.EventMessage:
		// inbound replies belong to the conversation layer
		log.Info("inbound message", "from", ev.From, "kind", ev.Kind, "phone_number_id", ev.PhoneNumberID)
		return nil
	default:
		log.Warn("unknown event type", "type", ev.Type)
		return nil
	}
	if ev.MessageID == "" {
		return nil
	}

	var code, lastErr string
	if len(ev.Errors) > 0 {
		code = strconv.Itoa(ev.Errors[0].Code)
		lastErr = ev.Errors[0].Title
		if lastErr == "" {
			lastErr = ev.Errors[0].Message
		}
	}
	at := ev.Timestamp
	if err := r.Store.InsertDeliveryEvent(ctx, store.DeliveryEvent{
		Provider:      env.Provider,
		ProviderMsgID: ev.MessageID,
		VendorStatus:  ev.Status,
		ErrorCode:     code,
		Payload:       ev,
		OccurredAt:    &at,
	}); err != nil {
		return fmt.Errorf("insert delivery event: %w", err)
	}

	n, err := r.Store.ApplyDeliveryStatus(ctx, store.ProviderMsgUpdate{
		ProviderMsgID:  ev.MessageID,
		DeliveryStatus: ev.Status,
		LastError:      lastErr,
		Now:            util.NowUTC(),
	})
	if err != nil {
		return fmt.Errorf("apply delivery status: %w", err)
	}
	if n == 0 {
		log.Debug("status for unknown message", "provider_msg_id", ev.MessageID, "status", ev.Status)
	}
	return nil
}
