package pg

import (
	"context"
	"encoding/json"

	"outreach/internal/store"
)

func (s *Store) InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error {
	b, _ := json.Marshal(in.Payload)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO delivery_events (provider, provider_msg_id, vendor_status, error_code, payload_json, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, in.Provider, in.ProviderMsgID, in.VendorStatus, nullIfEmpty(in.ErrorCode), b, in.OccurredAt)
	return err
}

// ApplyDeliveryStatus stamps the vendor status on whichever scheduled
// message or broadcast recipient was sent with the provider message id.
func (s *Store) ApplyDeliveryStatus(ctx context.Context, in store.ProviderMsgUpdate) (int64, error) {
	var total int64
	for _, q := range []string{
		`UPDATE scheduled_messages SET delivery_status=$2, last_error=COALESCE($3, last_error), updated_at=$4 WHERE provider_msg_id=$1`,
		`UPDATE broadcast_recipients SET delivery_status=$2, last_error=COALESCE($3, last_error), updated_at=$4 WHERE provider_msg_id=$1`,
	} {
		ct, err := s.DB.Exec(ctx, q, in.ProviderMsgID, in.DeliveryStatus, nullIfEmpty(in.LastError), in.Now)
		if err != nil {
			return total, err
		}
		total += ct.RowsAffected()
	}
	return total, nil
}
