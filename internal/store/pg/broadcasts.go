package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"outreach/internal/domain"
	"outreach/internal/store"
)

// ListContacts resolves a recipient filter. Tags match when the contact
// carries any of them.
func (s *Store) ListContacts(ctx context.Context, f domain.RecipientFilter, limit int) ([]domain.Contact, int, error) {
	where := []string{"c.tenant_id=$1"}
	args := []any{f.TenantID}
	if len(f.Tags) > 0 {
		args = append(args, f.Tags)
		where = append(where, fmt.Sprintf("c.tags && $%d", len(args)))
	}
	if f.EventID != "" {
		args = append(args, f.EventID)
		where = append(where, fmt.Sprintf("EXISTS (SELECT 1 FROM registrations r WHERE r.contact_id=c.id AND r.event_id=$%d)", len(args)))
	}
	if len(f.ContactIDs) > 0 {
		args = append(args, f.ContactIDs)
		where = append(where, fmt.Sprintf("c.id = ANY($%d)", len(args)))
	}
	q := `SELECT ` + contactColumns + `, COUNT(*) OVER () FROM contacts c WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY c.created_at, c.id`
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var (
		out   []domain.Contact
		total int
	)
	for rows.Next() {
		var (
			c      domain.Contact
			fields []byte
		)
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.Phone, &c.Tags, &fields, &total); err != nil {
			return nil, 0, err
		}
		_ = json.Unmarshal(fields, &c.Fields)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(out) == 0 && limit > 0 {
		// the window count is lost with LIMIT 0 rows; ask directly
		err = s.DB.QueryRow(ctx, `SELECT COUNT(*) FROM contacts c WHERE `+strings.Join(where, " AND "), args[:len(args)-1]...).Scan(&total)
		if err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

// InsertBroadcast stores the broadcast and its recipient snapshot in one
// transaction.
func (s *Store) InsertBroadcast(ctx context.Context, in store.BroadcastInsert) error {
	b := in.Broadcast
	filter, err := json.Marshal(b.Filter)
	if err != nil {
		return err
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO broadcasts (id, tenant_id, name, body, kind, media_url, account_id, filter, status, total, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
	`, b.ID, b.TenantID, b.Name, b.Body, b.Kind, nullIfEmpty(b.MediaURL), nullIfEmpty(b.AccountID), filter, b.Status, b.Total, in.Now)
	if err != nil {
		return err
	}

	rows := make([][]any, len(in.ContactIDs))
	for i, id := range in.ContactIDs {
		rows[i] = []any{b.ID, id, i, string(domain.RecipientPending), in.Now}
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"broadcast_recipients"},
		[]string{"broadcast_id", "contact_id", "position", "status", "updated_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy recipients: %w", err)
	}
	return tx.Commit(ctx)
}

const broadcastColumns = `
	id, tenant_id, name, body, kind, COALESCE(media_url, ''), COALESCE(account_id, ''), filter,
	status, total, sent, failed, created_at, started_at, completed_at`

func scanBroadcast(row pgx.Row) (domain.Broadcast, error) {
	var (
		b      domain.Broadcast
		filter []byte
	)
	err := row.Scan(&b.ID, &b.TenantID, &b.Name, &b.Body, &b.Kind, &b.MediaURL, &b.AccountID, &filter,
		&b.Status, &b.Total, &b.Sent, &b.Failed, &b.CreatedAt, &b.StartedAt, &b.CompletedAt)
	if err != nil {
		return domain.Broadcast{}, err
	}
	_ = json.Unmarshal(filter, &b.Filter)
	return b, nil
}

func (s *Store) GetBroadcast(ctx context.Context, id string) (domain.Broadcast, error) {
	b, err := scanBroadcast(s.DB.QueryRow(ctx, `SELECT `+broadcastColumns+` FROM broadcasts WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Broadcast{}, domain.NotFound("broadcast", id)
	}
	return b, err
}

func (s *Store) ListBroadcastsByStatus(ctx context.Context, status domain.BroadcastStatus) ([]domain.Broadcast, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+broadcastColumns+` FROM broadcasts WHERE status=$1 ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) TransitionBroadcast(ctx context.Context, in store.BroadcastStateUpdate) (bool, error) {
	from := make([]string, len(in.From))
	for i, st := range in.From {
		from[i] = string(st)
	}
	terminal := in.Status.Terminal()
	ct, err := s.DB.Exec(ctx, `
		UPDATE broadcasts
		SET status=$2,
		    started_at=CASE WHEN $2='running' THEN COALESCE(started_at, $4) ELSE started_at END,
		    completed_at=CASE WHEN $5 THEN $4 ELSE completed_at END,
		    updated_at=$4
		WHERE id=$1 AND status = ANY($3)
	`, in.ID, string(in.Status), from, in.Now, terminal)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := s.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM broadcasts WHERE id=$1)`, in.ID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, domain.NotFound("broadcast", in.ID)
	}
	return false, nil
}

func (s *Store) PendingRecipients(ctx context.Context, broadcastID string, limit int) ([]domain.BroadcastRecipient, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+contactColumns+`
		FROM broadcast_recipients r JOIN contacts c ON c.id = r.contact_id
		WHERE r.broadcast_id=$1 AND r.status='pending'
		ORDER BY r.position
		LIMIT $2
	`, broadcastID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BroadcastRecipient
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.BroadcastRecipient{BroadcastID: broadcastID, Contact: c, Status: domain.RecipientPending})
	}
	return out, rows.Err()
}

// MarkRecipient settles a pending recipient and bumps the matching counter
// in the same transaction.
func (s *Store) MarkRecipient(ctx context.Context, in store.RecipientUpdate) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE broadcast_recipients
		SET status=$3, account_id=$4, provider_msg_id=$5, last_error=$6, updated_at=$7
		WHERE broadcast_id=$1 AND contact_id=$2 AND status='pending'
	`, in.BroadcastID, in.ContactID, in.Status, nullIfEmpty(in.AccountID), nullIfEmpty(in.ProviderMsgID), nullIfEmpty(in.LastError), in.Now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("recipient %s of broadcast %s is not pending", in.ContactID, in.BroadcastID)
	}

	switch in.Status {
	case domain.RecipientSent:
		_, err = tx.Exec(ctx, `UPDATE broadcasts SET sent=sent+1, updated_at=$2 WHERE id=$1`, in.BroadcastID, in.Now)
	case domain.RecipientFailed:
		_, err = tx.Exec(ctx, `UPDATE broadcasts SET failed=failed+1, updated_at=$2 WHERE id=$1`, in.BroadcastID, in.Now)
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) SkipPendingRecipients(ctx context.Context, broadcastID string, now time.Time) (int64, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE broadcast_recipients SET status='skipped', updated_at=$2
		WHERE broadcast_id=$1 AND status='pending'
	`, broadcastID, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
