package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"outreach/internal/domain"
	"outreach/internal/store"
)

const sequenceColumns = `
	id, tenant_id, COALESCE(event_id, ''), phase, offset_minutes, body, kind,
	COALESCE(media_url, ''), COALESCE(file_name, ''), COALESCE(mime_type, ''), active`

func scanSequence(row pgx.Row) (domain.Sequence, error) {
	var q domain.Sequence
	err := row.Scan(&q.ID, &q.TenantID, &q.EventID, &q.Phase, &q.OffsetMinutes, &q.Body, &q.Kind,
		&q.MediaURL, &q.FileName, &q.MimeType, &q.Active)
	return q, err
}

// ListActiveSequences returns the tenant's active sequences scoped to the
// event plus the global ones.
func (s *Store) ListActiveSequences(ctx context.Context, tenantID, eventID string) ([]domain.Sequence, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+sequenceColumns+`
		FROM sequences
		WHERE tenant_id=$1 AND active AND (event_id=$2 OR event_id IS NULL)
		ORDER BY offset_minutes, id
	`, tenantID, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Sequence
	for rows.Next() {
		q, err := scanSequence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *Store) GetSequence(ctx context.Context, id string) (domain.Sequence, error) {
	q, err := scanSequence(s.DB.QueryRow(ctx, `SELECT `+sequenceColumns+` FROM sequences WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Sequence{}, domain.NotFound("sequence", id)
	}
	return q, err
}

func (s *Store) ScheduledExists(ctx context.Context, contactID, sequenceID, occurrenceDate string) (bool, error) {
	var exists bool
	err := s.DB.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM scheduled_messages
			WHERE contact_id=$1 AND sequence_id=$2 AND occurrence_date=$3 AND status <> 'cancelled'
		)
	`, contactID, sequenceID, occurrenceDate).Scan(&exists)
	return exists, err
}

// InsertScheduled reports false when a live row for the same contact,
// sequence and occurrence date already exists.
func (s *Store) InsertScheduled(ctx context.Context, in store.ScheduledInsert) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO scheduled_messages
			(id, tenant_id, contact_id, sequence_id, event_id, occurrence_date, send_at, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'queued',$8,$8)
		ON CONFLICT (contact_id, sequence_id, occurrence_date) WHERE status <> 'cancelled' DO NOTHING
	`, in.ID, in.TenantID, in.ContactID, in.SequenceID, in.EventID, in.OccurrenceDate, in.SendAt, in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) CancelPendingForEvent(ctx context.Context, eventID string, now time.Time) (int64, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE scheduled_messages SET status='cancelled', updated_at=$2
		WHERE event_id=$1 AND status='queued'
	`, eventID, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// ClaimDue moves up to limit due rows from queued to sending. Concurrent
// pollers skip each other's locked rows, so every row is claimed once.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledMessage, error) {
	rows, err := s.DB.Query(ctx, `
		WITH due AS (
			SELECT id FROM scheduled_messages
			WHERE status='queued' AND send_at <= $1
			ORDER BY send_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE scheduled_messages m SET status='sending', updated_at=$1
		FROM due WHERE m.id = due.id
		RETURNING m.id, m.tenant_id, m.contact_id, m.sequence_id, m.event_id, m.occurrence_date,
		          m.send_at, m.status, m.created_at, m.updated_at
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ScheduledMessage
	for rows.Next() {
		var m domain.ScheduledMessage
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ContactID, &m.SequenceID, &m.EventID, &m.OccurrenceDate,
			&m.SendAt, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkScheduled records the outcome of a claimed row. Only a row still in
// sending is updated; one the reclaim sweep already returned to queued is
// reported as ErrState.
func (s *Store) MarkScheduled(ctx context.Context, in store.ScheduledUpdate) error {
	ct, err := s.DB.Exec(ctx, `
		UPDATE scheduled_messages
		SET status=$2, account_id=COALESCE($3, account_id), provider_msg_id=COALESCE($4, provider_msg_id),
		    last_error=$5, sent_at=CASE WHEN $2='sent' THEN $6 ELSE sent_at END, updated_at=$6
		WHERE id=$1 AND status='sending'
	`, in.ID, in.Status, nullIfEmpty(in.AccountID), nullIfEmpty(in.ProviderMsgID), nullIfEmpty(in.LastError), in.Now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() > 0 {
		return nil
	}
	var status string
	err = s.DB.QueryRow(ctx, `SELECT status FROM scheduled_messages WHERE id=$1`, in.ID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotFound("scheduled message", in.ID)
	}
	if err != nil {
		return err
	}
	return domain.NewError(domain.CodeState, "scheduled message %s is %s, not sending", in.ID, status)
}

// ReclaimStale returns rows stuck in sending since before staleBefore to
// queued, the same stale rule the claim uses.
func (s *Store) ReclaimStale(ctx context.Context, staleBefore, now time.Time) (int64, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE scheduled_messages SET status='queued', updated_at=$2
		WHERE status='sending' AND updated_at < $1
	`, staleBefore, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
