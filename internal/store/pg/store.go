package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"outreach/internal/domain"
	"outreach/internal/schedule"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// Ping is used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

const accountColumns = `
	a.id, a.tenant_id, a.label, a.provider, a.daily_cap, a.priority,
	COALESCE(s.status, 'disconnected'), COALESCE(a.pairing_phone, ''),
	COALESCE(a.cloud_phone_number_id, ''), COALESCE(a.cloud_access_token, ''), a.created_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.TenantID, &a.Label, &a.Provider, &a.DailyCap, &a.Priority,
		&a.Status, &a.PairingPhone, &a.CloudPhoneNumberID, &a.CloudAccessToken, &a.CreatedAt)
	return a, err
}

func (s *Store) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	a, err := scanAccount(s.DB.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts a LEFT JOIN account_sessions s ON s.account_id = a.id
		WHERE a.id=$1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, domain.NotFound("account", id)
	}
	return a, err
}

func (s *Store) ListAccounts(ctx context.Context, tenantID string) ([]domain.Account, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts a LEFT JOIN account_sessions s ON s.account_id = a.id
		WHERE a.tenant_id=$1
		ORDER BY a.priority DESC, a.created_at
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAccount removes the account and, through the cascade, its session.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	ct, err := s.DB.Exec(ctx, `DELETE FROM accounts WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return domain.NotFound("account", id)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, accountID string) (domain.PersistedSession, error) {
	var ps domain.PersistedSession
	err := s.DB.QueryRow(ctx, `
		SELECT account_id, status, COALESCE(phone, ''), credentials, updated_at
		FROM account_sessions WHERE account_id=$1
	`, accountID).Scan(&ps.AccountID, &ps.Status, &ps.Phone, &ps.Credentials, &ps.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PersistedSession{}, domain.NotFound("session", accountID)
	}
	return ps, err
}

func (s *Store) ListSessions(ctx context.Context) ([]domain.PersistedSession, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT account_id, status, COALESCE(phone, ''), credentials, updated_at
		FROM account_sessions ORDER BY account_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.PersistedSession
	for rows.Next() {
		var ps domain.PersistedSession
		if err := rows.Scan(&ps.AccountID, &ps.Status, &ps.Phone, &ps.Credentials, &ps.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

// UpsertSessionStatus mirrors a state transition. An empty phone keeps the
// one already stored.
func (s *Store) UpsertSessionStatus(ctx context.Context, accountID string, status domain.ConnStatus, phone string, at time.Time) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO account_sessions (account_id, status, phone, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (account_id) DO UPDATE
		SET status=EXCLUDED.status,
		    phone=COALESCE(EXCLUDED.phone, account_sessions.phone),
		    updated_at=EXCLUDED.updated_at
	`, accountID, status, nullIfEmpty(phone), at)
	return err
}

func (s *Store) SaveCredentials(ctx context.Context, accountID string, creds []byte, at time.Time) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO account_sessions (account_id, credentials, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (account_id) DO UPDATE
		SET credentials=EXCLUDED.credentials, updated_at=EXCLUDED.updated_at
	`, accountID, creds, at)
	return err
}

func (s *Store) ClearCredentials(ctx context.Context, accountID string, at time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE account_sessions SET credentials=NULL, updated_at=$2 WHERE account_id=$1
	`, accountID, at)
	return err
}

const contactColumns = `c.id, c.tenant_id, c.name, c.phone, c.tags, c.fields`

func scanContact(row pgx.Row) (domain.Contact, error) {
	var (
		c      domain.Contact
		fields []byte
	)
	if err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Phone, &c.Tags, &fields); err != nil {
		return domain.Contact{}, err
	}
	_ = json.Unmarshal(fields, &c.Fields)
	return c, nil
}

func (s *Store) GetContact(ctx context.Context, id string) (domain.Contact, error) {
	c, err := scanContact(s.DB.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts c WHERE c.id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Contact{}, domain.NotFound("contact", id)
	}
	return c, err
}

func (s *Store) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	var (
		ev  domain.Event
		raw []byte
	)
	err := s.DB.QueryRow(ctx, `
		SELECT id, tenant_id, name, COALESCE(link, ''), COALESCE(account_id, ''), schedule
		FROM events WHERE id=$1
	`, id).Scan(&ev.ID, &ev.TenantID, &ev.Name, &ev.Link, &ev.AccountID, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Event{}, domain.NotFound("event", id)
	}
	if err != nil {
		return domain.Event{}, err
	}
	if err := json.Unmarshal(raw, &ev.Schedule); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

func (s *Store) UpdateEventSchedule(ctx context.Context, id string, cfg schedule.Config) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	ct, err := s.DB.Exec(ctx, `UPDATE events SET schedule=$2, updated_at=now() WHERE id=$1`, id, b)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return domain.NotFound("event", id)
	}
	return nil
}

func (s *Store) UpsertRegistration(ctx context.Context, reg domain.Registration) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO registrations (contact_id, event_id, occurrence_date, occurrence_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (contact_id, event_id) DO UPDATE
		SET occurrence_date=EXCLUDED.occurrence_date, occurrence_at=EXCLUDED.occurrence_at
	`, reg.ContactID, reg.EventID, reg.OccurrenceDate, reg.OccurrenceAt)
	return err
}

func (s *Store) MoveRegistrations(ctx context.Context, eventID string, since time.Time, occ schedule.Occurrence) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE registrations SET occurrence_date=$3, occurrence_at=$4
		WHERE event_id=$1 AND occurrence_at > $2
		RETURNING contact_id
	`, eventID, since, occ.DateKey, occ.Start)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
