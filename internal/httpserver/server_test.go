package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/connection"
	"outreach/internal/domain"
	"outreach/internal/events"
	"outreach/internal/schedule"
	"outreach/internal/transport"
)

type fakeConns struct {
	sendErr  error
	removed  []string
	lastText string
	lastTo   string
	media    *domain.Media
}

func (f *fakeConns) Connect(_ context.Context, id string) (connection.StatusView, error) {
	if id == "missing" {
		return connection.StatusView{}, domain.NotFound("account", id)
	}
	return connection.StatusView{AccountID: id, Status: domain.StatusQRReady, QRCode: "qr-1"}, nil
}

func (f *fakeConns) Disconnect(context.Context, string) error   { return nil }
func (f *fakeConns) ResetSession(context.Context, string) error { return nil }

func (f *fakeConns) Remove(_ context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeConns) Status(_ context.Context, id string) (connection.StatusView, error) {
	return connection.StatusView{AccountID: id, Status: domain.StatusDisconnected}, nil
}

func (f *fakeConns) SendText(_ context.Context, _, to, text string) (transport.Result, error) {
	f.lastTo, f.lastText = to, text
	if f.sendErr != nil {
		return transport.Result{}, f.sendErr
	}
	return transport.Result{MessageID: "m-1"}, nil
}

func (f *fakeConns) SendMedia(_ context.Context, _, to string, m domain.Media) (transport.Result, error) {
	f.lastTo, f.media = to, &m
	return transport.Result{MessageID: "m-2"}, f.sendErr
}

type fakeAccounts struct{ deleted []string }

func (f *fakeAccounts) DeleteAccount(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeSequences struct {
	cfg schedule.Config
}

func (f *fakeSequences) Enroll(_ context.Context, contactID, eventID string) (int, error) {
	if eventID == "missing" {
		return 0, domain.NotFound("event", eventID)
	}
	return 2, nil
}

func (f *fakeSequences) Reschedule(_ context.Context, _ string, cfg schedule.Config) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, domain.ErrValidation.WithCause(err)
	}
	f.cfg = cfg
	return 4, nil
}

type fakeBroadcasts struct{ actions []string }

func (f *fakeBroadcasts) CreateBroadcast(_ context.Context, req domain.CreateBroadcastRequest) (domain.Broadcast, error) {
	return domain.Broadcast{ID: "bc1", TenantID: req.TenantID, Name: req.Name, Status: domain.BroadcastDraft, Total: 3}, nil
}

func (f *fakeBroadcasts) Get(_ context.Context, id string) (domain.Broadcast, error) {
	return domain.Broadcast{}, domain.NotFound("broadcast", id)
}

func (f *fakeBroadcasts) Start(_ context.Context, id string) (domain.Broadcast, error) {
	f.actions = append(f.actions, "start")
	return domain.Broadcast{ID: id, Status: domain.BroadcastRunning}, nil
}

func (f *fakeBroadcasts) Pause(_ context.Context, id string) (domain.Broadcast, error) {
	f.actions = append(f.actions, "pause")
	return domain.Broadcast{}, domain.NewError(domain.CodeState, "broadcast %s is draft", id)
}

func (f *fakeBroadcasts) Cancel(_ context.Context, id string) (domain.Broadcast, error) {
	f.actions = append(f.actions, "cancel")
	return domain.Broadcast{ID: id, Status: domain.BroadcastCancelled}, nil
}

func (f *fakeBroadcasts) PreviewRecipients(_ context.Context, filter domain.RecipientFilter, limit int) (domain.Preview, error) {
	return domain.Preview{Total: 7, Sample: []domain.Contact{{ID: "c1", TenantID: filter.TenantID}}}, nil
}

type recordingPublisher struct {
	envs []events.Envelope
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, env events.Envelope) error {
	if p.err != nil {
		return p.err
	}
	p.envs = append(p.envs, env)
	return nil
}

type harness struct {
	h     http.Handler
	conns *fakeConns
	accts *fakeAccounts
	seqs  *fakeSequences
	bcs   *fakeBroadcasts
	pub   *recordingPublisher
}

func newHarness(t *testing.T, ready ...ReadyzCheck) *harness {
	t.Helper()
	h := &harness{conns: &fakeConns{}, accts: &fakeAccounts{}, seqs: &fakeSequences{}, bcs: &fakeBroadcasts{}, pub: &recordingPublisher{}}
	s := New(time.Second, ready...)
	(&API{Conns: h.conns, Accounts: h.accts, Sequences: h.seqs, Broadcasts: h.bcs}).Register(s.Mux)
	(&Webhook{Publisher: h.pub, AppSecret: "app-secret", VerifyToken: "vt"}).Register(s.Mux)
	h.h = s.Mux
	return h
}

func (h *harness) do(method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestConnectAndStatus(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/accounts/a1/connect", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	view := decodeBody[connection.StatusView](t, rec)
	assert.Equal(t, domain.StatusQRReady, view.Status)
	assert.Equal(t, "qr-1", view.QRCode)

	rec = h.do(http.MethodPost, "/v1/accounts/missing/connect", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody[errorBody](t, rec).Code)

	rec = h.do(http.MethodGet, "/v1/accounts/a1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.StatusDisconnected, decodeBody[connection.StatusView](t, rec).Status)

	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/accounts/a1/reset", "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/accounts/a1/disconnect", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, h.do(http.MethodGet, "/v1/accounts/a1/connect", "").Code)
}

func TestDeleteAccountRemovesConnectionFirst(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodDelete, "/v1/accounts/a1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"a1"}, h.conns.removed)
	assert.Equal(t, []string{"a1"}, h.accts.deleted)
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/accounts/a1/messages", `{"to":"+15550001","text":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[domain.SendResult](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, "m-1", res.MessageID)
	assert.Equal(t, "hi", h.conns.lastText)

	rec = h.do(http.MethodPost, "/v1/accounts/a1/messages", `{"to":"+15550001","media":{"kind":"image","url":"https://cdn.example/a.jpg","mimeType":"image/jpeg"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, h.conns.media)
	assert.Equal(t, domain.KindImage, h.conns.media.Kind)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/accounts/a1/messages", `{"to":"+15550001"}`).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/accounts/a1/messages", `{`).Code)
}

func TestSendErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.NewError(domain.CodeValidation, "bad"), http.StatusBadRequest},
		{domain.NotFound("account", "x"), http.StatusNotFound},
		{domain.NewError(domain.CodeBan, "account is banned"), http.StatusConflict},
		{domain.NewError(domain.CodeQueueFull, "queue full"), http.StatusTooManyRequests},
		{domain.NewError(domain.CodeRateLimited, "daily cap"), http.StatusTooManyRequests},
		{domain.NewError(domain.CodeConnection, "not connected"), http.StatusBadGateway},
		{domain.NewError(domain.CodeTimeout, "expired in queue"), http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := newHarness(t)
		h.conns.sendErr = tc.err
		rec := h.do(http.MethodPost, "/v1/accounts/a1/messages", `{"to":"+15550001","text":"hi"}`)
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
	}
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	h := newHarness(t)
	h.conns.sendErr = errors.New("pq: password authentication failed")
	rec := h.do(http.MethodPost, "/v1/accounts/a1/messages", `{"to":"+15550001","text":"hi"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestEventRoutes(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/events/ev1/registrations", `{"contactId":"c1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 2, decodeBody[map[string]int](t, rec)["scheduled"])

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/events/ev1/registrations", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/v1/events/missing/registrations", `{"contactId":"c1"}`).Code)

	rec = h.do(http.MethodPut, "/v1/events/ev1/schedule", `{"schedule":{"timeOfDay":"09:30","timezone":"UTC","recurrence":"daily"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "09:30", h.seqs.cfg.TimeOfDay)

	rec = h.do(http.MethodPut, "/v1/events/ev1/schedule", `{"schedule":{"timeOfDay":"25:00","recurrence":"daily"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBroadcastRoutes(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/broadcasts", `{"tenantId":"t1","name":"promo","body":"hello","filter":{"tenantId":"t1","tags":["vip"]}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "bc1", decodeBody[domain.Broadcast](t, rec).ID)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/broadcasts", `{"name":"promo"}`).Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/broadcasts/bc9", "").Code)

	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/broadcasts/bc1/start", "").Code)
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/v1/broadcasts/bc1/pause", "").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/broadcasts/bc1/cancel", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/v1/broadcasts/bc1/explode", "").Code)
	assert.Equal(t, []string{"start", "pause", "cancel"}, h.bcs.actions)

	rec = h.do(http.MethodPost, "/v1/recipients/preview", `{"filter":{"tenantId":"t1"},"limit":5}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, decodeBody[domain.Preview](t, rec).Total)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/recipients/preview", `{"filter":{"tenantId":"t1"},"limit":500}`).Code)
}

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const statusWebhook = `{"object":"whatsapp_business_account","entry":[{"id":"W1","changes":[{"field":"messages","value":{
 "metadata":{"phone_number_id":"1098"},
 "statuses":[{"id":"wamid.1","status":"delivered","timestamp":"1709564500","recipient_id":"15550003"}]}}]}]}`

func TestWebhookChallenge(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/v1/webhooks/cloud?hub.mode=subscribe&hub.verify_token=vt&hub.challenge=42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", rec.Body.String())

	rec = h.do(http.MethodGet, "/v1/webhooks/cloud?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=42", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookPublishesVerifiedEvents(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/webhooks/cloud", statusWebhook, "X-Hub-Signature-256", "sha256=00")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, h.pub.envs)

	rec = h.do(http.MethodPost, "/v1/webhooks/cloud", statusWebhook, "X-Hub-Signature-256", sign(statusWebhook))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.pub.envs, 1)
	assert.Equal(t, "cloud_api", h.pub.envs[0].Provider)
	assert.Equal(t, "wamid.1", h.pub.envs[0].Event.MessageID)
	assert.Equal(t, "delivered", h.pub.envs[0].Event.Status)

	h.pub.err = errors.New("sqs down")
	rec = h.do(http.MethodPost, "/v1/webhooks/cloud", statusWebhook, "X-Hub-Signature-256", sign(statusWebhook))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = h.do(http.MethodPost, "/v1/webhooks/cloud", "{", "X-Hub-Signature-256", sign("{"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProbes(t *testing.T) {
	h := newHarness(t, func(context.Context) error { return errors.New("db down") })
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodGet, "/readyz", "").Code)

	h = newHarness(t, func(context.Context) error { return nil })
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/readyz", "").Code)
}
