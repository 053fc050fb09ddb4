package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"outreach/internal/connection"
	"outreach/internal/domain"
	"outreach/internal/schedule"
	"outreach/internal/transport"
)

type Connections interface {
	Connect(ctx context.Context, accountID string) (connection.StatusView, error)
	Disconnect(ctx context.Context, accountID string) error
	ResetSession(ctx context.Context, accountID string) error
	Remove(ctx context.Context, accountID string) error
	Status(ctx context.Context, accountID string) (connection.StatusView, error)
	SendText(ctx context.Context, accountID, to, text string) (transport.Result, error)
	SendMedia(ctx context.Context, accountID, to string, media domain.Media) (transport.Result, error)
}

type Accounts interface {
	DeleteAccount(ctx context.Context, id string) error
}

type Sequences interface {
	Enroll(ctx context.Context, contactID, eventID string) (int, error)
	Reschedule(ctx context.Context, eventID string, cfg schedule.Config) (int, error)
}

type Broadcasts interface {
	CreateBroadcast(ctx context.Context, req domain.CreateBroadcastRequest) (domain.Broadcast, error)
	Get(ctx context.Context, id string) (domain.Broadcast, error)
	Start(ctx context.Context, id string) (domain.Broadcast, error)
	Pause(ctx context.Context, id string) (domain.Broadcast, error)
	Cancel(ctx context.Context, id string) (domain.Broadcast, error)
	PreviewRecipients(ctx context.Context, filter domain.RecipientFilter, limit int) (domain.Preview, error)
}

type API struct {
	Conns      Connections
	Accounts   Accounts
	Sequences  Sequences
	Broadcasts Broadcasts
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/accounts/{id}/connect", a.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/v1/accounts/{id}/disconnect", a.handleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/v1/accounts/{id}/reset", a.handleReset).Methods(http.MethodPost)
	r.HandleFunc("/v1/accounts/{id}/status", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/accounts/{id}", a.handleDeleteAccount).Methods(http.MethodDelete)
	r.HandleFunc("/v1/accounts/{id}/messages", a.handleSend).Methods(http.MethodPost)

	r.HandleFunc("/v1/events/{id}/registrations", a.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/v1/events/{id}/schedule", a.handleReschedule).Methods(http.MethodPut)

	r.HandleFunc("/v1/broadcasts", a.handleCreateBroadcast).Methods(http.MethodPost)
	r.HandleFunc("/v1/broadcasts/{id}", a.handleGetBroadcast).Methods(http.MethodGet)
	r.HandleFunc("/v1/broadcasts/{id}/{action:start|pause|cancel}", a.handleBroadcastAction).Methods(http.MethodPost)
	r.HandleFunc("/v1/recipients/preview", a.handlePreview).Methods(http.MethodPost)
}

// decode reads a JSON body into v and runs its validate tags.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, string(domain.CodeValidation), ErrInvalidJSON)
		return false
	}
	if err := domain.ValidateStruct(v); err != nil {
		writeError(w, err)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if id == "" {
		writeMessage(w, http.StatusBadRequest, string(domain.CodeValidation), ErrMissingID)
		return "", false
	}
	return id, true
}

func fail(w http.ResponseWriter, r *http.Request, msg string, err error, args ...any) {
	if statusFor(err) >= http.StatusInternalServerError {
		slog.Error(msg, append([]any{"err", err, "path", r.URL.Path}, args...)...)
	} else {
		slog.Info(msg, append([]any{"err", err, "path", r.URL.Path}, args...)...)
	}
	writeError(w, err)
}

func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	view, err := a.Conns.Connect(r.Context(), id)
	if err != nil {
		fail(w, r, "connect failed", err, "account_id", id)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.Conns.Disconnect(r.Context(), id); err != nil {
		fail(w, r, "disconnect failed", err, "account_id", id)
		return
	}
	a.writeStatus(w, r, id)
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.Conns.ResetSession(r.Context(), id); err != nil {
		fail(w, r, "reset session failed", err, "account_id", id)
		return
	}
	a.writeStatus(w, r, id)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a.writeStatus(w, r, id)
}

func (a *API) writeStatus(w http.ResponseWriter, r *http.Request, id string) {
	view, err := a.Conns.Status(r.Context(), id)
	if err != nil {
		fail(w, r, "status failed", err, "account_id", id)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.Conns.Remove(r.Context(), id); err != nil {
		fail(w, r, "remove connection failed", err, "account_id", id)
		return
	}
	if err := a.Accounts.DeleteAccount(r.Context(), id); err != nil {
		fail(w, r, "delete account failed", err, "account_id", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req domain.SendMessageRequest
	if !decode(w, r, &req) {
		return
	}
	var (
		res transport.Result
		err error
	)
	if req.Media != nil {
		res, err = a.Conns.SendMedia(r.Context(), id, req.To, *req.Media)
	} else {
		res, err = a.Conns.SendText(r.Context(), id, req.To, req.Text)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = domain.ErrTimeout.WithCause(err)
		}
		fail(w, r, "send failed", err, "account_id", id)
		return
	}
	writeJSON(w, http.StatusOK, domain.SendResult{Success: true, MessageID: res.MessageID})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req domain.RegistrationRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := a.Sequences.Enroll(r.Context(), req.ContactID, id)
	if err != nil {
		fail(w, r, "enroll failed", err, "event_id", id, "contact_id", req.ContactID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"scheduled": n})
}

func (a *API) handleReschedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req domain.RescheduleRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := a.Sequences.Reschedule(r.Context(), id, req.Schedule)
	if err != nil {
		fail(w, r, "reschedule failed", err, "event_id", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"scheduled": n})
}

func (a *API) handleCreateBroadcast(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateBroadcastRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := a.Broadcasts.CreateBroadcast(r.Context(), req)
	if err != nil {
		fail(w, r, "create broadcast failed", err, "tenant_id", req.TenantID)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (a *API) handleGetBroadcast(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	b, err := a.Broadcasts.Get(r.Context(), id)
	if err != nil {
		fail(w, r, "get broadcast failed", err, "broadcast_id", id)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) handleBroadcastAction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	action := mux.Vars(r)["action"]
	var (
		b   domain.Broadcast
		err error
	)
	switch action {
	case "start":
		b, err = a.Broadcasts.Start(r.Context(), id)
	case "pause":
		b, err = a.Broadcasts.Pause(r.Context(), id)
	default:
		b, err = a.Broadcasts.Cancel(r.Context(), id)
	}
	if err != nil {
		fail(w, r, "broadcast "+action+" failed", err, "broadcast_id", id)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req domain.PreviewRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := a.Broadcasts.PreviewRecipients(r.Context(), req.Filter, req.Limit)
	if err != nil {
		fail(w, r, "preview recipients failed", err, "tenant_id", req.Filter.TenantID)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
