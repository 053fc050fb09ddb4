package httpserver

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"outreach/internal/events"
	"outreach/internal/providers/cloudapi"
	"outreach/internal/util"
)

const maxWebhookBody = 1 << 20

// Webhook receives hosted-provider callbacks, checks their signature and
// fans the normalized events out. Storage happens in the event processor.
type Webhook struct {
	Publisher   events.Publisher
	AppSecret   string
	VerifyToken string
}

func (w *Webhook) Register(r *mux.Router) {
	r.HandleFunc("/v1/webhooks/cloud", w.handleChallenge).Methods(http.MethodGet)
	r.HandleFunc("/v1/webhooks/cloud", w.handleNotify).Methods(http.MethodPost)
}

func (w *Webhook) handleChallenge(rw http.ResponseWriter, r *http.Request) {
	challenge, ok := cloudapi.VerifyChallenge(r.URL.Query(), w.VerifyToken)
	if !ok {
		http.Error(rw, ErrForbidden, http.StatusForbidden)
		return
	}
	rw.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(rw, challenge)
}

func (w *Webhook) handleNotify(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		http.Error(rw, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if len(body) > maxWebhookBody {
		http.Error(rw, ErrBodyTooLarge, http.StatusRequestEntityTooLarge)
		return
	}
	if !cloudapi.VerifySignature(w.AppSecret, body, r.Header.Get(cloudapi.SignatureHeader)) {
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	evs, err := cloudapi.ParseWebhook(body)
	if err != nil {
		slog.Warn("webhook parse failed", "err", err)
		http.Error(rw, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	now := util.NowUTC()
	for _, ev := range evs {
		env := events.Envelope{Provider: "cloud_api", Event: ev, ReceivedAt: now}
		if err := w.Publisher.Publish(r.Context(), env); err != nil {
			// a non-2xx makes the provider redeliver the whole batch
			slog.Error("webhook publish failed", "err", err, "type", ev.Type, "provider_msg_id", ev.MessageID, "status", ev.Status)
			http.Error(rw, ErrDependency, http.StatusInternalServerError)
			return
		}
	}
	rw.WriteHeader(http.StatusOK)
}
