package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"outreach/internal/config"
	"outreach/internal/logging"
	"outreach/internal/providers/cloudapi"
)

type server struct {
	cfg    config.MockCloudConfig
	idx    uint64 // message ids
	rr     uint64 // round robin cursor
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
	log    *slog.Logger
}

func main() {
	cfg := config.LoadMockCloud()
	log := logging.Init("mock-cloudapi", cfg.LogFormat)

	s := newServer(cfg, log)
	log.Info("mock cloud api listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, loggingMiddleware(log, s.router())); err != nil {
		log.Error("mock cloud api server failed", "err", err)
		os.Exit(1)
	}
}

func newServer(cfg config.MockCloudConfig, log *slog.Logger) *server {
	if len(cfg.Outcomes) == 0 {
		cfg.Outcomes = []string{"ok"}
	}
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	return &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
		log:    log,
	}
}

func (s *server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/{version:v[0-9.]+}/{phoneNumberID}", s.handleIdentity).Methods(http.MethodGet)
	r.HandleFunc("/{phoneNumberID}", s.handleIdentity).Methods(http.MethodGet)
	r.HandleFunc("/{version:v[0-9.]+}/{phoneNumberID}/messages", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/{phoneNumberID}/messages", s.handleSend).Methods(http.MethodPost)
	return r
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		log.Info("mock cloud api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *server) authorized(r *http.Request) bool {
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && hmac.Equal([]byte(tok), []byte(s.cfg.AccessToken))
}

func (s *server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, 190, "Invalid OAuth access token.")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":                   mux.Vars(r)["phoneNumberID"],
		"display_phone_number": s.cfg.DisplayPhone,
		"verified_name":        s.cfg.VerifiedName,
	})
}

type sendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, 190, "Invalid OAuth access token.")
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, 100, "Invalid parameter")
		return
	}
	if req.MessagingProduct != "whatsapp" || req.To == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, 100, "Invalid parameter")
		return
	}

	if s.cfg.Latency > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.Latency):
		}
	}

	o := classifyOutcome(s.nextOutcome())
	if o.callErr != nil {
		if errors.Is(o.callErr, context.DeadlineExceeded) {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(s.cfg.TimeoutHold):
			}
		}
		writeError(w, o.httpStatus, o.errorCode, o.callErr.Error())
		return
	}

	id := fmtMessageID(atomic.AddUint64(&s.idx, 1))
	writeJSON(w, http.StatusOK, map[string]any{
		"messaging_product": "whatsapp",
		"contacts":          []map[string]string{{"input": req.To, "wa_id": strings.TrimPrefix(req.To, "+")}},
		"messages":          []map[string]string{{"id": id}},
	})

	if s.cfg.WebhookURL != "" {
		go s.statusSequence(mux.Vars(r)["phoneNumberID"], id, req.To, o)
	}
}

// statusSequence mimics the provider's callbacks: an optional "sent" and
// then the final status.
func (s *server) statusSequence(phoneNumberID, msgID, to string, o outcome) {
	post := func(status string, code int) {
		body, err := json.Marshal(statusNotification(phoneNumberID, msgID, to, status, code, time.Now()))
		if err != nil {
			return
		}
		_ = s.postWebhookWithRetry(context.Background(), body)
	}
	if o.sendSent {
		time.Sleep(s.cfg.WebhookSentDelay)
		post("sent", 0)
	}
	time.Sleep(s.cfg.WebhookDelay)
	post(o.finalStatus, o.errorCode)
}

func statusNotification(phoneNumberID, msgID, to, status string, code int, at time.Time) map[string]any {
	st := map[string]any{
		"id":           msgID,
		"status":       status,
		"timestamp":    strconv.FormatInt(at.Unix(), 10),
		"recipient_id": strings.TrimPrefix(to, "+"),
	}
	if code != 0 {
		st["errors"] = []map[string]any{{"code": code, "title": errorTitle(code)}}
	}
	return map[string]any{
		"object": "whatsapp_business_account",
		"entry": []map[string]any{{
			"id": "mock-waba",
			"changes": []map[string]any{{
				"field": "messages",
				"value": map[string]any{
					"messaging_product": "whatsapp",
					"metadata":          map[string]string{"phone_number_id": phoneNumberID},
					"statuses":          []map[string]any{st},
				},
			}},
		}},
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (s *server) postWebhookWithRetry(ctx context.Context, body []byte) error {
	maxAttempts := s.cfg.WebhookMaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sig := sign(s.cfg.AppSecret, body)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(cloudapi.SignatureHeader, sig)

		resp, err := s.client.Do(req)
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		if err == nil && status >= 200 && status < 300 {
			return nil
		}

		if attempt == maxAttempts-1 {
			s.log.Error("mock webhook post failed", "url", s.cfg.WebhookURL, "attempt", attempt+1, "status", status, "err", err)
			if err != nil {
				return err
			}
			return fmt.Errorf("webhook post failed: status=%d", status)
		}
		if err == nil && !isRetryableStatus(status) {
			s.log.Error("mock webhook post non-retryable", "url", s.cfg.WebhookURL, "attempt", attempt+1, "status", status)
			return fmt.Errorf("webhook post non-retryable: status=%d", status)
		}

		wait := retryBackoff(s.cfg.WebhookRetryBase, s.cfg.WebhookRetryMax, attempt)
		s.log.Warn("mock webhook post retrying", "url", s.cfg.WebhookURL, "attempt", attempt+1, "status", status, "wait_ms", wait.Milliseconds())
		time.Sleep(wait)
	}
	return nil
}

func retryBackoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	if attempt > 20 {
		return max
	}
	wait := base * time.Duration(1<<attempt)
	if wait > max {
		wait = max
	}
	return wait
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		n := atomic.AddUint64(&s.rr, 1) - 1
		return s.cfg.Outcomes[int(n%uint64(len(s.cfg.Outcomes)))]
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": msg, "type": "OAuthException", "code": code, "fbtrace_id": "mock"},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func fmtMessageID(i uint64) string {
	return fmt.Sprintf("wamid.MOCK%08d", i)
}
