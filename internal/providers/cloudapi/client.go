// Package cloudapi talks to the hosted messaging API for accounts that do
// not run a self-hosted session.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"outreach/internal/domain"
	"outreach/internal/observability"
	"outreach/internal/transport"
)

const DefaultBaseURL = "https://graph.facebook.com/v19.0"

type Credentials struct {
	PhoneNumberID string
	AccessToken   string
}

type Identity struct {
	ID                 string `json:"id"`
	DisplayPhoneNumber string `json:"display_phone_number"`
	VerifiedName       string `json:"verified_name"`
}

type SendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (r SendResponse) MessageID() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[0].ID
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Breaker *gobreaker.CircuitBreaker

	// RPS and Burst bound calls per phone number id; zero disables.
	RPS   float64
	Burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewBreaker trips after consecutive transient failures. Rejections such as
// an invalid recipient do not count against the provider.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:         name,
		MaxRequests:  3,
		Timeout:      20 * time.Second,
		ReadyToTrip:  func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		IsSuccessful: func(err error) bool { return err == nil || !providerFault(err) },
	})
}

func providerFault(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		c := ae.Category()
		return c == transport.CategoryTransient || c == transport.CategoryRateLimited
	}
	return !errors.Is(err, context.Canceled)
}

func (c *Client) limiter(key string) *rate.Limiter {
	if c.RPS <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limiters == nil {
		c.limiters = make(map[string]*rate.Limiter)
	}
	l, ok := c.limiters[key]
	if !ok {
		burst := c.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(c.RPS), burst)
		c.limiters[key] = l
	}
	return l
}

// ValidateCredentials reads the phone number identity, retrying transient
// failures since the read has no side effects. Bad tokens come back as an
// *APIError in the auth category.
func (c *Client) ValidateCredentials(ctx context.Context, creds Credentials) (Identity, error) {
	if creds.PhoneNumberID == "" || creds.AccessToken == "" {
		return Identity{}, &transport.Error{Kind: transport.CategoryAuth, Message: "hosted credentials are missing"}
	}
	var raw []byte
	for attempt := 0; ; attempt++ {
		var status int
		var err error
		raw, status, err = c.do(ctx, creds, http.MethodGet, "/"+creds.PhoneNumberID+"?fields=id,display_phone_number,verified_name", nil)
		if err == nil {
			break
		}
		if attempt == maxAttempts-1 || circuitOpen(err) || !ShouldRetry(err, status) {
			return Identity{}, err
		}
		select {
		case <-time.After(Backoff(attempt)):
		case <-ctx.Done():
			return Identity{}, ctx.Err()
		}
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return Identity{}, &transport.Error{Kind: transport.CategoryTransient, Message: "decode identity: " + err.Error()}
	}
	return id, nil
}

func (c *Client) SendText(ctx context.Context, creds Credentials, to, body string) (SendResponse, error) {
	return c.send(ctx, creds, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                recipient(to),
		"type":              "text",
		"text":              map[string]any{"preview_url": false, "body": body},
	})
}

func (c *Client) SendMedia(ctx context.Context, creds Credentials, to string, m domain.Media) (SendResponse, error) {
	obj := map[string]any{"link": m.URL}
	if m.Caption != "" && m.Kind != domain.KindAudio {
		obj["caption"] = m.Caption
	}
	if m.Kind == domain.KindDocument && m.FileName != "" {
		obj["filename"] = m.FileName
	}
	return c.send(ctx, creds, map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                recipient(to),
		"type":              string(m.Kind),
		string(m.Kind):      obj,
	})
}

// SendOutcome folds a send call into the provider-agnostic result shape.
func SendOutcome(resp SendResponse, err error) domain.SendResult {
	if err != nil {
		return domain.SendResult{Error: err.Error()}
	}
	return domain.SendResult{Success: true, MessageID: resp.MessageID()}
}

func (c *Client) send(ctx context.Context, creds Credentials, payload map[string]any) (SendResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResponse{}, err
	}

	// one POST per message: a failed call may still have been delivered,
	// so the caller owns any retry
	start := time.Now()
	raw, status, err := c.do(ctx, creds, http.MethodPost, "/"+creds.PhoneNumberID+"/messages", body)
	if err != nil {
		observability.CloudSend.WithLabelValues("error", strconv.Itoa(status)).Inc()
		return SendResponse{}, err
	}
	var out SendResponse
	if err := json.Unmarshal(raw, &out); err != nil || out.MessageID() == "" {
		observability.CloudSend.WithLabelValues("bad_response", strconv.Itoa(status)).Inc()
		return SendResponse{}, &transport.Error{Kind: transport.CategoryUnknown, Message: "response without message id"}
	}
	observability.CloudSend.WithLabelValues("ok", strconv.Itoa(status)).Inc()
	observability.CloudLatency.Observe(time.Since(start).Seconds())
	return out, nil
}

// maxAttempts bounds identity reads; sends are never repeated.
const maxAttempts = 3

func circuitOpen(err error) bool {
	var te *transport.Error
	return errors.As(err, &te) && te.Code == "circuit_open"
}

type callResult struct {
	raw    []byte
	status int
}

func (c *Client) do(ctx context.Context, creds Credentials, method, path string, body []byte) ([]byte, int, error) {
	if l := c.limiter(creds.PhoneNumberID); l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, 0, &transport.Error{Kind: transport.CategoryRateLimited, Code: "local_limit", Message: err.Error()}
		}
	}

	call := func() (any, error) {
		base := strings.TrimRight(c.BaseURL, "/")
		if base == "" {
			base = DefaultBaseURL
		}
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, base+path, rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		hc := c.HTTP
		if hc == nil {
			hc = http.DefaultClient
		}
		resp, err := hc.Do(req)
		if err != nil {
			return callResult{}, err
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return callResult{raw: raw, status: resp.StatusCode}, decodeError(resp.StatusCode, raw)
		}
		return callResult{raw: raw, status: resp.StatusCode}, nil
	}

	var (
		out any
		err error
	)
	if c.Breaker == nil {
		out, err = call()
	} else {
		out, err = c.Breaker.Execute(call)
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.CloudSend.WithLabelValues("cb_open", "0").Inc()
		return nil, 0, &transport.Error{Kind: transport.CategoryTransient, Code: "circuit_open", Message: err.Error()}
	}
	res, _ := out.(callResult)
	if err != nil {
		var ae *APIError
		if !errors.As(err, &ae) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = &transport.Error{Kind: transport.CategoryTransient, Message: err.Error()}
		}
		return res.raw, res.status, err
	}
	return res.raw, res.status, nil
}

func decodeError(status int, raw []byte) error {
	var env struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || env.Error == nil {
		return &APIError{HTTPStatus: status, Message: http.StatusText(status)}
	}
	env.Error.HTTPStatus = status
	return env.Error
}

func recipient(to string) string {
	return strings.TrimPrefix(to, "+")
}
