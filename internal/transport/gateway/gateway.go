// Package gateway drives self-hosted messaging sessions through a session
// gateway sidecar. Each account gets its own websocket; the sidecar speaks
// the messaging network protocol and relays lifecycle events as JSON frames.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"outreach/internal/domain"
	"outreach/internal/transport"
)

const (
	frameStart       = "start"
	frameSend        = "send"
	framePing        = "ping"
	frameLogout      = "logout"
	frameQR          = "qr"
	framePairingCode = "pairing_code"
	frameConnected   = "connected"
	frameCredentials = "credentials"
	frameClosed      = "closed"
	frameSendResult  = "send_result"
	framePong        = "pong"
)

type frame struct {
	Type         string        `json:"type"`
	ID           string        `json:"id,omitempty"`
	AccountID    string        `json:"accountId,omitempty"`
	PairingPhone string        `json:"pairingPhone,omitempty"`
	Credentials  []byte        `json:"credentials,omitempty"`
	To           string        `json:"to,omitempty"`
	Text         string        `json:"text,omitempty"`
	Media        *domain.Media `json:"media,omitempty"`
	Code         string        `json:"code,omitempty"`
	Phone        string        `json:"phone,omitempty"`
	MessageID    string        `json:"messageId,omitempty"`
	LoggedOut    bool          `json:"loggedOut,omitempty"`
	Error        *frameError   `json:"error,omitempty"`
}

type frameError struct {
	Category string `json:"category"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
}

func (e *frameError) toError() error {
	cat := transport.Category(e.Category)
	if cat == "" {
		cat = transport.CategoryUnknown
	}
	return &transport.Error{Kind: cat, Code: e.Code, Message: e.Message}
}

type Config struct {
	URL            string
	Header         http.Header
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
}

// Dialer opens gateway sessions.
type Dialer struct {
	cfg Config
	ws  *websocket.Dialer
	log *slog.Logger
}

func NewDialer(cfg Config, log *slog.Logger) *Dialer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dialer{
		cfg: cfg,
		ws:  &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		log: log,
	}
}

func (d *Dialer) Dial(ctx context.Context, acct domain.Account, credentials []byte, sink transport.Sink) (transport.Session, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("gateway url: %w", err)
	}
	q := u.Query()
	q.Set("account", acct.ID)
	u.RawQuery = q.Encode()

	conn, resp, err := d.ws.DialContext(ctx, u.String(), d.cfg.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &transport.Error{Kind: transport.CategoryAuth, Code: resp.Status, Message: "gateway rejected session"}
		}
		return nil, &transport.Error{Kind: transport.CategoryTransient, Message: err.Error()}
	}

	s := &session{
		conn:    conn,
		cfg:     d.cfg,
		sink:    sink,
		pending: make(map[string]chan frame),
		done:    make(chan struct{}),
		log:     d.log.With("account_id", acct.ID),
	}
	start := frame{Type: frameStart, ID: ulid.Make().String(), AccountID: acct.ID, PairingPhone: acct.PairingPhone, Credentials: credentials}
	if err := s.write(start); err != nil {
		_ = conn.Close()
		return nil, &transport.Error{Kind: transport.CategoryTransient, Message: err.Error()}
	}
	go s.readPump()
	return s, nil
}

type session struct {
	conn *websocket.Conn
	cfg  Config
	sink transport.Sink
	log  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame

	done      chan struct{}
	closeOnce sync.Once
}

var errSessionClosed = errors.New("gateway session closed")

func (s *session) write(f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteJSON(f)
}

func (s *session) request(ctx context.Context, f frame) (frame, error) {
	f.ID = ulid.Make().String()
	ch := make(chan frame, 1)
	s.mu.Lock()
	s.pending[f.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, f.ID)
		s.mu.Unlock()
	}()

	if err := s.write(f); err != nil {
		return frame{}, &transport.Error{Kind: transport.CategoryTransient, Message: err.Error()}
	}

	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-s.done:
		return frame{}, &transport.Error{Kind: transport.CategoryTransient, Message: errSessionClosed.Error()}
	case <-timer.C:
		return frame{}, &transport.Error{Kind: transport.CategoryTransient, Message: "gateway request timed out"}
	}
}

func (s *session) Send(ctx context.Context, msg transport.Outbound) (transport.Result, error) {
	resp, err := s.request(ctx, frame{Type: frameSend, To: msg.To, Text: msg.Text, Media: msg.Media})
	if err != nil {
		return transport.Result{}, err
	}
	if resp.Error != nil {
		return transport.Result{}, resp.Error.toError()
	}
	return transport.Result{MessageID: resp.MessageID}, nil
}

func (s *session) Probe(ctx context.Context) error {
	resp, err := s.request(ctx, frame{Type: framePing})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error.toError()
	}
	return nil
}

func (s *session) Logout(context.Context) error {
	return s.write(frame{Type: frameLogout, ID: ulid.Make().String()})
}

func (s *session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *session) closedLocally() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) readPump() {
	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if !s.closedLocally() {
				s.log.Warn("gateway read failed", "err", err)
				s.sink(transport.Event{Kind: transport.EventClosed, Err: err})
				_ = s.Close()
			}
			return
		}

		switch f.Type {
		case frameQR:
			s.sink(transport.Event{Kind: transport.EventQR, Code: f.Code})
		case framePairingCode:
			s.sink(transport.Event{Kind: transport.EventPairingCode, Code: f.Code})
		case frameConnected:
			s.sink(transport.Event{Kind: transport.EventConnected, Phone: f.Phone})
		case frameCredentials:
			s.sink(transport.Event{Kind: transport.EventCredentials, Credentials: f.Credentials})
		case frameClosed:
			ev := transport.Event{Kind: transport.EventClosed, LoggedOut: f.LoggedOut}
			if f.Error != nil {
				ev.Err = f.Error.toError()
			}
			if !s.closedLocally() {
				s.sink(ev)
			}
			_ = s.Close()
			return
		case frameSendResult, framePong:
			s.mu.Lock()
			ch, ok := s.pending[f.ID]
			s.mu.Unlock()
			if ok {
				select {
				case ch <- f:
				default:
				}
			}
		default:
			s.log.Debug("ignoring gateway frame", "type", f.Type)
		}
	}
}
