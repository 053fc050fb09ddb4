package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/domain"
	"outreach/internal/transport"
)

// fakeGateway emulates the sidecar: fresh sessions get a QR, stored
// credentials connect directly.
func fakeGateway(t *testing.T, dropAfterStart bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("account") == "forbidden" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var start frame
		if err := conn.ReadJSON(&start); err != nil || start.Type != frameStart {
			return
		}
		if dropAfterStart {
			return
		}
		if len(start.Credentials) == 0 {
			_ = conn.WriteJSON(frame{Type: frameQR, Code: "QR-1"})
		} else {
			_ = conn.WriteJSON(frame{Type: frameConnected, Phone: "+15550001111"})
			_ = conn.WriteJSON(frame{Type: frameCredentials, Credentials: []byte("rotated")})
		}

		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch f.Type {
			case frameSend:
				resp := frame{Type: frameSendResult, ID: f.ID, MessageID: "gw." + f.ID}
				if strings.HasSuffix(f.To, "999") {
					resp = frame{Type: frameSendResult, ID: f.ID, Error: &frameError{Category: "banned", Code: "403", Message: "account restricted"}}
				}
				_ = conn.WriteJSON(resp)
			case framePing:
				_ = conn.WriteJSON(frame{Type: framePong, ID: f.ID})
			case frameLogout:
				_ = conn.WriteJSON(frame{Type: frameClosed, LoggedOut: true})
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collect() (transport.Sink, chan transport.Event) {
	ch := make(chan transport.Event, 16)
	return func(e transport.Event) { ch <- e }, ch
}

func next(t *testing.T, ch chan transport.Event) transport.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("no event")
		return transport.Event{}
	}
}

func TestFreshSessionEmitsQR(t *testing.T) {
	srv := fakeGateway(t, false)
	d := NewDialer(Config{URL: wsURL(srv)}, nil)
	sink, events := collect()

	s, err := d.Dial(context.Background(), domain.Account{ID: "a1"}, nil, sink)
	require.NoError(t, err)
	defer s.Close()

	ev := next(t, events)
	assert.Equal(t, transport.EventQR, ev.Kind)
	assert.Equal(t, "QR-1", ev.Code)
}

func TestStoredCredentialsSendProbeLogout(t *testing.T) {
	srv := fakeGateway(t, false)
	d := NewDialer(Config{URL: wsURL(srv), RequestTimeout: 2 * time.Second}, nil)
	sink, events := collect()
	ctx := context.Background()

	s, err := d.Dial(ctx, domain.Account{ID: "a1"}, []byte("creds"), sink)
	require.NoError(t, err)
	defer s.Close()

	ev := next(t, events)
	assert.Equal(t, transport.EventConnected, ev.Kind)
	assert.Equal(t, "+15550001111", ev.Phone)
	ev = next(t, events)
	assert.Equal(t, transport.EventCredentials, ev.Kind)
	assert.Equal(t, []byte("rotated"), ev.Credentials)

	res, err := s.Send(ctx, transport.Outbound{To: "+15550002222", Text: "hi"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.MessageID, "gw."))

	_, err = s.Send(ctx, transport.Outbound{To: "+15550000999", Text: "hi"})
	var terr *transport.Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, transport.CategoryBanned, terr.Kind)

	require.NoError(t, s.Probe(ctx))

	require.NoError(t, s.Logout(ctx))
	ev = next(t, events)
	assert.Equal(t, transport.EventClosed, ev.Kind)
	assert.True(t, ev.LoggedOut)
}

func TestRemoteDropReportsClosed(t *testing.T) {
	srv := fakeGateway(t, true)
	d := NewDialer(Config{URL: wsURL(srv)}, nil)
	sink, events := collect()

	s, err := d.Dial(context.Background(), domain.Account{ID: "a1"}, []byte("creds"), sink)
	require.NoError(t, err)
	defer s.Close()

	ev := next(t, events)
	assert.Equal(t, transport.EventClosed, ev.Kind)
	assert.False(t, ev.LoggedOut)
	assert.Error(t, ev.Err)

	err = s.Probe(context.Background())
	assert.Error(t, err)
}

func TestRejectedHandshakeIsAuthError(t *testing.T) {
	srv := fakeGateway(t, false)
	d := NewDialer(Config{URL: wsURL(srv)}, nil)
	sink, _ := collect()

	_, err := d.Dial(context.Background(), domain.Account{ID: "forbidden"}, nil, sink)
	var terr *transport.Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, transport.CategoryAuth, terr.Kind)
}
