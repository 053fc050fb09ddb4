package cloudapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const SignatureHeader = "X-Hub-Signature-256"

// VerifySignature checks the sha256=<hex> HMAC of the raw body.
func VerifySignature(appSecret string, body []byte, provided string) bool {
	sig, ok := strings.CutPrefix(provided, "sha256=")
	if !ok || appSecret == "" {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}

// VerifyChallenge answers the subscription handshake.
func VerifyChallenge(q url.Values, verifyToken string) (string, bool) {
	if q.Get("hub.mode") != "subscribe" || verifyToken == "" {
		return "", false
	}
	if !hmac.Equal([]byte(q.Get("hub.verify_token")), []byte(verifyToken)) {
		return "", false
	}
	return q.Get("hub.challenge"), true
}

type EventType string

const (
	EventMessage EventType = "message"
	EventStatus  EventType = "status"
)

type EventError struct {
	Code    int    `json:"code"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
}

// Event is one normalized webhook notification: an inbound message or a
// delivery status for something we sent.
type Event struct {
	Type          EventType    `json:"type"`
	PhoneNumberID string       `json:"phoneNumberId"`
	MessageID     string       `json:"messageId"`
	Timestamp     time.Time    `json:"timestamp"`
	From          string       `json:"from,omitempty"`
	Kind          string       `json:"kind,omitempty"`
	Text          string       `json:"text,omitempty"`
	MediaID       string       `json:"mediaId,omitempty"`
	MimeType      string       `json:"mimeType,omitempty"`
	Status        string       `json:"status,omitempty"`
	Recipient     string       `json:"recipient,omitempty"`
	Errors        []EventError `json:"errors,omitempty"`
}

type envelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string      `json:"field"`
			Value changeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type mediaPayload struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type changeValue struct {
	Metadata struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Messages []struct {
		From      string `json:"from"`
		ID        string `json:"id"`
		Timestamp string `json:"timestamp"`
		Type      string `json:"type"`
		Text      *struct {
			Body string `json:"body"`
		} `json:"text"`
		Button *struct {
			Text string `json:"text"`
		} `json:"button"`
		Image    *mediaPayload `json:"image"`
		Audio    *mediaPayload `json:"audio"`
		Video    *mediaPayload `json:"video"`
		Document *mediaPayload `json:"document"`
		Sticker  *mediaPayload `json:"sticker"`
	} `json:"messages"`
	Statuses []struct {
		ID          string       `json:"id"`
		Status      string       `json:"status"`
		Timestamp   string       `json:"timestamp"`
		RecipientID string       `json:"recipient_id"`
		Errors      []EventError `json:"errors"`
	} `json:"statuses"`
}

// ParseWebhook flattens envelope → entries → changes into events. Changes
// for other fields are ignored.
func ParseWebhook(body []byte) ([]Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	var out []Event
	for _, entry := range env.Entry {
		for _, ch := range entry.Changes {
			if ch.Field != "" && ch.Field != "messages" {
				continue
			}
			v := ch.Value
			pnid := v.Metadata.PhoneNumberID
			for _, m := range v.Messages {
				ev := Event{
					Type:          EventMessage,
					PhoneNumberID: pnid,
					MessageID:     m.ID,
					Timestamp:     unixString(m.Timestamp),
					From:          m.From,
					Kind:          m.Type,
				}
				switch {
				case m.Text != nil:
					ev.Text = m.Text.Body
				case m.Button != nil:
					ev.Text = m.Button.Text
				}
				for _, mp := range []*mediaPayload{m.Image, m.Audio, m.Video, m.Document, m.Sticker} {
					if mp != nil {
						ev.MediaID, ev.MimeType, ev.Text = mp.ID, mp.MimeType, mp.Caption
						break
					}
				}
				out = append(out, ev)
			}
			for _, s := range v.Statuses {
				out = append(out, Event{
					Type:          EventStatus,
					PhoneNumberID: pnid,
					MessageID:     s.ID,
					Timestamp:     unixString(s.Timestamp),
					Status:        s.Status,
					Recipient:     s.RecipientID,
					Errors:        s.Errors,
				})
			}
		}
	}
	return out, nil
}

func unixString(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}
