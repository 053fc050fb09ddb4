package cloudapi

import (
	"context"

	"outreach/internal/domain"
	"outreach/internal/transport"
)

// Dialer exposes hosted accounts through the session contract. A hosted
// account is connected as soon as its credentials check out; there is no
// pairing step and no socket to keep alive.
type Dialer struct {
	Client *Client
}

func (d Dialer) Dial(ctx context.Context, acct domain.Account, _ []byte, sink transport.Sink) (transport.Session, error) {
	creds := Credentials{PhoneNumberID: acct.CloudPhoneNumberID, AccessToken: acct.CloudAccessToken}
	id, err := d.Client.ValidateCredentials(ctx, creds)
	if err != nil {
		return nil, err
	}
	phone := id.DisplayPhoneNumber
	if phone == "" {
		phone = id.VerifiedName
	}
	sink(transport.Event{Kind: transport.EventConnected, Phone: phone})
	return &session{client: d.Client, creds: creds}, nil
}

type session struct {
	client *Client
	creds  Credentials
}

func (s *session) Send(ctx context.Context, msg transport.Outbound) (transport.Result, error) {
	var (
		resp SendResponse
		err  error
	)
	if msg.Media != nil {
		resp, err = s.client.SendMedia(ctx, s.creds, msg.To, *msg.Media)
	} else {
		resp, err = s.client.SendText(ctx, s.creds, msg.To, msg.Text)
	}
	if err != nil {
		return transport.Result{}, err
	}
	return transport.Result{MessageID: resp.MessageID()}, nil
}

func (s *session) Probe(ctx context.Context) error {
	_, err := s.client.ValidateCredentials(ctx, s.creds)
	return err
}

func (s *session) Logout(context.Context) error { return nil }

func (s *session) Close() error { return nil }
