package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
)

// WhatsAppTransport posts {"phone", "message"} to an HTTP messaging gateway,
// one request per recipient, authenticated with a bearer token.
type WhatsAppTransport struct {
	client *http.Client
}

// NewWhatsAppTransport returns a gateway transport. A nil client uses
// http.DefaultClient; attempts are bounded by the caller's context.
func NewWhatsAppTransport(client *http.Client) *WhatsAppTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &WhatsAppTransport{client: client}
}

type gatewayRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

// Send implements Transport.
func (t *WhatsAppTransport) Send(ctx context.Context, cfg ChannelConfig, msg Message) error {
	if cfg.Gateway == nil || cfg.Gateway.URL == "" {
		return configurationf("whatsapp: gateway url missing")
	}
	var failed []string
	var errs error
	for _, phone := range cfg.Recipients {
		if err := t.post(ctx, *cfg.Gateway, gatewayRequest{Phone: phone, Message: msg.Short}); err != nil {
			failed = append(failed, phone)
			errs = errors.CombineErrors(errs, err)
		}
	}
	if errs != nil {
		return &RecipientsError{Failed: failed, Err: errs}
	}
	return nil
}

func (t *WhatsAppTransport) post(ctx context.Context, gw GatewaySettings, payload gatewayRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "whatsapp: encode payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gw.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Mark(errors.Wrap(err, "whatsapp: build request"), ErrConfiguration)
	}
	req.Header.Set("Content-Type", "application/json")
	if gw.Token != "" {
		req.Header.Set("Authorization", "Bearer "+gw.Token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "whatsapp: gateway request")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Newf("whatsapp: gateway returned %s", resp.Status)
	}
	return nil
}
