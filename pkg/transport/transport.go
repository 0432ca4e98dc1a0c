// Package transport moves signed tokens and key material between
// instances over HTTPS. Delivery errors are classified into the retry
// taxonomy: transient failures (network errors, 5xx) wrap
// action.ErrDeliveryTransient, permanent failures (4xx, unknown
// recipient) wrap action.ErrDeliveryPermanent.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/latticehq/lattice/pkg/action"
)

// Transport pushes a signed token to a destination instance's inbox.
// A nil return means the destination accepted the token.
type Transport interface {
	Deliver(ctx context.Context, destination, token string) error
}

// InboxRequest is the wire form POSTed to a remote inbox.
type InboxRequest struct {
	Token string `json:"token"`
}

// HTTPTransport delivers over HTTPS to the destination id-tag's inbox
// endpoint.
type HTTPTransport struct {
	client *http.Client
	// scheme is overridable for tests against httptest servers.
	scheme string
}

func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{client: client, scheme: "https"}
}

// WithScheme returns a copy using the given URL scheme.
func (t *HTTPTransport) WithScheme(scheme string) *HTTPTransport {
	cp := *t
	cp.scheme = scheme
	return &cp
}

func (t *HTTPTransport) inboxURL(destination string) string {
	return fmt.Sprintf("%s://%s/api/inbox", t.scheme, destination)
}

func (t *HTTPTransport) Deliver(ctx context.Context, destination, token string) error {
	body, err := json.Marshal(InboxRequest{Token: token})
	if err != nil {
		return fmt.Errorf("%w: encode inbox request: %w", action.ErrDeliveryPermanent, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.inboxURL(destination), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", action.ErrDeliveryPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post to %s: %w", action.ErrDeliveryTransient, destination, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s responded %d", action.ErrDeliveryTransient, destination, resp.StatusCode)
	default:
		return fmt.Errorf("%w: %s responded %d", action.ErrDeliveryPermanent, destination, resp.StatusCode)
	}
}
