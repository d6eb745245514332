package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/stridefed/courier/internal/signing"
)

// Transport posts one payload to one endpoint. The worker treats it as
// opaque: a status code when the remote answered, an error otherwise.
type Transport interface {
	Post(ctx context.Context, endpoint, originID string, payload []byte) (int, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, endpoint, originID string, payload []byte) (int, error)

func (f TransportFunc) Post(ctx context.Context, endpoint, originID string, payload []byte) (int, error) {
	return f(ctx, endpoint, originID, payload)
}

// HTTPTransport is the production transport: a plain POST with a per-attempt
// timeout, signed with the origin's key when a resolver is configured.
type HTTPTransport struct {
	client  *http.Client
	resolve signing.KeyResolver
}

func NewHTTPTransport(timeout time.Duration, resolve signing.KeyResolver) *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{
			Timeout: timeout,
		},
		resolve: resolve,
	}
}

func (t *HTTPTransport) Post(ctx context.Context, endpoint, originID string, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", "Courier/1.0")

	if t.resolve != nil {
		keyID, key, err := t.resolve(originID)
		if err != nil {
			return 0, err
		}
		if err := signing.Sign(req, keyID, key, payload); err != nil {
			return 0, err
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode, nil
}
