package notify

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/nugget/sentryd/internal/httpkit"
)

// WebhookProvider posts a notification as a signed JSON payload. The
// signature goes in X-Sentryd-Signature as a hex-encoded keyed BLAKE2b
// digest over the raw body, so the receiving endpoint can authenticate
// the sender without a shared TLS client cert.
type WebhookProvider struct {
	URL        string
	SigningKey []byte
	Client     *http.Client
}

// NewWebhookProvider builds a WebhookProvider with the shared outbound
// HTTP client: a 10s timeout plus two retries on transient connection
// errors, since a delivery worth queuing durably is also worth retrying
// past a flaky DNS lookup or a restarting receiver.
func NewWebhookProvider(url string, signingKey []byte) *WebhookProvider {
	return &WebhookProvider{
		URL:        url,
		SigningKey: signingKey,
		Client:     httpkit.NewClient(httpkit.WithTimeout(10*time.Second), httpkit.WithRetry(2, 500*time.Millisecond)),
	}
}

type webhookPayload struct {
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Send implements Provider.
func (w *WebhookProvider) Send(ctx context.Context, message, title string, data map[string]any) error {
	body, err := json.Marshal(webhookPayload{Title: title, Message: message, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(w.SigningKey) > 0 {
		sig, err := w.sign(body)
		if err != nil {
			return fmt.Errorf("webhook: sign payload: %w", err)
		}
		req.Header.Set("X-Sentryd-Signature", sig)
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request failed: %w", err)
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}

func (w *WebhookProvider) sign(body []byte) (string, error) {
	mac, err := blake2b.New256(w.SigningKey)
	if err != nil {
		return "", err
	}
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
