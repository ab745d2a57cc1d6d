package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	SignatureHeader = "X-Countersign-Signature"
	EventHeader     = "X-Countersign-Event"
)

// WebhookClient posts signed event payloads to caller-supplied URLs.
type WebhookClient struct {
	key    []byte
	client *http.Client
}

func NewWebhookClient(key []byte, timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookClient{key: key, client: &http.Client{Timeout: timeout}}
}

// Deliver makes a single attempt. Any non-2xx response is an error.
func (c *WebhookClient) Deliver(ctx context.Context, url string, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Countersign-Webhooks/1.0")
	req.Header.Set(EventHeader, string(event.Event))
	req.Header.Set(SignatureHeader, SignBody(c.key, body))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func SignBody(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a SignatureHeader value against body. Receivers that
// embed this module can use it directly.
func VerifySignature(key, body []byte, header string) bool {
	sig := strings.TrimSpace(header)
	if sig == "" || len(key) == 0 {
		return false
	}
	if strings.HasPrefix(strings.ToLower(sig), "sha256=") {
		sig = sig[len("sha256="):]
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
