package adapters

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
)

// OpPost delivers an arbitrary JSON document to a configured downstream URL.
const OpPost = "post"

// Webhook is the generic outbound delivery adapter for integrations that just
// want task events pushed at them. Payloads pass through verbatim; delivery
// is signed so receivers can verify origin.
type Webhook struct {
	targetURL     string
	signingSecret string
	client        *http.Client
}

func NewWebhook(targetURL, signingSecret string) *Webhook {
	return &Webhook{
		targetURL:     targetURL,
		signingSecret: signingSecret,
		client:        &http.Client{Timeout: WriteTimeout},
	}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Enabled() bool { return w.targetURL != "" }

func (w *Webhook) Execute(ctx context.Context, op string, payload []byte) error {
	if op != OpPost {
		return &AdapterError{Adapter: w.Name(), Kind: KindPermanent, Err: fmt.Errorf("unknown op %q", op)}
	}

	ctx, cancel := withDeadline(ctx, WriteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.targetURL, bytes.NewReader(payload))
	if err != nil {
		return &AdapterError{Adapter: w.Name(), Kind: KindPermanent, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if w.signingSecret != "" {
		mac := hmac.New(sha256.New, []byte(w.signingSecret))
		mac.Write(payload)
		req.Header.Set("X-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return AsAdapterError(w.Name(), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return classifyStatus(w.Name(), resp)
}
