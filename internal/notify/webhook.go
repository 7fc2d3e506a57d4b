package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookProvider POSTs alerts to per-device HTTPS endpoints (the shape most
// push gateways expose). Target.Endpoint is the URL.
//
// Status mapping follows push-gateway convention: 404/410 mean the endpoint
// is permanently gone and the target should be pruned; everything else that
// fails is transient.
type WebhookProvider struct {
	client *http.Client
}

func NewWebhookProvider(timeout time.Duration) *WebhookProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookProvider{client: &http.Client{Timeout: timeout}}
}

func (p *WebhookProvider) Name() string { return "webhook" }

func (p *WebhookProvider) Deliver(ctx context.Context, target PushTarget, alert Alert) (DeliveryStatus, error) {
	if target.Endpoint == "" {
		return DeliveryGone, fmt.Errorf("webhook target %s has no endpoint", target.ID)
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return DeliveryTransient, fmt.Errorf("encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Endpoint, bytes.NewReader(body))
	if err != nil {
		return DeliveryGone, fmt.Errorf("bad endpoint url: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return DeliveryTransient, fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return DeliveryOk, nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return DeliveryGone, fmt.Errorf("endpoint reported %d", resp.StatusCode)
	default:
		return DeliveryTransient, fmt.Errorf("endpoint reported %d", resp.StatusCode)
	}
}
