package presence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookGateway posts notifications as JSON to an HTTP endpoint.
type WebhookGateway struct {
	url    string
	client *http.Client
}

func NewWebhookGateway(url string) *WebhookGateway {
	return &WebhookGateway{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (g *WebhookGateway) Notify(ctx context.Context, userID, event string, payload any) error {
	reqBody, err := encode(userID, event, payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
