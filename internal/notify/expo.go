package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const expoPushURL = "https://exp.host/--/api/v2/push/send"

// ExpoClient sends mobile push messages through Expo's push service.
// Delivery is best-effort; callers log failures and move on.
type ExpoClient struct {
	httpClient *http.Client
	url        string
}

// NewExpoClient creates an Expo push client.
func NewExpoClient(timeout time.Duration) *ExpoClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExpoClient{
		httpClient: &http.Client{Timeout: timeout},
		url:        expoPushURL,
	}
}

type expoMessage struct {
	To    string         `json:"to"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Sound string         `json:"sound"`
	Data  map[string]any `json:"data,omitempty"`
}

// Send pushes one message to one device token.
func (c *ExpoClient) Send(ctx context.Context, token, title, body string, data map[string]any) error {
	payload, err := json.Marshal(expoMessage{
		To:    token,
		Title: title,
		Body:  body,
		Sound: "default",
		Data:  data,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("expo push status %d", resp.StatusCode)
	}
	return nil
}
