package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Discord posts messages to a Discord webhook.
type Discord struct {
	webhookURL string
	username   string
	httpClient *http.Client
}

func NewDiscord(webhookURL, username string) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		username:   username,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type discordMessage struct {
	Content  string `json:"content"`
	Username string `json:"username,omitempty"`
}

func (d *Discord) Send(ctx context.Context, content string) error {
	body, err := json.Marshal(discordMessage{Content: content, Username: d.username})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
