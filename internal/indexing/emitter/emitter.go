// Package emitter sends operator notifications.
package emitter

import (
	"context"
	"log/slog"
	"sync"
)

// Messager delivers operator notifications.
type Messager interface {
	// Send delivers a single message
	Send(ctx context.Context, content string) error
}

// Config selects the messager implementation.
type Config struct {
	WebhookURL string `yaml:"webhook_url"`
	Username   string `yaml:"username"`
}

// New returns a Discord messager, or a Null messager when no webhook is
// configured.
func New(cfg Config) Messager {
	if cfg.WebhookURL == "" {
		slog.Warn("Discord webhook not configured, messages disabled")
		return Null{}
	}
	return NewDiscord(cfg.WebhookURL, cfg.Username)
}

// Null logs messages instead of sending them.
type Null struct{}

func (Null) Send(ctx context.Context, content string) error {
	slog.Info("Null messager", "content", content)
	return nil
}

// Recorder keeps sent messages in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *Recorder) Send(ctx context.Context, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, content)
	return nil
}

// Messages returns a copy of everything sent so far.
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}
