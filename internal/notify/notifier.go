// Package notify hands email and web notifications to the delivery service.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatcore/internal/async"
	"chatcore/internal/domain"
)

type Client struct {
	url  string
	http *http.Client
}

func NewClient(url string, timeout time.Duration) *Client {
	return &Client{url: strings.TrimRight(url, "/"), http: &http.Client{Timeout: timeout}}
}

func (c *Client) Send(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/send", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %v: %w", err, domain.ErrExternalService)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("send notification: status %d: %w", resp.StatusCode, domain.ErrExternalService)
	}
	return nil
}

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, n domain.Notification) error
}

// Notifier queues notifications on the async runner. A nil sender disables
// delivery and only logs.
type Notifier struct {
	client Sender
	runner *async.Runner
	log    zerolog.Logger
}

func NewNotifier(client Sender, runner *async.Runner, log zerolog.Logger) *Notifier {
	return &Notifier{client: client, runner: runner, log: log.With().Str("component", "notify").Logger()}
}

var _ domain.Notifier = (*Notifier)(nil)

func (n *Notifier) Notify(note domain.Notification) {
	if n.client == nil {
		n.log.Debug().Str("usecase", note.UseCase).Msg("notification delivery disabled")
		return
	}
	n.runner.Go("notify."+note.UseCase, func(ctx context.Context) error {
		if err := n.client.Send(ctx, note); err != nil {
			n.log.Warn().Err(err).Str("usecase", note.UseCase).Msg("notification not delivered")
		}
		return nil
	})
}
