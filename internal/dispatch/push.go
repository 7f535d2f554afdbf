package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Notifier delivers a message addressed to one user.
type Notifier interface {
	Notify(ctx context.Context, userID string, msg Message) error
}

type Pusher interface {
	Push(ctx context.Context, userID string, msg Message) error
}

// HTTPPush posts messages to a push gateway (FCM-style JSON envelope).
type HTTPPush struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewHTTPPush(endpoint, key string) *HTTPPush {
	return &HTTPPush{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *HTTPPush) Push(ctx context.Context, userID string, msg Message) error {
	body := map[string]any{"message": map[string]any{"user_id": userID, "data": msg}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}
	return nil
}

// Deliverer tries the websocket session first and falls back to push.
type Deliverer struct {
	Hub  *Hub
	Push Pusher
}

func (d *Deliverer) Notify(ctx context.Context, userID string, msg Message) error {
	if d.Hub != nil {
		err := d.Hub.SendTo(userID, msg)
		if err == nil {
			return nil
		}
		if d.Push == nil {
			return err
		}
		if !errors.Is(err, ErrNoSession) {
			d.Hub.logger.Debug("ws delivery failed, falling back to push", "user_id", userID, "err", err)
		}
	}
	if d.Push == nil {
		return ErrNoSession
	}
	return d.Push.Push(ctx, userID, msg)
}
