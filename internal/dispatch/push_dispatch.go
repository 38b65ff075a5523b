package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushDispatcher posts notifications to a push provider endpoint in the
// FCM message shape.
type PushDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushDispatcher(endpoint, key string) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushDispatcher) Notify(ctx context.Context, n Notification) error {
	body := map[string]any{"message": map[string]any{
		"topic":        "user-" + n.UserID,
		"notification": map[string]string{"title": n.Title, "body": n.Body},
		"data":         map[string]any{"type": n.Type, "payload": n.Data},
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("dispatch.Push.Marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("dispatch.Push.NewRequest: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch.Push.Do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dispatch.Push: unexpected status %d", resp.StatusCode)
	}
	return nil
}
