package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPPush posts notifications as JSON to an FCM-style HTTP endpoint using a bearer key.
type HTTPPush struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewHTTPPush(endpoint, key string) *HTTPPush {
	return &HTTPPush{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type pushMessage struct {
	UserID       string            `json:"user_id"`
	Tokens       []string          `json:"tokens,omitempty"`
	Notification pushBody          `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type pushBody struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// SendToUser lets the endpoint resolve the user's devices itself.
func (f *HTTPPush) SendToUser(ctx context.Context, userID string, n Notification) error {
	return f.Deliver(ctx, userID, nil, n)
}

// Deliver posts n addressed to the given device tokens.
func (f *HTTPPush) Deliver(ctx context.Context, userID string, tokens []string, n Notification) error {
	body := map[string]any{"message": pushMessage{
		UserID:       userID,
		Tokens:       tokens,
		Notification: pushBody{Title: n.Title, Body: n.Body},
		Data:         n.Data,
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
