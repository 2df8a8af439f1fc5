package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/paras0369/callcore/internal/reliability"
)

// Notification is one pending incoming-call record on the notification channel.
type Notification struct {
	NotificationID string    `json:"notification_id"`
	CalleeID       string    `json:"callee_id"`
	CallID         string    `json:"call_id"`
	Mode           string    `json:"mode"`
	CallerName     string    `json:"caller_name"`
	Rate           string    `json:"rate,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NotifyRequest is the payload for signaling an intended recipient.
type NotifyRequest struct {
	CalleeID   string `json:"callee_id"`
	CallID     string `json:"call_id"`
	Mode       string `json:"mode"`
	CallerName string `json:"caller_name"`
	Rate       string `json:"rate,omitempty"`
}

// StatusError is a non-2xx response from the notification channel.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("notification channel returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("notification channel returned status %d", e.StatusCode)
}

// Retryable reports whether the request may succeed on a later attempt.
func (e *StatusError) Retryable() bool { return reliability.IsRetryableHTTPStatus(e.StatusCode) }

// Client talks to the notification channel backend. It is the custom
// side-channel for incoming-call intents, used alongside (not instead of)
// the media service's native ringing.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
	}
}

// NotifyIntent tells the channel that calleeID is being called. Callers
// treat failures as non-fatal: the callee may still see native ringing.
func (c *Client) NotifyIntent(ctx context.Context, calleeID, callID, mode, callerName, rate string) error {
	body, err := json.Marshal(NotifyRequest{
		CalleeID:   calleeID,
		CallID:     callID,
		Mode:       mode,
		CallerName: callerName,
		Rate:       rate,
	})
	if err != nil {
		return fmt.Errorf("notify: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/calls/notify-intended-recipient", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

// Pending fetches the notifications waiting for calleeID.
func (c *Client) Pending(ctx context.Context, calleeID string) ([]Notification, error) {
	u := c.baseURL + "/v1/calls/pending-for-me?callee_id=" + url.QueryEscape(calleeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("notify: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("notify: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var pending []Notification
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&pending); err != nil {
		return nil, fmt.Errorf("notify: decode response: %w", err)
	}
	return pending, nil
}

// AckNotification deletes a consumed notification so it cannot re-surface.
// Deleting an already-deleted record is not an error.
func (c *Client) AckNotification(ctx context.Context, notificationID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/calls/notification/"+url.PathEscape(notificationID), nil)
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return statusError(resp)
	}
	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	msg := ""
	if json.Unmarshal(body, &payload) == nil {
		msg = payload.Error
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}
