package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Calendar operations carried through the outbox.
const (
	OpCreateEvent = "create_event"
	OpDeleteEvent = "delete_event"
)

// EventPayload is one deadline event. TaskID doubles as the external event
// key so retried creates are idempotent on the remote side.
type EventPayload struct {
	TaskID   string    `json:"task_id"`
	Title    string    `json:"title"`
	Deadline time.Time `json:"deadline"`
	Assignee string    `json:"assignee,omitempty"`
}

// Calendar pushes task deadlines into an external calendar service.
type Calendar struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewCalendar(baseURL, apiKey string) *Calendar {
	return &Calendar{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: BatchTimeout},
	}
}

func (c *Calendar) Name() string { return "calendar" }

func (c *Calendar) Enabled() bool { return c.baseURL != "" }

func (c *Calendar) Execute(ctx context.Context, op string, payload []byte) error {
	var p EventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return &AdapterError{Adapter: c.Name(), Kind: KindPermanent, Err: fmt.Errorf("decode payload: %w", err)}
	}

	switch op {
	case OpCreateEvent:
		return c.do(ctx, http.MethodPut, "/events/"+p.TaskID, p)
	case OpDeleteEvent:
		return c.do(ctx, http.MethodDelete, "/events/"+p.TaskID, nil)
	default:
		return &AdapterError{Adapter: c.Name(), Kind: KindPermanent, Err: fmt.Errorf("unknown op %q", op)}
	}
}

func (c *Calendar) do(ctx context.Context, method, path string, body any) error {
	ctx, cancel := withDeadline(ctx, WriteTimeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &AdapterError{Adapter: c.Name(), Kind: KindPermanent, Err: fmt.Errorf("marshal body: %w", err)}
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return &AdapterError{Adapter: c.Name(), Kind: KindPermanent, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return AsAdapterError(c.Name(), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	// Deleting an event that was never created is fine.
	if method == http.MethodDelete && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return classifyStatus(c.Name(), resp)
}
