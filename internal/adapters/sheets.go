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

// Tabular mirror operations carried through the outbox.
const (
	OpUpsertRow  = "upsert_row"
	OpDeleteRow  = "delete_row"
	OpAppendTime = "append_time_entry"
)

// RowPayload is one task row for the external tabular mirror, keyed by the
// task's public ID so retries overwrite rather than duplicate.
type RowPayload struct {
	TaskID   string     `json:"task_id"`
	Title    string     `json:"title"`
	Assignee string     `json:"assignee,omitempty"`
	Status   string     `json:"status"`
	Priority string     `json:"priority"`
	Deadline *time.Time `json:"deadline,omitempty"`
	Progress int        `json:"progress"`
}

// TimeEntryPayload is one appended timesheet row.
type TimeEntryPayload struct {
	UserName string    `json:"user_name"`
	TaskID   string    `json:"task_id,omitempty"`
	Started  time.Time `json:"started"`
	Minutes  int       `json:"minutes"`
}

// Sheets mirrors tasks into an external tabular service over its HTTP API.
type Sheets struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewSheets(baseURL, apiKey string) *Sheets {
	return &Sheets{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: BatchTimeout},
	}
}

func (s *Sheets) Name() string { return "sheets" }

// Enabled reports whether a mirror endpoint is configured. When false the
// task processor skips enqueueing sheet effects entirely.
func (s *Sheets) Enabled() bool { return s.baseURL != "" }

func (s *Sheets) Execute(ctx context.Context, op string, payload []byte) error {
	switch op {
	case OpUpsertRow:
		var p RowPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return &AdapterError{Adapter: s.Name(), Kind: KindPermanent, Err: fmt.Errorf("decode payload: %w", err)}
		}
		return s.do(ctx, http.MethodPut, "/rows/"+p.TaskID, p, WriteTimeout)
	case OpDeleteRow:
		var p RowPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return &AdapterError{Adapter: s.Name(), Kind: KindPermanent, Err: fmt.Errorf("decode payload: %w", err)}
		}
		return s.do(ctx, http.MethodDelete, "/rows/"+p.TaskID, nil, WriteTimeout)
	case OpAppendTime:
		var p TimeEntryPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return &AdapterError{Adapter: s.Name(), Kind: KindPermanent, Err: fmt.Errorf("decode payload: %w", err)}
		}
		return s.do(ctx, http.MethodPost, "/time_entries", p, WriteTimeout)
	default:
		return &AdapterError{Adapter: s.Name(), Kind: KindPermanent, Err: fmt.Errorf("unknown op %q", op)}
	}
}

// LookupMember queries the mirror's member directory by display name. Used as
// the second tier of assignee resolution; a miss returns ("", nil).
func (s *Sheets) LookupMember(ctx context.Context, name string) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	ctx, cancel := withDeadline(ctx, ReadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/members?name="+name, nil)
	if err != nil {
		return "", fmt.Errorf("sheets: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", AsAdapterError(s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(s.Name(), resp)
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("sheets: decode member: %w", err)
	}
	return body.Name, nil
}

func (s *Sheets) do(ctx context.Context, method, path string, body any, timeout time.Duration) error {
	ctx, cancel := withDeadline(ctx, timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &AdapterError{Adapter: s.Name(), Kind: KindPermanent, Err: fmt.Errorf("marshal body: %w", err)}
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, rdr)
	if err != nil {
		return &AdapterError{Adapter: s.Name(), Kind: KindPermanent, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return AsAdapterError(s.Name(), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return classifyStatus(s.Name(), resp)
}
