package adapters

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		headers   map[string]string
		wantKind  string
		wantRetry time.Duration
		retryable bool
	}{
		{status: 429, headers: map[string]string{"Retry-After": "30"}, wantKind: KindRateLimited, wantRetry: 30 * time.Second, retryable: true},
		{status: 429, wantKind: KindRateLimited, retryable: true},
		{status: 401, wantKind: KindAuth},
		{status: 403, wantKind: KindAuth},
		{status: 404, wantKind: KindNotFound},
		{status: 500, wantKind: KindTransient, retryable: true},
		{status: 503, wantKind: KindTransient, retryable: true},
		{status: 400, wantKind: KindPermanent},
		{status: 422, wantKind: KindPermanent},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.status, Header: http.Header{}}
			for k, v := range tt.headers {
				resp.Header.Set(k, v)
			}
			ae := classifyStatus("test", resp)
			if ae.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", ae.Kind, tt.wantKind)
			}
			if ae.RetryAfter != tt.wantRetry {
				t.Errorf("RetryAfter = %v, want %v", ae.RetryAfter, tt.wantRetry)
			}
			if ae.Retryable() != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", ae.Retryable(), tt.retryable)
			}
		})
	}
}

func TestAsAdapterError(t *testing.T) {
	orig := &AdapterError{Adapter: "sheets", Kind: KindAuth, Err: errors.New("denied")}
	wrapped := fmt.Errorf("execute: %w", orig)
	if got := AsAdapterError("outer", wrapped); got.Kind != KindAuth || got.Adapter != "sheets" {
		t.Errorf("wrapped AdapterError not recovered: %+v", got)
	}

	if got := AsAdapterError("x", context.DeadlineExceeded); got.Kind != KindTimeout {
		t.Errorf("deadline should map to timeout, got %s", got.Kind)
	}

	if got := AsAdapterError("x", errors.New("connection reset")); got.Kind != KindTransient {
		t.Errorf("unknown error should map to transient, got %s", got.Kind)
	}
}

func TestSheetsUpsertRow(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotAuth = r.Method, r.URL.Path, r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSheets(srv.URL, "key-1")
	payload := []byte(`{"task_id":"TASK-20260101-001","title":"t","status":"new","priority":"medium"}`)
	if err := s.Execute(context.Background(), OpUpsertRow, payload); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/rows/TASK-20260101-001" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
	if gotAuth != "Bearer key-1" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestSheetsRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewSheets(srv.URL, "k")
	err := s.Execute(context.Background(), OpDeleteRow, []byte(`{"task_id":"TASK-20260101-002"}`))
	var ae *AdapterError
	if !errors.As(err, &ae) {
		t.Fatalf("want AdapterError, got %v", err)
	}
	if ae.Kind != KindRateLimited || ae.RetryAfter != 7*time.Second {
		t.Errorf("got kind=%s retryAfter=%v", ae.Kind, ae.RetryAfter)
	}
}

func TestSheetsUnknownOp(t *testing.T) {
	s := NewSheets("http://unused", "k")
	err := s.Execute(context.Background(), "bogus", []byte(`{}`))
	var ae *AdapterError
	if !errors.As(err, &ae) || ae.Kind != KindPermanent {
		t.Fatalf("unknown op should be permanent, got %v", err)
	}
}

func TestCalendarDeleteMissingEventOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewCalendar(srv.URL, "k")
	payload := []byte(`{"task_id":"TASK-20260101-003","title":"t","deadline":"2026-01-02T10:00:00Z"}`)
	if err := c.Execute(context.Background(), OpDeleteEvent, payload); err != nil {
		t.Errorf("delete of missing event should succeed: %v", err)
	}
	if err := c.Execute(context.Background(), OpCreateEvent, payload); err == nil {
		t.Error("create against 404 should fail")
	}
}

func TestWebhookSignsPayload(t *testing.T) {
	secret := "hook-secret"
	payload := []byte(`{"event":"task.created","task_id":"TASK-20260101-004"}`)

	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature-256")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, secret)
	if err := wh.Execute(context.Background(), OpPost, payload); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}
	if string(gotBody) != string(payload) {
		t.Errorf("body altered in transit: %s", gotBody)
	}
}

func TestRegistryLookup(t *testing.T) {
	s := NewSheets("http://x", "k")
	r := NewRegistry(s)
	if got := r.Get("sheets"); got != s {
		t.Errorf("Get(sheets) = %v", got)
	}
	if got := r.Get("missing"); got != nil {
		t.Errorf("Get(missing) = %v, want nil", got)
	}
}
