package presence

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWebhookGateway_Notify_Success(t *testing.T) {
	t.Parallel()

	type gotReq struct {
		Method      string
		ContentType string
		Body        []byte
	}

	var captured gotReq

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Method = r.Method
		captured.ContentType = r.Header.Get("Content-Type")

		b, _ := ioReadAll(r)
		captured.Body = b

		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	g := NewWebhookGateway(srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := g.Notify(ctx, "bob", EventMessageNew, map[string]string{"content": "hello"}); err != nil {
		t.Fatalf("Notify() error: %v", err)
	}

	if captured.Method != http.MethodPost {
		t.Fatalf("expected method POST, got %q", captured.Method)
	}
	if captured.ContentType != "application/json" {
		t.Fatalf("expected Content-Type application/json, got %q", captured.ContentType)
	}

	var n Notification
	if err := json.Unmarshal(captured.Body, &n); err != nil {
		t.Fatalf("failed to decode request json: %v body=%q", err, string(captured.Body))
	}
	if n.UserID != "bob" {
		t.Fatalf("expected userId %q, got %q", "bob", n.UserID)
	}
	if n.Event != EventMessageNew {
		t.Fatalf("expected event %q, got %q", EventMessageNew, n.Event)
	}
	if string(n.Payload) != `{"content":"hello"}` {
		t.Fatalf("unexpected payload %s", n.Payload)
	}
	if n.At.IsZero() {
		t.Fatalf("expected timestamp to be set")
	}
}

func TestWebhookGateway_Notify_Non2xx_ReturnsErrorWithBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("offline"))
	}))
	defer srv.Close()

	g := NewWebhookGateway(srv.URL)

	err := g.Notify(context.Background(), "bob", EventMessageNew, nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	msg := err.Error()
	if !strings.Contains(msg, "unexpected status code: 503") {
		t.Fatalf("expected error to mention status code, got: %v", err)
	}
	if !strings.Contains(msg, `body="offline"`) {
		t.Fatalf("expected error to include body, got: %v", err)
	}
}

func TestWebhookGateway_Notify_UnencodablePayload(t *testing.T) {
	t.Parallel()

	g := NewWebhookGateway("http://127.0.0.1:0")

	if err := g.Notify(context.Background(), "bob", EventMessageNew, func() {}); err == nil {
		t.Fatalf("expected encode error, got nil")
	}
}

func TestWebhookGateway_Notify_ContextCanceled(t *testing.T) {
	t.Parallel()

	// Server that intentionally blocks longer than our context deadline.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	g := NewWebhookGateway(srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := g.Notify(ctx, "bob", EventMessageNew, nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	// On cancellation, net/http returns context deadline exceeded.
	if !strings.Contains(strings.ToLower(err.Error()), "context") &&
		!strings.Contains(strings.ToLower(err.Error()), "deadline") {
		t.Fatalf("expected context/deadline error, got: %v", err)
	}
}

func ioReadAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
