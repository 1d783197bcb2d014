package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"notihub/internal/dispatch"
	"notihub/internal/task/engine"
)

type botAPI struct {
	mu    sync.Mutex
	calls []map[string]any
	fail  bool
}

func (b *botAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottest-token/sendMessage") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.calls = append(b.calls, body)
		n := len(b.calls)
		b.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if b.fail {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":` + itoa(n) + `,"date":0,"chat":{"id":42,"type":"private"}}}`))
	}
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func newTestSender(t *testing.T, api *botAPI) *Sender {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	s, err := New(Config{Token: "test-token", APIURL: srv.URL})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return s
}

func TestSendDeliversToChat(t *testing.T) {
	t.Parallel()
	api := &botAPI{}
	s := newTestSender(t, api)

	receipt, err := s.Send(context.Background(), dispatch.Envelope{ContactData: "42", Message: "hello"})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if receipt != "message_id=1" {
		t.Fatalf("receipt = %q", receipt)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(api.calls))
	}
	if got := api.calls[0]["text"]; got != "hello" {
		t.Fatalf("text = %v", got)
	}
	if got := api.calls[0]["chat_id"]; got != "42" {
		t.Fatalf("chat_id = %v", got)
	}
}

func TestSendAPIErrorIsPermanent(t *testing.T) {
	t.Parallel()
	api := &botAPI{fail: true}
	s := newTestSender(t, api)

	_, err := s.Send(context.Background(), dispatch.Envelope{ContactData: "42", Message: "hello"})
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("Send = %v, want chat not found", err)
	}
	if s.Classify(err) != engine.Permanent {
		t.Fatal("telegram errors must be permanent")
	}
}

func TestSendSplitsLongMessages(t *testing.T) {
	t.Parallel()
	api := &botAPI{}
	s := newTestSender(t, api)
	long := strings.Repeat("a", textLimit) + "\n" + strings.Repeat("b", 10)

	if _, err := s.Send(context.Background(), dispatch.Envelope{ContactData: "@news", Message: long}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(api.calls))
	}
	if api.calls[0]["chat_id"] != "@news" {
		t.Fatalf("chat_id = %v", api.calls[0]["chat_id"])
	}
}

func TestRecipient(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"42", "-100123", "@channel"} {
		if _, err := recipient(ok); err != nil {
			t.Fatalf("recipient(%q) error: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "  ", "not-a-chat"} {
		if _, err := recipient(bad); err == nil {
			t.Fatalf("recipient(%q) accepted", bad)
		}
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("splitText short = %v", got)
	}
	got := splitText("aaaa\nbbbb\ncccc", 10)
	if len(got) != 2 || got[0] != "aaaa\nbbbb" || got[1] != "cccc" {
		t.Fatalf("splitText = %q", got)
	}
	for _, chunk := range splitText(strings.Repeat("x", 25), 10) {
		if len([]rune(chunk)) > 10 {
			t.Fatalf("chunk over limit: %d", len(chunk))
		}
	}
}

func TestSendAlertUsesThread(t *testing.T) {
	t.Parallel()
	api := &botAPI{}
	s := newTestSender(t, api)

	if err := s.SendAlert(context.Background(), -1001, 7, "[ERROR] boom"); err != nil {
		t.Fatalf("SendAlert error: %v", err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.calls) != 1 {
		t.Fatalf("calls = %d", len(api.calls))
	}
	call := api.calls[0]
	if call["chat_id"] != "-1001" || call["message_thread_id"] != "7" || call["text"] != "[ERROR] boom" {
		t.Fatalf("call = %v", call)
	}
}
