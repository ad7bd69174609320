package evolution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordedRequest struct {
	path   string
	apiKey string
	body   map[string]any
}

func newTestServer(t *testing.T, sendStatus int) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		requests = append(requests, recordedRequest{path: r.URL.Path, apiKey: r.Header.Get("apikey"), body: body})
		mu.Unlock()

		if strings.HasPrefix(r.URL.Path, "/message/sendText/") {
			if sendStatus != http.StatusOK {
				w.WriteHeader(sendStatus)
				return
			}
			w.Write([]byte(`{"key": {"id": "wamid-1"}}`))
			return
		}
		if strings.HasPrefix(r.URL.Path, "/instance/connectionState/") {
			w.Write([]byte(`{"state": "open"}`))
			return
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func newTestClient(t *testing.T, baseURL string) (*Client, *[]time.Duration) {
	t.Helper()
	client, err := NewClient(Config{
		URL:           baseURL,
		APIKey:        "key-1",
		InstanceName:  "test-instance",
		TypingPerChar: 50 * time.Millisecond,
		TypingMax:     5 * time.Second,
		DelayMin:      time.Second,
		DelayMax:      3 * time.Second,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	var slept []time.Duration
	client.SetPacing(func(ctx context.Context, d time.Duration) {
		slept = append(slept, d)
	}, func(n int64) int64 { return n / 2 })
	return client, &slept
}

func TestFormatNumber(t *testing.T) {
	cases := []struct{ in, want string }{
		{"5511999990001", "5511999990001@s.whatsapp.net"},
		{"+55 (11) 99999-0001", "5511999990001@s.whatsapp.net"},
		{"5511999990001@s.whatsapp.net", "5511999990001@s.whatsapp.net"},
	}
	for _, tc := range cases {
		if got := FormatNumber(tc.in); got != tc.want {
			t.Errorf("FormatNumber(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNewClientValidatesConfig(t *testing.T) {
	if _, err := NewClient(Config{APIKey: "k"}); err == nil {
		t.Error("missing url accepted")
	}
	if _, err := NewClient(Config{URL: "http://api.local"}); err == nil {
		t.Error("missing api key accepted")
	}
	if _, err := NewClient(Config{URL: "::not a url::", APIKey: "k"}); err == nil {
		t.Error("bad url accepted")
	}
}

func TestSendTextHumanizedPacing(t *testing.T) {
	srv, requests := newTestServer(t, http.StatusOK)
	client, slept := newTestClient(t, srv.URL)

	text := strings.Repeat("a", 20)
	result, err := client.SendText(context.Background(), "5511999990001", text, SendOptions{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !result.Success || result.MessageID != "wamid-1" {
		t.Fatalf("result = %+v", result)
	}

	// 20 chars at 50ms plus the randomized delay (window midpoint).
	if len(*slept) != 2 {
		t.Fatalf("sleeps = %v, want typing + delay", *slept)
	}
	if (*slept)[0] != time.Second {
		t.Errorf("typing sleep = %v, want 1s", (*slept)[0])
	}
	if (*slept)[1] != 2*time.Second {
		t.Errorf("delay sleep = %v, want 2s", (*slept)[1])
	}

	// composing, sendText, paused.
	paths := make([]string, 0, len(*requests))
	for _, req := range *requests {
		paths = append(paths, req.path)
	}
	want := []string{
		"/chat/presence/test-instance",
		"/message/sendText/test-instance",
		"/chat/presence/test-instance",
	}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("paths = %v, want %v", paths, want)
		}
	}
	if (*requests)[0].apiKey != "key-1" {
		t.Error("apikey header missing")
	}
	if (*requests)[1].body["number"] != "5511999990001@s.whatsapp.net" {
		t.Errorf("number = %v", (*requests)[1].body["number"])
	}
}

func TestSendTextTypingCapped(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK)
	client, slept := newTestClient(t, srv.URL)

	long := strings.Repeat("a", 500)
	if _, err := client.SendText(context.Background(), "5511999990001", long, SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if (*slept)[0] != 5*time.Second {
		t.Errorf("typing sleep = %v, want capped 5s", (*slept)[0])
	}
}

func TestSendTextSkipTyping(t *testing.T) {
	srv, requests := newTestServer(t, http.StatusOK)
	client, slept := newTestClient(t, srv.URL)

	if _, err := client.SendText(context.Background(), "5511999990001", "oi", SendOptions{SkipTyping: true}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(*slept) != 0 {
		t.Errorf("sleeps = %v, want none", *slept)
	}
	if len(*requests) != 1 {
		t.Errorf("requests = %d, want sendText only", len(*requests))
	}
}

func TestSendTextSurvivesTypingFailure(t *testing.T) {
	var sendTextHit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/chat/presence/") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		sendTextHit = true
		w.Write([]byte(`{"key": {"id": "wamid-2"}}`))
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL)
	result, err := client.SendText(context.Background(), "5511999990001", "oi", SendOptions{})
	if err != nil {
		t.Fatalf("send failed on typing error: %v", err)
	}
	if !sendTextHit || !result.Success {
		t.Fatalf("text not delivered despite typing failure: %+v", result)
	}
}

func TestSendTextErrorSurfaced(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusBadGateway)
	client, _ := newTestClient(t, srv.URL)

	result, err := client.SendText(context.Background(), "5511999990001", "oi", SendOptions{SkipTyping: true})
	if err == nil {
		t.Fatal("expected error")
	}
	if result.Success {
		t.Error("result marked success on failure")
	}
}

func TestConnectionState(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK)
	client, _ := newTestClient(t, srv.URL)

	connected, err := client.ConnectionState(context.Background())
	if err != nil {
		t.Fatalf("connection state: %v", err)
	}
	if !connected {
		t.Error("expected connected")
	}
}
