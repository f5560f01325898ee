package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/watchmarket/internal/logging"
)

func testHub() *Hub {
	return NewHub(logging.Discard())
}

func attach(t *testing.T, h *Hub, userID string, watcher bool) *client {
	t.Helper()
	c := &client{hub: h, send: make(chan []byte, sendBuffer), userID: userID, watcher: watcher}
	if err := h.add(c); err != nil {
		t.Fatalf("Failed to add client: %v", err)
	}
	return c
}

func received(c *client) int {
	n := 0
	for {
		select {
		case _, ok := <-c.send:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

func TestFilter_Match(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		event  Event
		want   bool
	}{
		{"empty filter", Filter{}, Event{Type: EventNotification, Kind: "info"}, true},
		{"kind listed", Filter{Kinds: []string{"error"}}, Event{Type: EventNotification, Kind: "error"}, true},
		{"kind not listed", Filter{Kinds: []string{"error"}}, Event{Type: EventNotification, Kind: "info"}, false},
		{"no kind passes", Filter{Kinds: []string{"error"}}, Event{Type: EventNotification}, true},
		{"type not listed", Filter{Types: []EventType{"other"}}, Event{Type: EventNotification}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.match(&tc.event); got != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestPublish_OnlyAddressedUserAndWatchers(t *testing.T) {
	h := testHub()
	seller := attach(t, h, "usr_seller", false)
	store := attach(t, h, "usr_store", false)
	admin := attach(t, h, "usr_admin", true)

	h.Publish(&Event{Type: EventNotification, UserID: "usr_seller"})

	if n := received(seller); n != 1 {
		t.Errorf("Expected seller to get 1 event, got %d", n)
	}
	if n := received(store); n != 0 {
		t.Errorf("Expected store to get 0 events, got %d", n)
	}
	if n := received(admin); n != 1 {
		t.Errorf("Expected watcher to get 1 event, got %d", n)
	}
}

func TestPublish_RespectsFilter(t *testing.T) {
	h := testHub()
	c := attach(t, h, "usr_1", false)
	c.filter = Filter{Kinds: []string{"error"}}

	h.Publish(&Event{Type: EventNotification, UserID: "usr_1", Kind: "info"})
	h.Publish(&Event{Type: EventNotification, UserID: "usr_1", Kind: "error"})

	if n := received(c); n != 1 {
		t.Errorf("Expected 1 event through the filter, got %d", n)
	}
}

func TestPublish_DropsSlowClient(t *testing.T) {
	h := testHub()
	c := attach(t, h, "usr_1", false)

	for i := 0; i <= sendBuffer; i++ {
		h.Publish(&Event{Type: EventNotification, UserID: "usr_1"})
	}

	stats := h.Stats()
	if stats.Connected != 0 {
		t.Errorf("Expected slow client removed, got %d connected", stats.Connected)
	}
	if stats.Dropped != 1 {
		t.Errorf("Expected 1 dropped client, got %d", stats.Dropped)
	}
	if received(c) != sendBuffer {
		t.Error("Expected buffered events to remain readable")
	}
	if _, open := <-c.send; open {
		t.Error("Expected send channel closed")
	}
}

func TestHub_StatsAndRemove(t *testing.T) {
	h := testHub()
	a := attach(t, h, "usr_1", false)
	attach(t, h, "usr_1", false)

	h.remove(a)
	h.remove(a)

	stats := h.Stats()
	if stats.Connected != 1 {
		t.Errorf("Expected 1 connected, got %d", stats.Connected)
	}
	if stats.Peak != 2 {
		t.Errorf("Expected peak 2, got %d", stats.Peak)
	}
	if stats.Accepted != 2 {
		t.Errorf("Expected 2 accepted, got %d", stats.Accepted)
	}
}

func TestHub_LimitAndClose(t *testing.T) {
	h := testHub()
	h.limit = 1
	c := attach(t, h, "usr_1", false)

	if err := h.add(&client{send: make(chan []byte, 1), userID: "usr_2"}); err != errHubFull {
		t.Errorf("Expected errHubFull, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Hub did not stop after cancel")
	}
	if _, open := <-c.send; open {
		t.Error("Expected client channel closed on shutdown")
	}
	if err := h.accepting(); err != errHubClosed {
		t.Errorf("Expected errHubClosed, got %v", err)
	}
}

func TestSameHost(t *testing.T) {
	for origin, want := range map[string]bool{
		"":                           true,
		"http://api.example:8080":    true,
		"https://api.example:8080":   true,
		"https://evil.example":       false,
		"http://api.example:8080.io": false,
	} {
		r := httptest.NewRequest("GET", "http://api.example:8080/v1/notifications/stream", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := sameHost(r); got != want {
			t.Errorf("sameHost(%q) = %v, want %v", origin, got, want)
		}
	}
}

func TestHandleWebSocket_DeliversEvents(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWebSocket(w, r, "usr_1", false)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Stats().Connected == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Publish(&Event{Type: EventNotification, UserID: "usr_1", Kind: "success", Data: map[string]string{"title": "Offer paid"}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var got Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	if got.UserID != "usr_1" || got.Kind != "success" {
		t.Errorf("Unexpected event: %+v", got)
	}
}
