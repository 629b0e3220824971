package adminapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatserver/internal/metrics"
	"chatserver/internal/protocol"
	"chatserver/internal/room"
)

func TestHealthzReportsConnectionCount(t *testing.T) {
	rooms := room.NewRegistry()
	api := New(rooms, metrics.NewCounter(), func() int { return 3 })
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var health healthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if health.Status != "ok" || health.Connections != 3 {
		t.Fatalf("unexpected healthz payload: %#v", health)
	}
}

func TestMetricsEndpointReflectsCounter(t *testing.T) {
	m := metrics.NewCounter()
	m.ConnectionOpened()
	m.SessionAuthenticated()

	api := New(room.NewRegistry(), m, func() int { return 1 })
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/metrics")
	if err != nil {
		t.Fatalf("GET /api/metrics: %v", err)
	}
	defer resp.Body.Close()
	var snap metrics.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if snap.TotalConnections != 1 || snap.SessionsAuthenticated != 1 {
		t.Fatalf("unexpected metrics payload: %#v", snap)
	}
}

func TestRoomsEndpointListsRooms(t *testing.T) {
	rooms := room.NewRegistry()
	if _, err := rooms.Create("lobby"); err != nil {
		t.Fatalf("create room: %v", err)
	}

	api := New(rooms, metrics.NewCounter(), func() int { return 0 })
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/rooms")
	if err != nil {
		t.Fatalf("GET /api/rooms: %v", err)
	}
	defer resp.Body.Close()
	var list []protocol.RoomSummary
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode rooms: %v", err)
	}
	if len(list) != 1 || list[0].Name != "lobby" {
		t.Fatalf("unexpected rooms payload: %#v", list)
	}
}

func TestRoomsEndpointEmptyIsEmptyArray(t *testing.T) {
	api := New(room.NewRegistry(), metrics.NewCounter(), func() int { return 0 })
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/rooms")
	if err != nil {
		t.Fatalf("GET /api/rooms: %v", err)
	}
	defer resp.Body.Close()
	body := make([]byte, 16)
	n, _ := resp.Body.Read(body)
	if string(body[:n])[0] != '[' {
		t.Fatalf("expected a JSON array body, got %q", body[:n])
	}
}
