package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"vox/internal/relay/store"
)

func newAPIFixture(t *testing.T) (*APIServer, *Room) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	room := NewRoom()
	return NewAPIServer(room, st), room
}

func TestHealthEndpoint(t *testing.T) {
	api, _ := newAPIFixture(t)

	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestRoomEndpointListsParticipants(t *testing.T) {
	api, room := newAPIFixture(t)
	u := room.AddUser("1.1.1.1:1")
	room.SetName(u.ID, "alice")
	room.SetInVoice(u.ID, true)
	room.AddUser("1.1.1.2:1") // pre-login, must not appear

	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/room", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp roomResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Users) != 1 {
		t.Fatalf("users: %#v", resp.Users)
	}
	if resp.Users[0].Name != "alice" || !resp.Users[0].InVoice {
		t.Fatalf("got %#v", resp.Users[0])
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	api, _ := newAPIFixture(t)

	put := httptest.NewRequest(http.MethodPut, "/api/settings",
		strings.NewReader(`{"server_name":"vox relay","motd":"welcome"}`))
	put.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, put)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("put status %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/settings", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status %d", rec.Code)
	}
	var got settingsJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ServerName != "vox relay" || got.MOTD != "welcome" {
		t.Fatalf("got %#v", got)
	}
}
