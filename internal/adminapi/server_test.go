package adminapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowpbx/lightvoice/internal/reactor"
	"github.com/flowpbx/lightvoice/internal/room"
	"github.com/flowpbx/lightvoice/internal/voice"
)

type fakeVoiceCodec struct{}

func (fakeVoiceCodec) Decode(b []byte) ([]int16, error) { return nil, nil }
func (fakeVoiceCodec) Encode(s []int16) ([]byte, error) { return nil, nil }

func newTestRegistry(t *testing.T) *room.Registry {
	t.Helper()
	loop, err := reactor.New(slog.Default())
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	go loop.Loop()
	t.Cleanup(func() {
		loop.Quit()
		loop.Close()
	})

	newCodec := func() (voice.Codec, error) { return fakeVoiceCodec{}, nil }
	return room.NewRegistry(loop, newCodec, slog.Default())
}

func TestHealthzReportsOK(t *testing.T) {
	s := NewServer(newTestRegistry(t))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestListRoomsReturnsCreatedRoom(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Create("standup", "u1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	s := NewServer(reg)

	req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}

	var resp struct {
		Data []roomSummary `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].Name != "standup" {
		t.Fatalf("unexpected rooms list: %+v", resp.Data)
	}
}

func TestGetRoomNotFound(t *testing.T) {
	s := NewServer(newTestRegistry(t))

	req := httptest.NewRequest(http.MethodGet, "/rooms/9999", nil)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}
