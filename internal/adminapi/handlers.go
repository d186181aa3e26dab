package adminapi

import (
	"net/http"
	"strconv"

	"github.com/flowpbx/lightvoice/internal/room"
	"github.com/go-chi/chi/v5"
)

// roomSummary is the JSON shape returned for a single room, both in
// list and single-room responses.
type roomSummary struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
	Members int    `json:"members"`
}

func summarize(r *room.Room) roomSummary {
	return roomSummary{
		ID:      r.ID,
		Name:    r.Name,
		OwnerID: r.OwnerID,
		Members: r.MemberCount(),
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.registry.List()
	out := make([]roomSummary, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, summarize(room))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "room id must be an integer")
		return
	}

	room, ok := s.registry.Find(id)
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writeJSON(w, http.StatusOK, summarize(room))
}
