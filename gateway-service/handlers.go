package main

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
)

const defaultAPILimit = 100

// routes wires the HTTP surface: the static chat page, the room directory
// API, per-room history, and the WebSocket endpoint.
func (g *gateway) routes(publicDir string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, filepath.Join(publicDir, "index.html"))
	})
	mux.Handle("GET /public/", http.StripPrefix("/public/", http.FileServer(http.Dir(publicDir))))
	mux.HandleFunc("GET /api/rooms", g.handleListRooms)
	mux.HandleFunc("GET /api/rooms/{room}/messages", g.handleRoomMessages)
	mux.HandleFunc("GET /ws/{room}", g.handleWebSocket)
	return mux
}

func (g *gateway) handleListRooms(w http.ResponseWriter, r *http.Request) {
	list, err := g.rooms.List(r.Context())
	if err != nil {
		g.log.Error("room listing failed", "error", err)
		http.Error(w, "room listing failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, list)
}

func (g *gateway) handleRoomMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	roomID, err := strconv.ParseInt(r.PathValue("room"), 10, 64)
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}
	exists, err := g.rooms.Exists(ctx, roomID)
	if err != nil {
		g.log.Error("room lookup failed", "room", roomID, "error", err)
		http.Error(w, "room lookup failed", http.StatusInternalServerError)
		return
	}
	if !exists {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	limit := defaultAPILimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := g.history.Query(ctx, roomID, limit)
	if err != nil {
		g.log.Error("history query failed", "room", roomID, "error", err)
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, events)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
