package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/hikaet/kifulab/internal/gametree"
	"github.com/hikaet/kifulab/internal/kifu"
	"github.com/hikaet/kifulab/internal/storage"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]any{"detail": detail})
}

func readJSONOrEmpty(r *http.Request) map[string]any {
	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil || data == nil {
		return map[string]any{}
	}
	return data
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	game, err := s.runtime.CurrentGame()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"db":              "ok",
		"engine":          s.driver.Status(),
		"current_game_id": game.GameID,
	})
}

func (s *Server) handleListGames(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	items, err := s.runtime.Store().ListGames(limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "limit": limit, "offset": offset})
}

func (s *Server) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	data := readJSONOrEmpty(r)
	game, err := s.runtime.CreateGame(strField(data, "title"), strField(data, "initial_sfen"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeGame(w, game)
}

func (s *Server) handleGetGame(w http.ResponseWriter, r *http.Request) {
	game, err := s.runtime.Store().LoadGame(mux.Vars(r)["game_id"])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "game not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeGame(w, game)
}

func (s *Server) handleUpdateGame(w http.ResponseWriter, r *http.Request) {
	data := readJSONOrEmpty(r)
	if _, err := s.runtime.LoadGame(mux.Vars(r)["game_id"]); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "game not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	game, err := s.runtime.Mutate(func(g *gametree.Tree) error {
		return applySaveFields(g, data)
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeGame(w, game)
}

func (s *Server) handleDeleteGame(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.runtime.Store().DeleteGame(mux.Vars(r)["game_id"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "game not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var raw []byte
	var title string
	if strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
		data := readJSONOrEmpty(r)
		raw = []byte(strField(data, "text"))
		title = strField(data, "title")
	} else {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		raw = body
	}

	game, format, err := kifu.Import(raw, title)
	if err != nil {
		if format == kifu.FormatUnknown {
			writeError(w, http.StatusBadRequest, "Could not detect input format (USI/KIF/KIF2)")
		} else {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Import failed: %v", err))
		}
		return
	}
	if err := s.runtime.SetCurrentGame(game); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	wire, err := game.ToWire()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"format": format, "game": wire})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	gameID := mux.Vars(r)["game_id"]
	game, err := s.runtime.Store().LoadGame(gameID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "game not found")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "usi"
	}
	var ext string
	switch format {
	case "usi":
		ext = ".usi.txt"
	case "kif":
		ext = ".kif"
	case "kif2", "ki2":
		format = "kif2"
		ext = ".ki2"
	default:
		writeError(w, http.StatusBadRequest, "format must be usi|kif|kif2")
		return
	}
	text, err := kifu.Export(game, format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", gameID+ext))
	io.WriteString(w, text)
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	game, err := s.runtime.CurrentGame()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeGame(w, game)
}

func writeGame(w http.ResponseWriter, game *gametree.Tree) {
	wire, err := game.ToWire()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"game": wire})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
