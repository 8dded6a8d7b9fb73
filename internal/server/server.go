package server

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/hikaet/kifulab/internal/engine"
	"github.com/hikaet/kifulab/internal/gametree"
)

var log = slog.Default().With("package", "server")

// analysisDriver is the slice of the engine driver the server needs.
type analysisDriver interface {
	Available() bool
	Controls() []string
	Status() engine.Status
	StartForGame(tree *gametree.Tree, nodeID string) (bool, string)
	Stop(reason string)
	AttachSender(engine.Sender)
	OwnerDisconnected()
}

// Server serves the websocket session, the REST API and the static UI.
type Server struct {
	runtime  *Runtime
	hub      *Hub
	driver   analysisDriver
	router   *mux.Router
	upgrader websocket.Upgrader
}

func New(runtime *Runtime, hub *Hub, driver analysisDriver, staticDir string) *Server {
	s := &Server{
		runtime: runtime,
		hub:     hub,
		driver:  driver,
		router:  mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.router.Use(func(next http.Handler) http.Handler {
		return handlers.LoggingHandler(os.Stdout, next)
	})

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/api/games", s.handleListGames).Methods(http.MethodGet)
	s.router.HandleFunc("/api/games", s.handleCreateGame).Methods(http.MethodPost)
	s.router.HandleFunc("/api/games/{game_id}", s.handleGetGame).Methods(http.MethodGet)
	s.router.HandleFunc("/api/games/{game_id}", s.handleUpdateGame).Methods(http.MethodPut)
	s.router.HandleFunc("/api/games/{game_id}", s.handleDeleteGame).Methods(http.MethodDelete)
	s.router.HandleFunc("/api/import", s.handleImport).Methods(http.MethodPost)
	s.router.HandleFunc("/api/export/{game_id}", s.handleExport).Methods(http.MethodGet)
	s.router.HandleFunc("/api/current", s.handleCurrent).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWS)
	if staticDir != "" {
		s.router.PathPrefix("/").Handler(http.FileServer(http.Dir(staticDir)))
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
