// Package controlplane implements spec.md §6's HTTP + WebSocket operator
// surface: a gorilla/mux router fronting the Supervisor, with a
// gorilla/websocket feed fanning out log records and transfer snapshots.
// Modeled on robustirc/robustirc's api.HTTP — a struct wrapping the
// process's shared state with one handler method per route — generalized
// from Raft/IRC endpoints to dccbot's join/part/msg/cancel/shutdown/info
// table.
package controlplane

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dccbot/dccbot/internal/botlog"
	"github.com/dccbot/dccbot/internal/registry"
)

// Backend is the slice of *supervisor.Supervisor the control plane calls
// into. Declared here, not imported from internal/supervisor, so this
// package never reaches into a Session or Transfer directly, per
// SPEC_FULL.md §4.5's "the control plane adapter calls into it
// exclusively" constraint — and so it is testable against a fake.
type Backend interface {
	RequestPack(host, target, command string) error
	Join(host, channel string) error
	Part(host, channel, reason string) error
	Msg(host, target, message string) error
	Cancel(id string) bool
	Snapshot() []registry.View
	Networks() []registry.NetworkStatus
	Shutdown(grace time.Duration)
}

// Server wires a Backend and a botlog.Ring into the §6 route table.
type Server struct {
	backend    Backend
	log        *botlog.Ring
	staticDir  string
	shutdownFn func()
	metrics    prometheus.Collector

	upgrader websocket.Upgrader
}

// New constructs a Server. staticDir is the filesystem root for
// /static/*, /log.html, and /info.html. shutdownFn is invoked after a
// successful POST /shutdown, once the response has been written — the
// caller decides what "shutdown" means for the process (cancel a
// context, call os.Exit, etc). metrics, if non-nil, is registered and
// served at /metrics per SPEC_FULL.md §1.
func New(backend Backend, log *botlog.Ring, staticDir string, shutdownFn func(), metrics prometheus.Collector) *Server {
	return &Server{
		backend:    backend,
		log:        log,
		staticDir:  staticDir,
		shutdownFn: shutdownFn,
		metrics:    metrics,
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// Router builds the gorilla/mux router for §6's table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/join", s.handleJoin).Methods(http.MethodPost)
	r.HandleFunc("/part", s.handlePart).Methods(http.MethodPost)
	r.HandleFunc("/msg", s.handleMsg).Methods(http.MethodPost)
	r.HandleFunc("/cancel", s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)
	r.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS)

	if s.metrics != nil {
		reg := prometheus.NewRegistry()
		reg.MustRegister(s.metrics)
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	if s.staticDir != "" {
		r.HandleFunc("/log.html", s.serveFile("log.html")).Methods(http.MethodGet)
		r.HandleFunc("/info.html", s.serveFile("info.html")).Methods(http.MethodGet)
		r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.Dir(s.staticDir))))
	}
	return r
}

func (s *Server) serveFile(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, s.staticDir+"/"+name)
	}
}

// writeError responds with spec.md §7's control-plane error shape:
// {error:<kind>, detail:<str>}.
func writeError(w http.ResponseWriter, status int, kind, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": kind, "detail": detail})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type joinRequest struct {
	Server  string `json:"server"`
	Channel string `json:"channel"`
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Server == "" || req.Channel == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "server and channel are required")
		return
	}
	if err := s.backend.Join(req.Server, req.Channel); err != nil {
		writeError(w, http.StatusBadRequest, "join_failed", err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

type partRequest struct {
	Server  string `json:"server"`
	Channel string `json:"channel"`
}

func (s *Server) handlePart(w http.ResponseWriter, r *http.Request) {
	var req partRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Server == "" || req.Channel == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "server and channel are required")
		return
	}
	if err := s.backend.Part(req.Server, req.Channel, "operator request"); err != nil {
		writeError(w, http.StatusBadRequest, "part_failed", err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

type msgRequest struct {
	Server  string `json:"server"`
	Channel string `json:"channel,omitempty"`
	User    string `json:"user,omitempty"`
	Message string `json:"message"`
}

func (s *Server) handleMsg(w http.ResponseWriter, r *http.Request) {
	var req msgRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	target := req.User
	if target == "" {
		target = req.Channel
	}
	if req.Server == "" || target == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "server, target, and message are required")
		return
	}
	if err := s.backend.Msg(req.Server, target, req.Message); err != nil {
		writeError(w, http.StatusBadRequest, "msg_failed", err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

type cancelRequest struct {
	Server   string `json:"server"`
	Nick     string `json:"nick"`
	Filename string `json:"filename"`
	ID       string `json:"id,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	id := req.ID
	if id == "" {
		id = findTransferID(s.backend.Snapshot(), req.Server, req.Nick, req.Filename)
	}
	if id == "" || !s.backend.Cancel(id) {
		writeError(w, http.StatusNotFound, "not_found", "no matching transfer")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// findTransferID scans a Snapshot for the transfer matching (server, nick,
// filename), since the control plane's §6 contract identifies transfers by
// their natural key rather than the internal ID most operators never see.
func findTransferID(views []registry.View, server, nick, filename string) string {
	for _, v := range views {
		if v.Server == server && v.Peer == nick && v.Filename == filename {
			return v.ID
		}
	}
	return ""
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "shutting down"})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	go func() {
		s.backend.Shutdown(30 * time.Second)
		if s.shutdownFn != nil {
			s.shutdownFn()
		}
	}()
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"networks":  s.backend.Networks(),
		"transfers": s.backend.Snapshot(),
	})
}

// handleWS upgrades to a gorilla/websocket connection and fans out log
// records and periodic transfer snapshots per §6's server→client frames,
// accepting client→server textual commands for diagnostics (only
// "/echo " is implemented, per SPEC_FULL.md §4.6).
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logs, unsubscribe := s.log.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go s.readLoop(conn, done)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case rec := <-logs:
			if err := conn.WriteJSON(wsLogFrame{Type: "log", Timestamp: rec.Timestamp, Level: rec.Level, Message: rec.Message}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteJSON(wsTransfersFrame{Type: "transfers", Transfers: s.backend.Snapshot()}); err != nil {
				return
			}
		}
	}
}

type wsLogFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

type wsTransfersFrame struct {
	Type      string         `json:"type"`
	Transfers []registry.View `json:"transfers"`
}

// readLoop drains client→server frames until the connection closes,
// handling the "/echo " diagnostic command and discarding everything else.
func (s *Server) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		text := string(msg)
		if len(text) >= 6 && text[:6] == "/echo " {
			conn.WriteJSON(wsLogFrame{Type: "log", Timestamp: time.Now().UTC(), Level: "INFO", Message: text[6:]})
		}
	}
}
