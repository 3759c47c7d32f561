// Package server is the control plane: the bot REST surface, the
// capture ingest WebSocket the in-meeting payload dials into, and the
// consumer realtime-audio WebSocket.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tapeworks/meetingbot/pkg/bot"
	"github.com/tapeworks/meetingbot/pkg/config"
	"github.com/tapeworks/meetingbot/pkg/log"
	"github.com/tapeworks/meetingbot/pkg/metrics"
	"github.com/tapeworks/meetingbot/pkg/session"
	"github.com/tapeworks/meetingbot/pkg/store"
)

// Server handles REST API requests and WebSocket upgrades.
type Server struct {
	manager *session.Manager
	store   store.Store
	cfg     *config.Config
	ws      *WSHandler
	router  http.Handler
}

// New creates the control plane server.
func New(manager *session.Manager, st store.Store, cfg *config.Config) *Server {
	s := &Server{
		manager: manager,
		store:   st,
		cfg:     cfg,
		ws:      NewWSHandler(manager, cfg.WebSocket),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log.Debugf("Received request: %s %s", r.Method, r.URL.Path)
	s.router.ServeHTTP(w, r)
}

// registerRoutes sets up the API routes
func (s *Server) registerRoutes() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/bots", s.handleBots)
	mux.HandleFunc("/api/bots/", s.handleBotByID)

	wsm := newWSMux()
	wsm.handle("capture", s.ws.HandleCapture)
	wsm.handle("audio", s.ws.HandleAudio)

	// Delegate: /ws/ paths go to the WebSocket mux, the rest to the API mux.
	s.router = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			wsm.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// handleBots handles requests for the /api/bots endpoint
func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateBot(w, r)
	case http.MethodGet:
		s.handleListBots(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleBotByID dispatches /api/bots/{id} and its subresources.
func (s *Server) handleBotByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/bots/"), "/")
	botID := parts[0]
	if botID == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleGetBot(w, r, botID)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.handleLeaveBot(w, r, botID)
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		s.handleListEvents(w, r, botID)
	case len(parts) == 2 && parts[1] == "participants" && r.Method == http.MethodGet:
		s.handleListParticipants(w, r, botID)
	case len(parts) == 2 && parts[1] == "transcript" && r.Method == http.MethodGet:
		s.handleListTranscript(w, r, botID)
	case len(parts) == 3 && parts[1] == "record" && r.Method == http.MethodPost:
		s.handleRecord(w, r, botID, parts[2])
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// CreateBotRequest is the request body for creating a bot.
type CreateBotRequest struct {
	ProjectID  string     `json:"project_id"`
	MeetingURL string     `json:"meeting_url"`
	BotName    string     `json:"bot_name,omitempty"`
	JoinAt     *time.Time `json:"join_at,omitempty"`

	Recording     bot.RecordingConfig     `json:"recording"`
	Transcription bot.TranscriptionConfig `json:"transcription"`
	Streaming     bot.StreamingConfig     `json:"streaming"`
	AutoLeave     bot.AutoLeaveConfig     `json:"auto_leave"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// handleCreateBot creates a bot record and, unless the join is
// deferred, launches its session immediately.
func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req CreateBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.MeetingURL == "" {
		http.Error(w, "meeting_url is required", http.StatusBadRequest)
		return
	}
	if req.ProjectID == "" {
		http.Error(w, "project_id is required", http.StatusBadRequest)
		return
	}

	b, err := bot.New(req.ProjectID, req.MeetingURL, req.JoinAt)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.BotName = req.BotName
	b.Recording = req.Recording
	b.Transcription = req.Transcription
	b.Streaming = req.Streaming
	b.AutoLeave = req.AutoLeave
	b.Metadata = req.Metadata

	if err := s.store.CreateBot(r.Context(), b); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Scheduled bots stay parked until the scheduler promotes them.
	if b.State == bot.StateReady {
		if _, err := s.manager.Start(b); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, http.StatusAccepted, b)
}

// handleListBots lists bots, optionally filtered by project and state.
func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	f := store.BotFilter{
		ProjectID: r.URL.Query().Get("project_id"),
		State:     bot.State(r.URL.Query().Get("state")),
	}
	bots, err := s.store.ListBots(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, bots)
}

// handleGetBot returns one bot. Live sessions report their in-memory
// state, which can be ahead of a reader polling the store.
func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request, botID string) {
	b, err := s.store.GetBot(r.Context(), botID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if sess, ok := s.manager.Get(botID); ok {
		b.State = sess.State()
	}
	writeJSON(w, http.StatusOK, b)
}

// handleLeaveBot asks a live session to leave its meeting.
func (s *Server) handleLeaveBot(w http.ResponseWriter, r *http.Request, botID string) {
	sess, ok := s.manager.Get(botID)
	if !ok {
		http.Error(w, "Bot has no active session", http.StatusNotFound)
		return
	}
	if err := sess.RequestLeave(r.Context()); err != nil {
		if errors.Is(err, session.ErrIllegalTransition) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "leaving"})
}

// handleRecord starts or stops recording on a live session.
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request, botID, action string) {
	sess, ok := s.manager.Get(botID)
	if !ok {
		http.Error(w, "Bot has no active session", http.StatusNotFound)
		return
	}

	var err error
	switch action {
	case "start":
		err = sess.StartRecording(r.Context())
	case "stop":
		err = sess.StopRecording(r.Context())
	default:
		http.Error(w, "Unknown record action", http.StatusNotFound)
		return
	}
	if err != nil {
		if errors.Is(err, session.ErrIllegalTransition) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(sess.State())})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request, botID string) {
	events, err := s.store.ListBotEvents(r.Context(), botID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request, botID string) {
	participants, err := s.store.ListParticipants(r.Context(), botID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, participants)
}

func (s *Server) handleListTranscript(w http.ResponseWriter, r *http.Request, botID string) {
	segments, err := s.store.ListTranscriptSegments(r.Context(), botID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, segments)
}

// handleHealth returns liveness plus the active session count.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"session_count": s.manager.Count(),
	})
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Bot not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
