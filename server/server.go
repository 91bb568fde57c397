package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"Switchboard/core"
	"Switchboard/lib/sl"
	"Switchboard/storage"
)

// DefaultSession is used when the caller does not name a session.
const DefaultSession = "default_user"

type Server struct {
	log   *slog.Logger
	chat  core.ChatService
	store storage.HistoryStorage
}

// NewHandler builds the HTTP boundary: one chat endpoint, history retrieval
// and a liveness probe, wrapped in request-id, logging and CORS middleware.
func NewHandler(log *slog.Logger, chat core.ChatService, store storage.HistoryStorage) http.Handler {
	s := &Server{
		log:   log.With(sl.Module("server")),
		chat:  chat,
		store: store,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /history/{session_id}", s.handleHistory)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return chainMiddlewares(mux, withCORS, withLogging(s.log), withRequestId)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest accepts both observed request shapes: a single message with
// session_id, or a messages array with sessionId where the newest entry is
// the last element.
type chatRequest struct {
	Message      string        `json:"message"`
	SessionId    string        `json:"session_id"`
	SessionIdAlt string        `json:"sessionId"`
	Messages     []chatMessage `json:"messages"`
	Stream       bool          `json:"stream"`
}

func (r *chatRequest) text() string {
	if len(r.Messages) > 0 {
		return r.Messages[len(r.Messages)-1].Content
	}
	return r.Message
}

func (r *chatRequest) session() string {
	if r.SessionId != "" {
		return r.SessionId
	}
	if r.SessionIdAlt != "" {
		return r.SessionIdAlt
	}
	return DefaultSession
}

type chatResponse struct {
	Response string `json:"response"`
}

type historyResponse struct {
	Messages []storage.Message `json:"messages"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.text() == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	if req.Stream || strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.streamChat(w, r, req.session(), req.text())
		return
	}

	response := s.chat.Handle(r.Context(), req.session(), req.text())
	writeJSON(w, http.StatusOK, chatResponse{Response: response})
}

// streamChat relays responder chunks as a text-event-stream. Chunks are raw
// concatenated text; a mid-stream failure arrives as one final chunk.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, sessionId, text string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	chunks := s.chat.HandleStream(r.Context(), sessionId, text)
	for {
		select {
		case <-r.Context().Done():
			return
		case chunk, open := <-chunks:
			if !open {
				return
			}
			if _, err := w.Write([]byte(chunk)); err != nil {
				s.log.Warn("writing chunk", sl.Err(err))
				return
			}
			flusher.Flush()
		}
	}
}

// handleHistory returns the full ordered history of one session. A store
// failure is swallowed into an empty list, never a transport error.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionId := r.PathValue("session_id")

	messages := make([]storage.Message, 0)
	conversation, err := s.store.GetHistory(sessionId)
	if err != nil {
		s.log.With(sl.Session(sessionId)).Error("getting history", sl.Err(err))
	} else if conversation != nil {
		messages = conversation.Messages
	}

	writeJSON(w, http.StatusOK, historyResponse{Messages: messages})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
