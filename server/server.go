package server

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tably/tably/internal/models"
	"github.com/tably/tably/pkg/convo"
	"github.com/tably/tably/pkg/rag"
	"github.com/tably/tably/pkg/ratelimit"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Be careful with this in production
	},
}

// Server exposes the query, chat and conversation endpoints plus a
// WebSocket channel for pipeline progress events.
type Server struct {
	engine        *rag.Engine
	convos        *convo.Store
	governor      *ratelimit.Governor
	retentionDays int
}

func New(engine *rag.Engine, convos *convo.Store, governor *ratelimit.Governor, retentionDays int) *Server {
	return &Server{
		engine:        engine,
		convos:        convos,
		governor:      governor,
		retentionDays: retentionDays,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/query", s.handleQuery)
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/conversations/", s.handleConversations)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

func (s *Server) ListenAndServe(addr string) error {
	log.Printf("listening on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

type queryRequest struct {
	Query          string   `json:"query"`
	TopK           int      `json:"top_k,omitempty"`
	ScoreThreshold *float64 `json:"score_threshold,omitempty"`
	MinRating      float64  `json:"min_rating,omitempty"`
	PriceRange     string   `json:"price_range,omitempty"`
}

type queryResult struct {
	Restaurant  string  `json:"restaurant"`
	Rating      float64 `json:"rating,omitempty"`
	PriceRange  string  `json:"price_range,omitempty"`
	Description string  `json:"description,omitempty"`
	Score       float64 `json:"score"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.admit(w, r, ratelimit.ClassChat) {
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	results, err := s.engine.Query(r.Context(), rag.QueryRequest{
		Query:          req.Query,
		TopK:           req.TopK,
		ScoreThreshold: req.ScoreThreshold,
		Filter:         queryFilter(req),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := make([]queryResult, 0, len(results))
	for _, res := range results {
		out = append(out, queryResult{
			Restaurant:  res.Metadata.RestaurantName,
			Rating:      res.Metadata.Rating,
			PriceRange:  res.Metadata.PriceRange,
			Description: res.Metadata.Text,
			Score:       res.Score,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": out})
}

func queryFilter(req queryRequest) *models.QueryFilter {
	if req.MinRating == 0 && req.PriceRange == "" {
		return nil
	}
	return &models.QueryFilter{
		MinRating:  req.MinRating,
		PriceRange: req.PriceRange,
	}
}

type chatRequest struct {
	Query             string `json:"query"`
	ConversationID    string `json:"conversation_id,omitempty"`
	ContextWindowSize int    `json:"context_window_size,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.admit(w, r, ratelimit.ClassChat) {
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	result, err := s.engine.Chat(r.Context(), rag.ChatRequest{
		Query:             req.Query,
		ConversationID:    req.ConversationID,
		ContextWindowSize: req.ContextWindowSize,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"response":        result.Response,
		"conversation_id": result.ConversationID,
	})
}

type cleanupRequest struct {
	DaysOld int `json:"days_old"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/conversations/")

	if rest == "cleanup" {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.admit(w, r, ratelimit.ClassCleanup) {
			return
		}
		s.handleCleanup(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.admit(w, r, ratelimit.ClassConversations) {
		return
	}
	if rest == "" || strings.Contains(rest, "/") {
		http.NotFound(w, r)
		return
	}

	conv, err := s.convos.Get(rest)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	// Omitting days_old falls back to the configured retention period.
	if req.DaysOld == 0 {
		req.DaysOld = s.retentionDays
	}
	if req.DaysOld < 1 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": "days_old must be positive",
		})
		return
	}

	removed, err := s.convos.CleanupOlderThan(time.Duration(req.DaysOld) * 24 * time.Hour)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "removed " + strconv.Itoa(removed) + " conversations",
	})
}

type wsRequest struct {
	Query             string `json:"query"`
	ConversationID    string `json:"conversation_id,omitempty"`
	ContextWindowSize int    `json:"context_window_size,omitempty"`
}

// handleWebSocket serves chat queries over a socket, emitting pipeline
// progress events while retrieval runs and a final response event.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req wsRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			s.sendEvent(conn, rag.ProgressEvent{
				Type:      rag.StageError,
				Data:      map[string]interface{}{"message": "invalid message"},
				Timestamp: nowSeconds(),
			})
			continue
		}

		if decision := s.governor.Admit(clientKey(r), ratelimit.ClassChat); !decision.Allowed {
			s.sendEvent(conn, rag.ProgressEvent{
				Type: rag.StageError,
				Data: map[string]interface{}{
					"message":     "rate_limit_exceeded",
					"retry_after": int(decision.RetryAfter.Seconds()),
				},
				Timestamp: nowSeconds(),
			})
			continue
		}

		result, err := s.engine.Chat(r.Context(), rag.ChatRequest{
			Query:             req.Query,
			ConversationID:    req.ConversationID,
			ContextWindowSize: req.ContextWindowSize,
			Progress: func(event rag.ProgressEvent) {
				s.sendEvent(conn, event)
			},
		})
		if err != nil {
			// The engine already emitted the terminal error event.
			continue
		}

		s.sendEvent(conn, rag.ProgressEvent{
			Type: "response",
			Data: map[string]interface{}{
				"response":        result.Response,
				"conversation_id": result.ConversationID,
			},
			Timestamp: nowSeconds(),
		})
	}
}

func (s *Server) sendEvent(conn *websocket.Conn, event rag.ProgressEvent) {
	if err := conn.WriteJSON(event); err != nil {
		log.Printf("error sending event: %v", err)
	}
}

// admit runs admission control and writes the 429 response on denial.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, class string) bool {
	decision := s.governor.Admit(clientKey(r), class)
	if decision.Allowed {
		return true
	}

	retryAfter := int(decision.RetryAfter.Seconds())
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
		"error":         "rate_limit_exceeded",
		"endpoint_type": decision.EndpointClass,
		"retry_after":   retryAfter,
	})
	return false
}

// clientKey identifies the caller for rate limiting: the first
// X-Forwarded-For hop when present, otherwise the remote IP.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeError maps typed failures to statuses. Provider and internal
// errors stay generic on the wire; the detail goes to the server log.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var validationErr *models.ValidationError
	if errors.As(err, &validationErr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": validationErr.Error(),
			"field": validationErr.Field,
		})
		return
	}

	if errors.Is(err, models.ErrConversationNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
		return
	}

	log.Printf("request failed: %v", err)

	var completionErr *models.CompletionError
	var retrievalErr *models.RetrievalError
	switch {
	case errors.As(err, &completionErr):
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to generate response"})
	case errors.As(err, &retrievalErr):
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to retrieve results"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("error writing response: %v", err)
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
