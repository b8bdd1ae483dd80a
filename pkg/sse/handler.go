package sse

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/achcyano/mindisle-server/pkg/genstream"
)

// Authenticator resolves the requesting user. Implementations typically
// check a bearer token; tests use a static mapping.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// BearerAuthenticator authenticates requests by exact bearer-token lookup.
type BearerAuthenticator struct {
	// Tokens maps token values to user ids.
	Tokens map[string]string
}

func (a *BearerAuthenticator) Authenticate(r *http.Request) (string, error) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", genstream.E(genstream.CodeUnauthorized, "missing bearer token")
	}
	userID, ok := a.Tokens[h[len(prefix):]]
	if !ok {
		return "", genstream.E(genstream.CodeUnauthorized, "unknown token")
	}
	return userID, nil
}

// Handler is the HTTP surface over the coordinator.
type Handler struct {
	coord  *genstream.Coordinator
	auth   Authenticator
	logger *slog.Logger
}

// NewHandler builds the route table.
func NewHandler(coord *genstream.Coordinator, auth Authenticator, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{coord: coord, auth: auth, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/conversations/{conversation}/turns", h.startTurn)
	mux.HandleFunc("DELETE /v1/conversations/{conversation}", h.deleteConversation)
	mux.HandleFunc("GET /v1/generations/{generation}", h.getGeneration)
	mux.HandleFunc("GET /v1/generations/{generation}/events", h.streamEvents)
	return mux
}

func (h *Handler) startTurn(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req genstream.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, genstream.E(genstream.CodeInvalidArgument, "malformed request body"))
		return
	}
	gen, err := h.coord.StartTurn(r.Context(), userID, r.PathValue("conversation"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, generationView(gen))
}

func (h *Handler) deleteConversation(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.coord.DeleteConversation(r.Context(), userID, r.PathValue("conversation")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getGeneration(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	gen, err := h.coord.Generation(r.Context(), userID, r.PathValue("generation"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, generationView(gen))
}

func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	genID := r.PathValue("generation")
	lastSeq, err := ParseLastEventID(r.Header.Get("Last-Event-ID"), genID)
	if err != nil {
		writeError(w, err)
		return
	}
	sw, err := NewWriter(w)
	if err != nil {
		writeError(w, genstream.Wrap(genstream.CodeInternal, err, "streaming unsupported"))
		return
	}

	// The ownership and cursor checks run before any frame goes out, so
	// protocol errors still get a proper status code and JSON body.
	sink := &eventSink{w: sw}
	err = h.coord.Resume(r.Context(), userID, genID, lastSeq, sink)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		// Client went away.
	case !sink.sent:
		writeError(w, err)
	default:
		h.logger.Warn("event stream aborted", "generation_id", genID, "err", err)
	}
}

// eventSink streams engine events as SSE frames.
type eventSink struct {
	w    *Writer
	sent bool
}

func (s *eventSink) Send(ev *genstream.Event) error {
	if !s.sent {
		s.w.WriteHeaders()
		s.sent = true
	}
	// The data line carries the kind-specific payload; generation id, seq,
	// and kind travel in the id: and event: fields.
	return s.w.Send(EventID(ev), string(ev.Kind), ev.Payload)
}

func (s *eventSink) Heartbeat() error {
	if !s.sent {
		s.w.WriteHeaders()
		s.sent = true
	}
	return s.w.Comment("heartbeat")
}

type generationResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Status         string `json:"status"`
	ErrCode        string `json:"errorCode,omitempty"`
	ErrMessage     string `json:"errorMessage,omitempty"`
}

func generationView(gen *genstream.Generation) generationResponse {
	return generationResponse{
		ID:             gen.ID,
		ConversationID: gen.ConversationID,
		Status:         string(gen.Status),
		ErrCode:        gen.ErrCode,
		ErrMessage:     gen.ErrMessage,
	}
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	code := genstream.CodeOf(err)
	var body errorBody
	body.Error.Code = string(code)
	var ge *genstream.Error
	if errors.As(err, &ge) {
		body.Error.Message = ge.Message
	} else {
		body.Error.Message = "internal error"
	}
	writeJSON(w, statusOf(code), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusOf(code genstream.Code) int {
	switch code {
	case genstream.CodeInvalidArgument:
		return http.StatusBadRequest
	case genstream.CodeUnauthorized:
		return http.StatusUnauthorized
	case genstream.CodeForbidden:
		return http.StatusForbidden
	case genstream.CodeNotFound:
		return http.StatusNotFound
	case genstream.CodeConflict:
		return http.StatusConflict
	case genstream.CodeRateLimited:
		return http.StatusTooManyRequests
	case genstream.CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
