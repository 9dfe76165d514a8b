package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cllghn/csg-docs-llm/internal/domain"
	"github.com/cllghn/csg-docs-llm/internal/observability"
	"github.com/cllghn/csg-docs-llm/internal/service"
)

type askRequest struct {
	Question      string   `json:"question" validate:"required,max=4000"`
	DocumentSet   string   `json:"document_set"`
	TopK          int      `json:"top_k" validate:"omitempty,gte=3,lte=15"`
	MinSimilarity *float64 `json:"min_similarity" validate:"omitempty,gte=0,lte=1"`
}

type excerptView struct {
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source,omitempty"`
	Page       string  `json:"page,omitempty"`
	Text       string  `json:"text"`
}

type askResponse struct {
	Answer   string        `json:"answer"`
	Failed   bool          `json:"failed"`
	Excerpts []excerptView `json:"excerpts"`
	Sources  []string      `json:"sources"`
}

type sessionResponse struct {
	ID          string        `json:"id"`
	DocumentSet string        `json:"document_set"`
	Halted      string        `json:"halted,omitempty"`
	Turns       []domain.Turn `json:"turns"`
}

type setView struct {
	Name    string `json:"name"`
	Label   string `json:"label"`
	Backend string `json:"backend"`
}

type setsResponse struct {
	Default string    `json:"default"`
	Sets    []setView `json:"sets"`
}

func toAskResponse(res *service.AskResult) askResponse {
	out := askResponse{
		Answer:   res.Answer,
		Failed:   res.Failed,
		Excerpts: make([]excerptView, 0, len(res.Excerpts.Excerpts)),
		Sources:  res.Excerpts.Sources(),
	}
	for _, e := range res.Excerpts.Excerpts {
		out.Excerpts = append(out.Excerpts, excerptView{Confidence: e.Confidence, Source: e.SourceID, Page: e.Page, Text: e.Text})
	}
	if out.Sources == nil {
		out.Sources = []string{}
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSets(w http.ResponseWriter, _ *http.Request) {
	resp := setsResponse{Default: s.catalog.Default()}
	for _, set := range s.catalog.Sets() {
		resp.Sets = append(resp.Sets, setView{Name: set.Name, Label: set.DisplayName(), Backend: set.Backend})
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(w, r)
	if err != nil {
		handleServiceError(w, err, observability.FromContext(r.Context(), s.logger))
		return
	}
	turns := sess.Snapshot()
	if turns == nil {
		turns = []domain.Turn{}
	}
	respondJSON(w, http.StatusOK, sessionResponse{
		ID:          sess.ID(),
		DocumentSet: sess.DocumentSet(),
		Halted:      sess.Halted(),
		Turns:       turns,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		if err := s.sessions.Delete(r.Context(), c.Value); err != nil {
			handleServiceError(w, err, observability.FromContext(r.Context(), s.logger))
			return
		}
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true, Secure: s.cfg.CookieSecure})
	w.WriteHeader(http.StatusNoContent)
}

// validateAsk checks the request and reports false after writing a 400.
func (s *Server) validateAsk(w http.ResponseWriter, req *askRequest) bool {
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	if req.DocumentSet != "" && !s.catalog.Has(req.DocumentSet) {
		respondError(w, http.StatusBadRequest, "unknown_document_set", fmt.Sprintf("document set %q is not configured", req.DocumentSet))
		return false
	}
	return true
}

func (req askRequest) input() service.AskInput {
	return service.AskInput{
		Question:      req.Question,
		DocumentSet:   req.DocumentSet,
		TopK:          req.TopK,
		MinSimilarity: req.MinSimilarity,
	}
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	logger := observability.FromContext(r.Context(), s.logger)

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}
	if !s.validateAsk(w, &req) {
		return
	}
	sess, err := s.loadSession(w, r)
	if err != nil {
		handleServiceError(w, err, logger)
		return
	}
	if !s.acquire(sess.ID()) {
		respondError(w, http.StatusConflict, "ask_in_progress", "a question is already being answered for this session")
		return
	}
	defer s.release(sess.ID())

	res, err := s.asker.Ask(r.Context(), sess, req.input(), nil)
	if err != nil {
		handleServiceError(w, err, logger)
		return
	}
	respondJSON(w, http.StatusOK, toAskResponse(res))
}

// handleAskStream answers over server-sent events so the page can use
// EventSource. Events: delta {"delta"}, done (askResponse), error (ErrorResponse).
func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	logger := observability.FromContext(r.Context(), s.logger)

	req, err := parseStreamQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !s.validateAsk(w, &req) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}
	sess, err := s.loadSession(w, r)
	if err != nil {
		handleServiceError(w, err, logger)
		return
	}
	if !s.acquire(sess.ID()) {
		respondError(w, http.StatusConflict, "ask_in_progress", "a question is already being answered for this session")
		return
	}
	defer s.release(sess.ID())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sent := 0
	res, err := s.asker.Ask(r.Context(), sess, req.input(), func(partial string) {
		if len(partial) <= sent {
			return
		}
		writeEvent(w, "delta", map[string]string{"delta": partial[sent:]})
		sent = len(partial)
		flusher.Flush()
	})
	if err != nil {
		status, code := classify(err)
		if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
			logger.Error("stream request failed", zap.Error(err))
		}
		writeEvent(w, "error", ErrorResponse{Error: code, Message: err.Error()})
		flusher.Flush()
		return
	}
	writeEvent(w, "done", toAskResponse(res))
	flusher.Flush()
}

func parseStreamQuery(r *http.Request) (askRequest, error) {
	q := r.URL.Query()
	req := askRequest{Question: q.Get("question"), DocumentSet: q.Get("document_set")}
	if v := q.Get("top_k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, fmt.Errorf("top_k: %w", err)
		}
		req.TopK = n
	}
	if v := q.Get("min_similarity"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return req, fmt.Errorf("min_similarity: %w", err)
		}
		req.MinSimilarity = &f
	}
	return req, nil
}

func writeEvent(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
