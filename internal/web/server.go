package web

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/cllghn/csg-docs-llm/internal/config"
	"github.com/cllghn/csg-docs-llm/internal/observability"
	"github.com/cllghn/csg-docs-llm/internal/service"
	"github.com/cllghn/csg-docs-llm/internal/session"
)

const sessionCookie = "gambler_session"

// Asker is the part of the RAG service the handlers use.
type Asker interface {
	Ask(ctx context.Context, sess *session.Session, in service.AskInput, onPartial func(string)) (*service.AskResult, error)
}

// Catalog lists the selectable document sets.
type Catalog interface {
	Sets() []config.DocumentSetConfig
	Default() string
	Has(name string) bool
}

// Server serves the chat page and the JSON/SSE API.
type Server struct {
	asker    Asker
	catalog  Catalog
	sessions session.Store
	cfg      config.ServerConfig
	ttl      time.Duration
	logger   *zap.Logger
	validate *validator.Validate

	// session id -> struct{} while a question is being answered
	inflight sync.Map
}

func NewServer(asker Asker, catalog Catalog, sessions session.Store, cfg config.ServerConfig, ttl time.Duration, logger *zap.Logger) *Server {
	return &Server{
		asker:    asker,
		catalog:  catalog,
		sessions: sessions,
		cfg:      cfg,
		ttl:      ttl,
		logger:   logger,
		validate: validator.New(),
	}
}

// Routes builds the router with all middleware.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sets", s.handleSets)
		r.Get("/session", s.handleGetSession)
		r.Delete("/session", s.handleDeleteSession)
		r.Post("/ask", s.handleAsk)
		r.Get("/ask/stream", s.handleAskStream)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "not_found", "endpoint not found")
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		observability.FromContext(r.Context(), s.logger).Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// loadSession returns the caller's session, creating one and setting the
// cookie when the cookie is missing or points at an expired session.
func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*session.Session, error) {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		sess, err := s.sessions.Get(r.Context(), c.Value)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return nil, err
		}
	}
	sess := session.New(s.catalog.Default())
	if err := s.sessions.Save(r.Context(), sess); err != nil {
		return nil, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.ID(),
		Path:     "/",
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return sess, nil
}

// acquire marks the session busy. It reports false if a question is
// already being answered for it.
func (s *Server) acquire(id string) bool {
	_, busy := s.inflight.LoadOrStore(id, struct{}{})
	return !busy
}

func (s *Server) release(id string) { s.inflight.Delete(id) }
