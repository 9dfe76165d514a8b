package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cllghn/csg-docs-llm/internal/config"
	"github.com/cllghn/csg-docs-llm/internal/domain"
	"github.com/cllghn/csg-docs-llm/internal/excerpt"
	"github.com/cllghn/csg-docs-llm/internal/retriever"
	"github.com/cllghn/csg-docs-llm/internal/service"
	"github.com/cllghn/csg-docs-llm/internal/session"
	"github.com/cllghn/csg-docs-llm/internal/session/memory"
)

type fakeAsker struct {
	partials []string
	result   *service.AskResult
	err      error
	block    chan struct{}

	mu  sync.Mutex
	got []service.AskInput
}

func (f *fakeAsker) Ask(_ context.Context, sess *session.Session, in service.AskInput, onPartial func(string)) (*service.AskResult, error) {
	f.mu.Lock()
	f.got = append(f.got, in)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	sess.Append(domain.Turn{Role: domain.RoleUser, Content: in.Question})
	for _, p := range f.partials {
		if onPartial != nil {
			onPartial(p)
		}
	}
	sess.Append(domain.Turn{Role: domain.RoleAssistant, Content: f.result.Answer})
	return f.result, nil
}

type fakeCatalog struct{}

func (fakeCatalog) Sets() []config.DocumentSetConfig {
	return []config.DocumentSetConfig{
		{Name: "csg-docs", Label: "CSG Justice Center publications", Backend: "llamacloud"},
		{Name: "local-docs", Backend: "local"},
	}
}

func (fakeCatalog) Default() string { return "csg-docs" }

func (fakeCatalog) Has(name string) bool { return name == "csg-docs" || name == "local-docs" }

func okResult() *service.AskResult {
	return &service.AskResult{
		Answer: "Jail populations fell.",
		Excerpts: excerpt.Set{Excerpts: []excerpt.Excerpt{
			{Confidence: 0.91, SourceID: "jails.pdf", Page: "4", Text: "Jail populations fell 12%."},
		}},
	}
}

func newTestServer(asker Asker) (*Server, *memory.Store) {
	store := memory.NewStore(time.Hour)
	srv := NewServer(asker, fakeCatalog{}, store, config.ServerConfig{Addr: ":0", Title: "Test Chat"}, time.Hour, zap.NewNop())
	return srv, store
}

func sessionCookieFrom(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatalf("no %s cookie set", sessionCookie)
	return nil
}

func TestHealthAndSets(t *testing.T) {
	srv, _ := newTestServer(&fakeAsker{})
	h := srv.Routes()

	t.Run("healthz", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"healthy"`)
	})

	t.Run("sets", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sets", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp setsResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, "csg-docs", resp.Default)
		require.Len(t, resp.Sets, 2)
		assert.Equal(t, "CSG Justice Center publications", resp.Sets[0].Label)
		assert.Equal(t, "local-docs", resp.Sets[1].Label)
	})

	t.Run("unknown route", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestIndexPage(t *testing.T) {
	srv, _ := newTestServer(&fakeAsker{})
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "<title>Test Chat</title>")
	assert.Contains(t, body, service.Disclaimer)
	assert.Contains(t, body, `<option value="csg-docs" selected>`)
}

func TestSessionLifecycle(t *testing.T) {
	srv, store := newTestServer(&fakeAsker{})
	h := srv.Routes()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/session", nil))
	require.Equal(t, http.StatusOK, w.Code)
	cookie := sessionCookieFrom(t, w)
	assert.True(t, cookie.HttpOnly)

	var resp sessionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, cookie.Value, resp.ID)
	assert.Equal(t, "csg-docs", resp.DocumentSet)
	assert.Empty(t, resp.Turns)
	assert.Equal(t, 1, store.Count())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/session", nil)
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Empty(t, w.Result().Cookies(), "existing session keeps its cookie")

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/session", nil)
	req.AddCookie(cookie)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, store.Count())
}

func TestAsk(t *testing.T) {
	asker := &fakeAsker{result: okResult()}
	srv, store := newTestServer(asker)
	h := srv.Routes()

	body := `{"question":"What happened to jails?","document_set":"local-docs","top_k":7,"min_similarity":0.5}`
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/ask", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp askResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "Jail populations fell.", resp.Answer)
	assert.False(t, resp.Failed)
	assert.Equal(t, []string{"jails.pdf"}, resp.Sources)
	require.Len(t, resp.Excerpts, 1)
	assert.Equal(t, "4", resp.Excerpts[0].Page)

	require.Len(t, asker.got, 1)
	assert.Equal(t, "local-docs", asker.got[0].DocumentSet)
	assert.Equal(t, 7, asker.got[0].TopK)
	require.NotNil(t, asker.got[0].MinSimilarity)
	assert.InDelta(t, 0.5, *asker.got[0].MinSimilarity, 1e-9)

	sess, err := store.Get(context.Background(), sessionCookieFrom(t, w).Value)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.Len())
}

func TestAsk_Validation(t *testing.T) {
	srv, _ := newTestServer(&fakeAsker{result: okResult()})
	h := srv.Routes()

	cases := []struct {
		name string
		body string
		code string
	}{
		{"not json", `{`, "invalid_request"},
		{"missing question", `{}`, "invalid_request"},
		{"top_k too small", `{"question":"q","top_k":2}`, "invalid_request"},
		{"top_k too large", `{"question":"q","top_k":16}`, "invalid_request"},
		{"min_similarity above one", `{"question":"q","min_similarity":1.5}`, "invalid_request"},
		{"unknown set", `{"question":"q","document_set":"nope"}`, "unknown_document_set"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/ask", strings.NewReader(tc.body)))
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tc.code, resp.Error)
		})
	}
}

func TestAsk_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"init failure", &retriever.InitError{Set: "csg-docs", Err: errors.New("no key")}, http.StatusServiceUnavailable, "document_set_unavailable"},
		{"halted", session.ErrHalted, http.StatusServiceUnavailable, "session_halted"},
		{"empty question", service.ErrEmptyQuestion, http.StatusBadRequest, "invalid_request"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestServer(&fakeAsker{err: tc.err})
			w := httptest.NewRecorder()
			srv.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/ask", strings.NewReader(`{"question":"q"}`)))

			assert.Equal(t, tc.status, w.Code)
			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tc.code, resp.Error)
		})
	}
}

func TestAsk_ConcurrentAskIsRejected(t *testing.T) {
	asker := &fakeAsker{result: okResult(), block: make(chan struct{})}
	srv, store := newTestServer(asker)
	h := srv.Routes()

	sess := session.New("csg-docs")
	require.NoError(t, store.Save(context.Background(), sess))
	cookie := &http.Cookie{Name: sessionCookie, Value: sess.ID()}

	first := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/ask", strings.NewReader(`{"question":"one"}`))
		req.AddCookie(cookie)
		h.ServeHTTP(first, req)
	}()

	require.Eventually(t, func() bool {
		asker.mu.Lock()
		defer asker.mu.Unlock()
		return len(asker.got) == 1
	}, time.Second, 5*time.Millisecond)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ask", strings.NewReader(`{"question":"two"}`))
	req.AddCookie(cookie)
	second := httptest.NewRecorder()
	h.ServeHTTP(second, req)
	assert.Equal(t, http.StatusConflict, second.Code)

	close(asker.block)
	<-done
	assert.Equal(t, http.StatusOK, first.Code)
}

func TestAskStream(t *testing.T) {
	asker := &fakeAsker{
		partials: []string{"Jail ", "Jail populations ", "Jail populations fell."},
		result:   okResult(),
	}
	srv, _ := newTestServer(asker)

	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ask/stream?question=jails%3F&top_k=4", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "event: delta\ndata: {\"delta\":\"Jail \"}\n\n")
	assert.Contains(t, body, "event: delta\ndata: {\"delta\":\"populations \"}\n\n")
	assert.Contains(t, body, "event: delta\ndata: {\"delta\":\"fell.\"}\n\n")
	assert.Contains(t, body, "event: done\ndata: {\"answer\":\"Jail populations fell.\"")
	assert.Equal(t, 4, asker.got[0].TopK)
	assert.Equal(t, "jails?", asker.got[0].Question)
}

func TestAskStream_ErrorEvent(t *testing.T) {
	srv, _ := newTestServer(&fakeAsker{err: &retriever.InitError{Set: "csg-docs", Err: errors.New("no key")}})

	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ask/stream?question=q", nil))

	assert.Contains(t, w.Body.String(), "event: error\ndata: {\"error\":\"document_set_unavailable\"")
}

func TestAskStream_BadQuery(t *testing.T) {
	srv, _ := newTestServer(&fakeAsker{result: okResult()})

	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ask/stream?question=q&top_k=lots", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
