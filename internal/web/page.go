package web

import (
	"embed"
	"html/template"
	"net/http"

	"go.uber.org/zap"

	"github.com/cllghn/csg-docs-llm/internal/config"
	"github.com/cllghn/csg-docs-llm/internal/observability"
	"github.com/cllghn/csg-docs-llm/internal/service"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

type pageData struct {
	Title      string
	Disclaimer string
	Sets       []config.DocumentSetConfig
	Default    string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	title := s.cfg.Title
	if title == "" {
		title = "CSG Justice Center GAMBLER"
	}
	data := pageData{
		Title:      title,
		Disclaimer: service.Disclaimer,
		Sets:       s.catalog.Sets(),
		Default:    s.catalog.Default(),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		observability.FromContext(r.Context(), s.logger).Error("render index", zap.Error(err))
	}
}
