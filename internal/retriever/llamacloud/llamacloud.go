package llamacloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cllghn/csg-docs-llm/internal/domain"
	"github.com/cllghn/csg-docs-llm/internal/retriever"
)

// Config identifies a managed index.
type Config struct {
	BaseURL        string
	APIKey         string
	IndexName      string
	ProjectName    string
	OrganizationID string
	Timeout        time.Duration
}

// Retriever queries one LlamaCloud pipeline over REST.
type Retriever struct {
	baseURL    string
	apiKey     string
	pipelineID string
	client     *http.Client
}

type pipeline struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// New resolves the index name to a pipeline id. Failure here means the
// document set cannot be used at all.
func New(ctx context.Context, cfg Config) (*Retriever, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("missing LlamaCloud API key")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	r := &Retriever{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}

	q := url.Values{}
	q.Set("pipeline_name", cfg.IndexName)
	if cfg.ProjectName != "" {
		q.Set("project_name", cfg.ProjectName)
	}
	if cfg.OrganizationID != "" {
		q.Set("organization_id", cfg.OrganizationID)
	}
	var found []pipeline
	if err := r.do(ctx, http.MethodGet, "/api/v1/pipelines?"+q.Encode(), nil, &found); err != nil {
		return nil, fmt.Errorf("look up index %q: %w", cfg.IndexName, err)
	}
	for _, p := range found {
		if p.Name == cfg.IndexName {
			r.pipelineID = p.ID
			return r, nil
		}
	}
	return nil, fmt.Errorf("index %q not found in project %q", cfg.IndexName, cfg.ProjectName)
}

func (r *Retriever) PipelineID() string { return r.pipelineID }

type retrieveRequest struct {
	Query               string `json:"query"`
	DenseSimilarityTopK int    `json:"dense_similarity_top_k"`
}

type retrieveResponse struct {
	RetrievalNodes []struct {
		Score *float64 `json:"score"`
		Node  struct {
			ID        string         `json:"id_"`
			Text      string         `json:"text"`
			Metadata  map[string]any `json:"metadata"`
			ExtraInfo map[string]any `json:"extra_info"`
		} `json:"node"`
	} `json:"retrieval_nodes"`
}

// Retrieve returns at most topK passages ranked by the service.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]domain.Passage, error) {
	var resp retrieveResponse
	path := "/api/v1/pipelines/" + url.PathEscape(r.pipelineID) + "/retrieve"
	if err := r.do(ctx, http.MethodPost, path, retrieveRequest{Query: query, DenseSimilarityTopK: topK}, &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Passage, 0, len(resp.RetrievalNodes))
	for _, n := range resp.RetrievalNodes {
		md := n.Node.Metadata
		if md == nil {
			md = n.Node.ExtraInfo
		}
		if md == nil {
			md = map[string]any{}
		}
		if _, ok := md["id"]; !ok && n.Node.ID != "" {
			md["id"] = n.Node.ID
		}
		source, page := retriever.SourceAndPage(md)
		p := domain.Passage{Text: n.Node.Text, SourceID: source, Page: page}
		if n.Score != nil {
			p.Score = *n.Score
		}
		out = append(out, p)
	}
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (r *Retriever) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("llamacloud %s %s failed: %s %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
