package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cllghn/csg-docs-llm/internal/config"
	"github.com/cllghn/csg-docs-llm/internal/domain"
	embopenai "github.com/cllghn/csg-docs-llm/internal/embedding/openai"
	"github.com/cllghn/csg-docs-llm/internal/embedding/tfidf"
	"github.com/cllghn/csg-docs-llm/internal/llm"
	"github.com/cllghn/csg-docs-llm/internal/retriever"
	"github.com/cllghn/csg-docs-llm/internal/retriever/llamacloud"
	"github.com/cllghn/csg-docs-llm/internal/retriever/local"
	"github.com/cllghn/csg-docs-llm/internal/retriever/pgvector"
	"github.com/cllghn/csg-docs-llm/internal/service"
	"github.com/cllghn/csg-docs-llm/internal/session"
	"github.com/cllghn/csg-docs-llm/internal/session/memory"
	"github.com/cllghn/csg-docs-llm/internal/session/redisstore"
	"github.com/cllghn/csg-docs-llm/internal/vectorstore/qdrant"
)

// Dependencies is the wiring point shared by the server, the terminal chat
// and the one-shot ask command.
type Dependencies struct {
	Config     *config.AppConfig
	Logger     *zap.Logger
	Retrievers *retriever.Registry
	Completer  *llm.Client
	Sessions   session.Store
	RAG        *service.RAGService

	closers []func() error
}

// NewDependencies builds everything needed to answer questions. Document
// set backends are not contacted here; call Warm for that.
func NewDependencies(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*Dependencies, error) {
	d := &Dependencies{Config: cfg, Logger: logger}

	completer, err := llm.NewClient(llm.Config{
		BaseURL:     cfg.Completion.BaseURL,
		APIKeyEnv:   cfg.Completion.APIKeyEnv,
		OrgID:       envOrEmpty(cfg.Completion.OrgIDEnv),
		Model:       cfg.Completion.Model,
		Temperature: cfg.Completion.Temperature,
		Timeout:     time.Duration(cfg.Completion.TimeoutSecs) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize completion client: %w", err)
	}
	d.Completer = completer

	if err := d.initSessions(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}

	d.Retrievers = retriever.NewRegistry(cfg.DocumentSets, cfg.Retrieval.DefaultSet, RetrieverFactory(cfg.Embedder, logger))
	d.closers = append(d.closers, func() error { d.Retrievers.Close(); return nil })

	d.RAG = service.NewRAGService(d.Retrievers, d.Completer, d.Sessions, service.Options{
		TopK:          cfg.Retrieval.TopK,
		MinSimilarity: cfg.Retrieval.MinSimilarity,
		Stream:        cfg.Completion.Stream,
	}, logger)

	logger.Info("dependencies initialized",
		zap.String("model", completer.Model()),
		zap.String("session_backend", cfg.Session.Backend),
		zap.Int("document_sets", len(cfg.DocumentSets)),
	)
	return d, nil
}

func (d *Dependencies) initSessions(ctx context.Context) error {
	cfg := d.Config.Session
	switch cfg.Backend {
	case "redis":
		rcfg := redisstore.DefaultConfig()
		rcfg.Addr = cfg.Redis.Addr
		rcfg.Password = envOrEmpty(cfg.Redis.PasswordEnv)
		rcfg.DB = cfg.Redis.DB
		rcfg.KeyPrefix = cfg.Redis.KeyPrefix
		rcfg.TTL = d.Config.SessionTTL()
		store, err := redisstore.NewStore(ctx, rcfg)
		if err != nil {
			return err
		}
		d.Sessions = store
		d.closers = append(d.closers, store.Close)
	case "memory", "":
		d.Sessions = memory.NewStore(d.Config.SessionTTL())
	default:
		return fmt.Errorf("unknown session backend: %s", cfg.Backend)
	}
	return nil
}

// Warm builds the default document set so a broken backend is reported at
// startup rather than on the first question.
func (d *Dependencies) Warm(ctx context.Context) error {
	name := d.Retrievers.Default()
	if _, err := d.Retrievers.Get(ctx, name); err != nil {
		return err
	}
	d.Logger.Info("document set ready", zap.String("document_set", name))
	return nil
}

// Reload rebuilds every document set on next use and re-warms the default
// one, picking up a re-ingested index or rotated backend credentials.
func (d *Dependencies) Reload(ctx context.Context) error {
	d.Retrievers.ReloadAll()
	return d.Warm(ctx)
}

// Close releases resources in reverse order of creation.
func (d *Dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// NewEmbedder returns a fresh embedder. TF-IDF embedders are fitted per
// corpus, so each document set gets its own instance.
func NewEmbedder(cfg config.EmbedderConfig) (domain.Embedder, error) {
	switch cfg.Type {
	case "tfidf", "":
		return tfidf.NewEmbedder(), nil
	case "openai":
		if cfg.OpenAI == nil {
			return nil, errors.New("openai embedder config missing")
		}
		return embopenai.NewClient(embopenai.Config{
			BaseURL:    cfg.OpenAI.BaseURL,
			APIKeyEnv:  cfg.OpenAI.APIKeyEnv,
			Model:      cfg.OpenAI.Model,
			Timeout:    time.Duration(cfg.OpenAI.TimeoutSecs) * time.Second,
			MaxRetries: cfg.OpenAI.MaxRetries,
		})
	default:
		return nil, fmt.Errorf("unknown embedder: %s", cfg.Type)
	}
}

// RetrieverFactory builds retrievers by backend. Remote vector backends need
// an embedder that does not depend on the local corpus, so they reject tfidf.
func RetrieverFactory(embCfg config.EmbedderConfig, logger *zap.Logger) retriever.Factory {
	return func(ctx context.Context, set config.DocumentSetConfig) (domain.Retriever, error) {
		logger.Info("initializing document set", zap.String("document_set", set.Name), zap.String("backend", set.Backend))
		switch set.Backend {
		case "llamacloud":
			c := set.LlamaCloud
			key := os.Getenv(c.APIKeyEnv)
			if key == "" {
				return nil, fmt.Errorf("missing API key in env %s", c.APIKeyEnv)
			}
			return llamacloud.New(ctx, llamacloud.Config{
				BaseURL:        c.BaseURL,
				APIKey:         key,
				IndexName:      c.IndexName,
				ProjectName:    c.ProjectName,
				OrganizationID: c.OrganizationID,
				Timeout:        time.Duration(c.TimeoutSecs) * time.Second,
			})
		case "qdrant":
			emb, err := remoteEmbedder(embCfg, set.Backend)
			if err != nil {
				return nil, err
			}
			storage := qdrant.NewStorage(QdrantConfig(set.Qdrant))
			if err := storage.Ping(ctx); err != nil {
				return nil, err
			}
			return retriever.NewVectorRetriever(emb, storage), nil
		case "pgvector":
			emb, err := remoteEmbedder(embCfg, set.Backend)
			if err != nil {
				return nil, err
			}
			dsn := os.Getenv(set.PGVector.DSNEnv)
			if dsn == "" {
				return nil, fmt.Errorf("missing postgres DSN in env %s", set.PGVector.DSNEnv)
			}
			return pgvector.New(ctx, dsn, set.PGVector.Table, emb)
		case "local":
			emb, err := NewEmbedder(embCfg)
			if err != nil {
				return nil, err
			}
			return local.Open(ctx, set.Local.Path, emb)
		default:
			return nil, fmt.Errorf("unknown backend: %s", set.Backend)
		}
	}
}

func remoteEmbedder(cfg config.EmbedderConfig, backend string) (domain.Embedder, error) {
	if cfg.Type != "openai" {
		return nil, fmt.Errorf("backend %s needs the openai embedder, configured embedder is %q", backend, cfg.Type)
	}
	return NewEmbedder(cfg)
}

// QdrantConfig resolves the API key from the environment when api_key_env is set.
func QdrantConfig(c *config.QdrantConfig) qdrant.Config {
	key := c.APIKey
	if c.APIKeyEnv != "" {
		if v := os.Getenv(c.APIKeyEnv); v != "" {
			key = v
		}
	}
	return qdrant.Config{
		URL:        c.URL,
		APIKey:     key,
		Collection: c.Collection,
		Timeout:    time.Duration(c.TimeoutSecs) * time.Second,
	}
}

func envOrEmpty(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}
