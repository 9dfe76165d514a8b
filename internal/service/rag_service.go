package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cllghn/csg-docs-llm/internal/domain"
	"github.com/cllghn/csg-docs-llm/internal/excerpt"
	"github.com/cllghn/csg-docs-llm/internal/prompt"
	"github.com/cllghn/csg-docs-llm/internal/retriever"
	"github.com/cllghn/csg-docs-llm/internal/session"
	"github.com/cllghn/csg-docs-llm/internal/stream"
)

const (
	// ErrorTurnPrefix starts the assistant turn recorded when generation fails.
	ErrorTurnPrefix = "Error during search: "

	// Disclaimer is shown by every front end next to the answers.
	Disclaimer = "This application is an experiment, please use it accordingly and verify any critical information."
)

const persistTimeout = 5 * time.Second

var ErrEmptyQuestion = errors.New("question is empty")

// Retrievers hands out the shared retriever for a document set.
type Retrievers interface {
	Get(ctx context.Context, name string) (domain.Retriever, error)
}

// Completer generates an answer from assembled turns.
type Completer interface {
	Complete(ctx context.Context, turns []domain.Turn) (string, error)
	Stream(ctx context.Context, turns []domain.Turn) (stream.Source, error)
}

// Options are the service defaults used when a request leaves a field unset.
type Options struct {
	TopK          int
	MinSimilarity float64
	Stream        bool
}

// AskInput is one question. Zero TopK and nil MinSimilarity fall back to
// the service defaults; an empty DocumentSet uses the session's set.
type AskInput struct {
	Question      string
	DocumentSet   string
	TopK          int
	MinSimilarity *float64
}

// AskResult is the outcome of a question that reached generation.
// Failed is set when the answer is an error turn; Cause holds the error.
type AskResult struct {
	Answer   string
	Excerpts excerpt.Set
	Failed   bool
	Cause    error
}

// RAGService answers questions strictly from retrieved excerpts.
type RAGService struct {
	retrievers Retrievers
	completer  Completer
	sessions   session.Store
	opts       Options
	logger     *zap.Logger
}

func NewRAGService(retrievers Retrievers, completer Completer, sessions session.Store, opts Options, logger *zap.Logger) *RAGService {
	return &RAGService{
		retrievers: retrievers,
		completer:  completer,
		sessions:   sessions,
		opts:       opts,
		logger:     logger,
	}
}

// Ask runs one conversational turn. The user turn is recorded before
// generation and exactly one assistant turn after it. A completion failure
// is recorded as an error turn and reported through AskResult, not err.
// err is reserved for failures that leave the session without a new
// exchange: empty question, halted session, unknown or broken document set.
// onPartial, when set, receives the growing answer while it streams.
func (s *RAGService) Ask(ctx context.Context, sess *session.Session, in AskInput, onPartial func(string)) (*AskResult, error) {
	if reason := sess.Halted(); reason != "" {
		return nil, fmt.Errorf("%w: %s", session.ErrHalted, reason)
	}
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	setName := in.DocumentSet
	if setName == "" {
		setName = sess.DocumentSet()
	}
	logger := s.logger.With(zap.String("session_id", sess.ID()), zap.String("document_set", setName))

	ret, err := s.retrievers.Get(ctx, setName)
	if err != nil {
		var initErr *retriever.InitError
		if errors.As(err, &initErr) {
			logger.Error("document set unavailable, halting session", zap.Error(err))
			sess.Halt(err.Error())
			s.persist(ctx, logger, sess)
		}
		return nil, err
	}
	if setName != sess.DocumentSet() {
		sess.SetDocumentSet(setName)
	}

	history := sess.Snapshot()
	sess.Append(domain.Turn{Role: domain.RoleUser, Content: question})
	s.persist(ctx, logger, sess)

	set := s.retrieve(ctx, logger, ret, question, s.topK(in), s.minSimilarity(in))
	turns := prompt.Assemble(question, set, history)

	answer, genErr := s.generate(ctx, turns, onPartial)
	res := &AskResult{Answer: answer, Excerpts: set}
	if genErr != nil {
		logger.Error("completion failed", zap.Error(genErr))
		res = &AskResult{Answer: ErrorTurnPrefix + genErr.Error(), Excerpts: set, Failed: true, Cause: genErr}
	}
	sess.Append(domain.Turn{Role: domain.RoleAssistant, Content: res.Answer})
	s.persist(ctx, logger, sess)
	return res, nil
}

// AskOnce answers a single question with no history. Generation errors are
// returned rather than turned into an answer.
func (s *RAGService) AskOnce(ctx context.Context, in AskInput) (*AskResult, error) {
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	logger := s.logger.With(zap.String("document_set", in.DocumentSet))
	ret, err := s.retrievers.Get(ctx, in.DocumentSet)
	if err != nil {
		return nil, err
	}
	set := s.retrieve(ctx, logger, ret, question, s.topK(in), s.minSimilarity(in))
	answer, err := s.completer.Complete(ctx, prompt.Assemble(question, set, nil))
	if err != nil {
		return nil, err
	}
	return &AskResult{Answer: answer, Excerpts: set}, nil
}

// retrieve never fails: a retrieval error is logged and treated as an empty result.
func (s *RAGService) retrieve(ctx context.Context, logger *zap.Logger, ret domain.Retriever, question string, topK int, minSimilarity float64) excerpt.Set {
	passages, err := ret.Retrieve(ctx, question, topK)
	if err != nil {
		logger.Warn("retrieval failed, continuing without excerpts", zap.Error(err))
		passages = nil
	}
	set := excerpt.Filter(passages, minSimilarity)
	logger.Debug("filtered passages",
		zap.Int("retrieved", len(passages)),
		zap.Int("kept", len(set.Excerpts)),
		zap.Float64("min_similarity", minSimilarity),
	)
	return set
}

func (s *RAGService) generate(ctx context.Context, turns []domain.Turn, onPartial func(string)) (string, error) {
	if !s.opts.Stream {
		answer, err := s.completer.Complete(ctx, turns)
		if err == nil && onPartial != nil {
			onPartial(answer)
		}
		return answer, err
	}
	src, err := s.completer.Stream(ctx, turns)
	if err != nil {
		return "", err
	}
	return stream.Consume(ctx, src, onPartial)
}

// persist failures are logged; the in-memory session stays authoritative
// for the rest of the request. The save is detached from ctx so a client
// that disconnects mid-answer still leaves a complete exchange behind.
func (s *RAGService) persist(ctx context.Context, logger *zap.Logger, sess *session.Session) {
	if s.sessions == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.sessions.Save(saveCtx, sess); err != nil {
		logger.Error("failed to save session", zap.Error(err))
	}
}

func (s *RAGService) topK(in AskInput) int {
	if in.TopK > 0 {
		return in.TopK
	}
	return s.opts.TopK
}

func (s *RAGService) minSimilarity(in AskInput) float64 {
	if in.MinSimilarity != nil {
		return *in.MinSimilarity
	}
	return s.opts.MinSimilarity
}
