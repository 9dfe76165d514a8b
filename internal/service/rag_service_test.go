package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cllghn/csg-docs-llm/internal/domain"
	"github.com/cllghn/csg-docs-llm/internal/excerpt"
	"github.com/cllghn/csg-docs-llm/internal/prompt"
	"github.com/cllghn/csg-docs-llm/internal/retriever"
	"github.com/cllghn/csg-docs-llm/internal/session"
	"github.com/cllghn/csg-docs-llm/internal/session/memory"
	"github.com/cllghn/csg-docs-llm/internal/stream"
)

// ==== fakes ====

type fakeRetriever struct {
	passages []domain.Passage
	err      error
	gotQuery string
	gotTopK  int
}

func (f *fakeRetriever) Retrieve(_ context.Context, query string, topK int) ([]domain.Passage, error) {
	f.gotQuery = query
	f.gotTopK = topK
	return f.passages, f.err
}

type fakeRetrievers struct {
	ret domain.Retriever
	err error
	got []string
}

func (f *fakeRetrievers) Get(_ context.Context, name string) (domain.Retriever, error) {
	f.got = append(f.got, name)
	return f.ret, f.err
}

type fakeCompleter struct {
	answer    string
	err       error
	fragments []string
	streamErr error
	openErr   error
	turns     []domain.Turn
}

func (f *fakeCompleter) Complete(_ context.Context, turns []domain.Turn) (string, error) {
	f.turns = turns
	return f.answer, f.err
}

func (f *fakeCompleter) Stream(_ context.Context, turns []domain.Turn) (stream.Source, error) {
	f.turns = turns
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fragmentSource{fragments: f.fragments, err: f.streamErr}, nil
}

// fragmentSource replays fragments, then ends with err or io.EOF.
type fragmentSource struct {
	fragments []string
	err       error
}

func (s *fragmentSource) Recv() (string, error) {
	if len(s.fragments) > 0 {
		f := s.fragments[0]
		s.fragments = s.fragments[1:]
		return f, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fragmentSource) Close() error { return nil }

// encodedStore keeps sessions as JSON, like redisstore, and fails writes
// on a done context.
type encodedStore struct {
	data map[string][]byte
}

func (s *encodedStore) Get(_ context.Context, id string) (*session.Session, error) {
	raw, ok := s.data[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	var sess session.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *encodedStore) Save(ctx context.Context, sess *session.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	s.data[sess.ID()] = raw
	return nil
}

func (s *encodedStore) Delete(_ context.Context, id string) error {
	delete(s.data, id)
	return nil
}

func newTestService(ret domain.Retriever, comp *fakeCompleter, streaming bool) (*RAGService, *fakeRetrievers, *memory.Store) {
	rs := &fakeRetrievers{ret: ret}
	store := memory.NewStore(0)
	svc := NewRAGService(rs, comp, store, Options{TopK: 5, MinSimilarity: 0.6, Stream: streaming}, zap.NewNop())
	return svc, rs, store
}

var jailPassages = []domain.Passage{
	{Text: "Jail populations fell 12%.", Score: 0.91, SourceID: "jails.pdf", Page: "4"},
	{Text: "Unrelated footnote.", Score: 0.31, SourceID: "jails.pdf", Page: "9"},
}

// ==== Ask ====

func TestAsk_StreamingAppendsUserThenAssistant(t *testing.T) {
	ret := &fakeRetriever{passages: jailPassages}
	comp := &fakeCompleter{fragments: []string{"Jail ", "populations ", "fell."}}
	svc, _, store := newTestService(ret, comp, true)
	sess := session.New("csg-docs")

	var partials []string
	res, err := svc.Ask(context.Background(), sess, AskInput{Question: "  What happened to jails?  "}, func(p string) {
		partials = append(partials, p)
	})

	require.NoError(t, err)
	assert.False(t, res.Failed)
	assert.Equal(t, "Jail populations fell.", res.Answer)
	assert.Equal(t, []string{"Jail ", "Jail populations ", "Jail populations fell."}, partials)
	assert.Len(t, res.Excerpts.Excerpts, 1)

	assert.Equal(t, "What happened to jails?", ret.gotQuery)
	assert.Equal(t, 5, ret.gotTopK)

	turns := sess.Snapshot()
	require.Len(t, turns, 2)
	assert.Equal(t, domain.Turn{Role: domain.RoleUser, Content: "What happened to jails?"}, turns[0])
	assert.Equal(t, domain.Turn{Role: domain.RoleAssistant, Content: "Jail populations fell."}, turns[1])

	saved, err := store.Get(context.Background(), sess.ID())
	require.NoError(t, err)
	assert.Equal(t, 2, saved.Len())
}

func TestAsk_PromptCarriesHistoryAndExcerpts(t *testing.T) {
	ret := &fakeRetriever{passages: jailPassages}
	comp := &fakeCompleter{answer: "second"}
	svc, _, _ := newTestService(ret, comp, false)
	sess := session.New("csg-docs")
	sess.Append(domain.Turn{Role: domain.RoleUser, Content: "first?"})
	sess.Append(domain.Turn{Role: domain.RoleAssistant, Content: "first."})

	_, err := svc.Ask(context.Background(), sess, AskInput{Question: "second?"}, nil)
	require.NoError(t, err)

	require.Len(t, comp.turns, 4)
	assert.Equal(t, domain.RoleSystem, comp.turns[0].Role)
	assert.Equal(t, prompt.SystemInstruction, comp.turns[0].Content)
	assert.Equal(t, "first?", comp.turns[1].Content)
	assert.Equal(t, "first.", comp.turns[2].Content)
	last := comp.turns[3]
	assert.Equal(t, domain.RoleUser, last.Role)
	assert.True(t, strings.HasPrefix(last.Content, "Question: second?\n\nTrusted content:\n"))
	assert.Contains(t, last.Content, `<excerpt confidence="0.91" source="jails.pdf" page="4">Jail populations fell 12%.</excerpt>`)
	assert.NotContains(t, last.Content, "Unrelated footnote.")
	assert.Len(t, sess.Snapshot(), 4)
}

func TestAsk_StreamFailureRecordsOnlyErrorTurn(t *testing.T) {
	ret := &fakeRetriever{passages: jailPassages}
	comp := &fakeCompleter{fragments: []string{"Par"}, streamErr: errors.New("connection reset")}
	svc, _, _ := newTestService(ret, comp, true)
	sess := session.New("csg-docs")

	res, err := svc.Ask(context.Background(), sess, AskInput{Question: "q"}, nil)

	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.ErrorContains(t, res.Cause, "connection reset")
	assert.True(t, strings.HasPrefix(res.Answer, ErrorTurnPrefix))

	turns := sess.Snapshot()
	require.Len(t, turns, 2)
	assert.Equal(t, domain.RoleAssistant, turns[1].Role)
	assert.True(t, strings.HasPrefix(turns[1].Content, ErrorTurnPrefix))
	for _, turn := range turns {
		assert.NotEqual(t, "Par", turn.Content)
	}
}

func TestAsk_ClientGoneMidStreamStillPersistsExchange(t *testing.T) {
	comp := &fakeCompleter{fragments: []string{"Par", "tial"}}
	store := &encodedStore{data: map[string][]byte{}}
	svc := NewRAGService(&fakeRetrievers{ret: &fakeRetriever{passages: jailPassages}}, comp, store,
		Options{TopK: 5, MinSimilarity: 0.6, Stream: true}, zap.NewNop())
	sess := session.New("csg-docs")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res, err := svc.Ask(ctx, sess, AskInput{Question: "What is X?"}, func(string) { cancel() })

	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.ErrorIs(t, res.Cause, context.Canceled)

	stored, err := store.Get(context.Background(), sess.ID())
	require.NoError(t, err)
	turns := stored.Snapshot()
	require.Len(t, turns, 2)
	assert.Equal(t, domain.Turn{Role: domain.RoleUser, Content: "What is X?"}, turns[0])
	assert.Equal(t, domain.RoleAssistant, turns[1].Role)
	assert.True(t, strings.HasPrefix(turns[1].Content, ErrorTurnPrefix))
}

func TestAsk_CompletionErrorBecomesErrorTurn(t *testing.T) {
	comp := &fakeCompleter{err: errors.New("rate limited")}
	svc, _, _ := newTestService(&fakeRetriever{}, comp, false)
	sess := session.New("csg-docs")

	res, err := svc.Ask(context.Background(), sess, AskInput{Question: "q"}, nil)

	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.Equal(t, ErrorTurnPrefix+"rate limited", res.Answer)
	assert.Equal(t, ErrorTurnPrefix+"rate limited", sess.Snapshot()[1].Content)
}

func TestAsk_StreamOpenErrorBecomesErrorTurn(t *testing.T) {
	comp := &fakeCompleter{openErr: errors.New("401 unauthorized")}
	svc, _, _ := newTestService(&fakeRetriever{}, comp, true)
	sess := session.New("csg-docs")

	res, err := svc.Ask(context.Background(), sess, AskInput{Question: "q"}, nil)

	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.Len(t, sess.Snapshot(), 2)
}

func TestAsk_RetrievalFailureUsesSentinel(t *testing.T) {
	ret := &fakeRetriever{err: errors.New("index unreachable")}
	comp := &fakeCompleter{answer: prompt.InsufficientContent}
	svc, _, _ := newTestService(ret, comp, false)
	sess := session.New("csg-docs")

	res, err := svc.Ask(context.Background(), sess, AskInput{Question: "q"}, nil)

	require.NoError(t, err)
	assert.False(t, res.Failed)
	assert.True(t, res.Excerpts.IsSentinel())
	assert.Contains(t, comp.turns[len(comp.turns)-1].Content, excerpt.SentinelMarker)
}

func TestAsk_AllBelowThresholdUsesSentinel(t *testing.T) {
	ret := &fakeRetriever{passages: []domain.Passage{{Text: "weak", Score: 0.2}}}
	comp := &fakeCompleter{answer: "a"}
	svc, _, _ := newTestService(ret, comp, false)

	res, err := svc.Ask(context.Background(), session.New("csg-docs"), AskInput{Question: "q"}, nil)

	require.NoError(t, err)
	assert.True(t, res.Excerpts.IsSentinel())
}

func TestAsk_RequestOverrides(t *testing.T) {
	ret := &fakeRetriever{passages: []domain.Passage{{Text: "weak", Score: 0.2}}}
	comp := &fakeCompleter{answer: "a"}
	svc, rs, _ := newTestService(ret, comp, false)
	sess := session.New("csg-docs")
	zero := 0.0

	res, err := svc.Ask(context.Background(), sess, AskInput{Question: "q", DocumentSet: "other", TopK: 9, MinSimilarity: &zero}, nil)

	require.NoError(t, err)
	assert.Equal(t, 9, ret.gotTopK)
	assert.False(t, res.Excerpts.IsSentinel())
	assert.Equal(t, []string{"other"}, rs.got)
	assert.Equal(t, "other", sess.DocumentSet())
}

func TestAsk_InitErrorHaltsSession(t *testing.T) {
	comp := &fakeCompleter{answer: "never"}
	svc, rs, store := newTestService(nil, comp, false)
	rs.err = &retriever.InitError{Set: "csg-docs", Err: errors.New("missing LLAMA_CLOUD_API_KEY")}
	sess := session.New("csg-docs")

	_, err := svc.Ask(context.Background(), sess, AskInput{Question: "q"}, nil)

	var initErr *retriever.InitError
	require.ErrorAs(t, err, &initErr)
	assert.NotEmpty(t, sess.Halted())
	assert.Zero(t, sess.Len())
	assert.Nil(t, comp.turns)

	saved, err := store.Get(context.Background(), sess.ID())
	require.NoError(t, err)
	assert.NotEmpty(t, saved.Halted())

	_, err = svc.Ask(context.Background(), sess, AskInput{Question: "again"}, nil)
	assert.ErrorIs(t, err, session.ErrHalted)
}

func TestAsk_UnknownSetDoesNotHalt(t *testing.T) {
	svc, rs, _ := newTestService(nil, &fakeCompleter{}, false)
	rs.err = retriever.ErrUnknownSet
	sess := session.New("csg-docs")

	_, err := svc.Ask(context.Background(), sess, AskInput{Question: "q", DocumentSet: "nope"}, nil)

	assert.ErrorIs(t, err, retriever.ErrUnknownSet)
	assert.Empty(t, sess.Halted())
	assert.Equal(t, "csg-docs", sess.DocumentSet())
}

func TestAsk_EmptyQuestion(t *testing.T) {
	svc, rs, _ := newTestService(&fakeRetriever{}, &fakeCompleter{}, false)
	sess := session.New("csg-docs")

	_, err := svc.Ask(context.Background(), sess, AskInput{Question: "   "}, nil)

	assert.ErrorIs(t, err, ErrEmptyQuestion)
	assert.Empty(t, rs.got)
	assert.Zero(t, sess.Len())
}

// ==== AskOnce ====

func TestAskOnce(t *testing.T) {
	ret := &fakeRetriever{passages: jailPassages}
	comp := &fakeCompleter{answer: "answer"}
	svc, rs, _ := newTestService(ret, comp, true)

	res, err := svc.AskOnce(context.Background(), AskInput{Question: "q", DocumentSet: "csg-docs"})

	require.NoError(t, err)
	assert.Equal(t, "answer", res.Answer)
	assert.Equal(t, []string{"csg-docs"}, rs.got)
	require.Len(t, comp.turns, 2)
	assert.Equal(t, domain.RoleSystem, comp.turns[0].Role)
}

func TestAskOnce_CompletionErrorReturned(t *testing.T) {
	comp := &fakeCompleter{err: errors.New("boom")}
	svc, _, _ := newTestService(&fakeRetriever{}, comp, false)

	_, err := svc.AskOnce(context.Background(), AskInput{Question: "q"})

	assert.EqualError(t, err, "boom")
}
