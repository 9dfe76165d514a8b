// Package session holds per-user conversation state and the stores that keep
// it between requests.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cllghn/csg-docs-llm/internal/domain"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrHalted   = errors.New("session halted")
)

// Store persists sessions by id.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
}

// Session is an append-only list of user and assistant turns. The system
// instruction is never stored here.
type Session struct {
	mu          sync.Mutex
	id          string
	documentSet string
	turns       []domain.Turn
	halted      string
	createdAt   time.Time
	updatedAt   time.Time
}

// New starts an empty session bound to a document set.
func New(documentSet string) *Session {
	now := time.Now().UTC()
	return &Session{
		id:          uuid.NewString(),
		documentSet: documentSet,
		createdAt:   now,
		updatedAt:   now,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) DocumentSet() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentSet
}

// SetDocumentSet rebinds the session. History is kept.
func (s *Session) SetDocumentSet(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documentSet = name
	s.updatedAt = time.Now().UTC()
}

// Append adds a turn at the end of the conversation.
func (s *Session) Append(turn domain.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn)
	s.updatedAt = time.Now().UTC()
}

// Snapshot returns a copy of the turns in order.
func (s *Session) Snapshot() []domain.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Halt stops further questions on this session. The reason is reported back
// to the user on every later attempt.
func (s *Session) Halt(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halted = reason
	s.updatedAt = time.Now().UTC()
}

// Halted returns the halt reason, or "" while the session is usable.
func (s *Session) Halted() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

type record struct {
	ID          string        `json:"id"`
	DocumentSet string        `json:"document_set"`
	Turns       []domain.Turn `json:"turns"`
	Halted      string        `json:"halted,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func (s *Session) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(record{
		ID:          s.id,
		DocumentSet: s.documentSet,
		Turns:       s.turns,
		Halted:      s.halted,
		CreatedAt:   s.createdAt,
		UpdatedAt:   s.updatedAt,
	})
}

func (s *Session) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = r.ID
	s.documentSet = r.DocumentSet
	s.turns = r.Turns
	s.halted = r.Halted
	s.createdAt = r.CreatedAt
	s.updatedAt = r.UpdatedAt
	return nil
}
