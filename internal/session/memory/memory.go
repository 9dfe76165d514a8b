package memory

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/cllghn/csg-docs-llm/internal/session"
)

// Store keeps sessions in process memory. Idle sessions expire after ttl.
type Store struct {
	cache *cache.Cache
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{cache: cache.New(ttl, 10*time.Minute)}
}

func (s *Store) Get(_ context.Context, id string) (*session.Session, error) {
	if x, found := s.cache.Get(id); found {
		return x.(*session.Session), nil
	}
	return nil, session.ErrNotFound
}

// Save stores the pointer itself, so later Appends are visible without
// another Save. Saving refreshes the expiry.
func (s *Store) Save(_ context.Context, sess *session.Session) error {
	s.cache.Set(sess.ID(), sess, cache.DefaultExpiration)
	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.cache.Delete(id)
	return nil
}

func (s *Store) Count() int {
	return s.cache.ItemCount()
}
