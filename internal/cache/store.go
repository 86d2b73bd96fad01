package cache

import (
	"context"
	"sync"

	"trade-sync/internal/interfaces"
	"trade-sync/internal/logger"
	"trade-sync/internal/types"
)

// readState tracks in-flight listings for one user. A listing is only cached
// if no invalidation bumped gen while it was being read.
type readState struct {
	gen     uint64
	readers int
}

// Store serves ListTrades from the cache and drops a user's entry whenever one
// of their trades is written, recomputed or annotated.
type Store struct {
	interfaces.JournalStore
	cache *TradeCache

	mu    sync.Mutex
	reads map[string]*readState
}

var _ interfaces.JournalStore = (*Store)(nil)

func NewStore(inner interfaces.JournalStore, c *TradeCache) *Store {
	return &Store{JournalStore: inner, cache: c, reads: make(map[string]*readState)}
}

func (s *Store) ListTrades(ctx context.Context, userID string) ([]types.StoredTrade, error) {
	if trades, ok := s.cache.Trades(userID); ok {
		logger.Debug(ctx, "Trade list served from cache", "user_id", userID)
		return trades, nil
	}

	gen := s.beginRead(userID)
	trades, err := s.JournalStore.ListTrades(ctx, userID)
	if err != nil {
		s.endRead(userID, gen, nil, false)
		return nil, err
	}
	ids := make([]int64, 0, len(trades))
	for _, t := range trades {
		ids = append(ids, t.ID)
	}
	s.cache.SetOwners(userID, ids...)
	if !s.endRead(userID, gen, trades, true) {
		logger.Debug(ctx, "Trade list changed while reading, not cached", "user_id", userID)
	}
	return trades, nil
}

func (s *Store) beginRead(userID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.reads[userID]
	if !ok {
		st = &readState{}
		s.reads[userID] = st
	}
	st.readers++
	return st.gen
}

// endRead releases the read and, with store set, caches trades when gen is
// still current. It reports whether trades were cached.
func (s *Store) endRead(userID string, gen uint64, trades []types.StoredTrade, store bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.reads[userID]
	st.readers--
	if st.readers == 0 {
		delete(s.reads, userID)
	}
	if !store || st.gen != gen {
		return false
	}
	s.cache.SetTrades(userID, trades)
	return true
}

func (s *Store) invalidate(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.reads[userID]; ok {
		st.gen++
	}
	s.cache.Drop(userID)
}

func (s *Store) invalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.reads {
		st.gen++
	}
	s.cache.DropAll()
}

func (s *Store) UpsertTrades(ctx context.Context, userID string, trades []types.NormalizedTrade) ([]types.UpsertOutcome, error) {
	out, err := s.JournalStore.UpsertTrades(ctx, userID, trades)
	s.invalidate(userID)
	ids := make([]int64, 0, len(out))
	for _, o := range out {
		ids = append(ids, o.TradeID)
	}
	s.cache.SetOwners(userID, ids...)
	return out, err
}

// ComputeMetrics drops every listing when the trade's owner is no longer
// indexed.
func (s *Store) ComputeMetrics(ctx context.Context, tradeID int64) error {
	err := s.JournalStore.ComputeMetrics(ctx, tradeID)
	if userID, ok := s.cache.Owner(tradeID); ok {
		s.invalidate(userID)
	} else {
		s.invalidateAll()
	}
	return err
}

func (s *Store) AddTag(ctx context.Context, userID string, tradeID int64, tag string) error {
	defer s.invalidate(userID)
	return s.JournalStore.AddTag(ctx, userID, tradeID, tag)
}

func (s *Store) AddNote(ctx context.Context, userID string, tradeID int64, body string) error {
	defer s.invalidate(userID)
	return s.JournalStore.AddNote(ctx, userID, tradeID, body)
}

func (s *Store) Close() error {
	s.cache.Close()
	return s.JournalStore.Close()
}
