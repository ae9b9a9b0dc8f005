package store

import (
	"context"
	"sync"

	"github.com/kenneth/checkpoint-archive/internal/checkpoint"
)

// MemoryStore is a mutex-guarded in-memory checkpoint store.
type MemoryStore struct {
	mu        sync.RWMutex
	summaries map[checkpoint.SequenceNumber]*checkpoint.VerifiedCheckpoint
	contents  map[checkpoint.SequenceNumber]checkpoint.VerifiedContents
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		summaries: make(map[checkpoint.SequenceNumber]*checkpoint.VerifiedCheckpoint),
		contents:  make(map[checkpoint.SequenceNumber]checkpoint.VerifiedContents),
	}
}

func (s *MemoryStore) GetCheckpointBySequenceNumber(ctx context.Context, seq checkpoint.SequenceNumber) (*checkpoint.VerifiedCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summaries[seq], nil
}

func (s *MemoryStore) InsertCheckpoint(ctx context.Context, cp *checkpoint.VerifiedCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.summaries[cp.SequenceNumber()]; ok {
		return nil
	}
	s.summaries[cp.SequenceNumber()] = cp
	return nil
}

func (s *MemoryStore) InsertCheckpointContents(ctx context.Context, cp *checkpoint.VerifiedCheckpoint, contents checkpoint.VerifiedContents) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contents[cp.SequenceNumber()] = contents
	return nil
}

func (s *MemoryStore) GetCheckpointContents(ctx context.Context, seq checkpoint.SequenceNumber) (*checkpoint.VerifiedContents, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	contents, ok := s.contents[seq]
	if !ok {
		return nil, nil
	}
	return &contents, nil
}

// HighestSequenceNumber reports the highest stored summary, for tests.
func (s *MemoryStore) HighestSequenceNumber() (checkpoint.SequenceNumber, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var highest checkpoint.SequenceNumber
	found := false
	for seq := range s.summaries {
		if !found || seq > highest {
			highest = seq
			found = true
		}
	}
	return highest, found
}

// SummaryCount reports the number of stored summaries, for tests.
func (s *MemoryStore) SummaryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.summaries)
}
