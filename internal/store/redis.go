package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kenneth/checkpoint-archive/internal/checkpoint"
)

const (
	summaryKeyPrefix  = "checkpoint:summary:"
	contentsKeyPrefix = "checkpoint:contents:"
)

// RedisStore is a checkpoint store backed by redis. Values are the JSON
// encodings of the verified wrappers.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a checkpoint store on an existing redis client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func summaryKey(seq checkpoint.SequenceNumber) string {
	return fmt.Sprintf("%s%d", summaryKeyPrefix, seq)
}

func contentsKey(seq checkpoint.SequenceNumber) string {
	return fmt.Sprintf("%s%d", contentsKeyPrefix, seq)
}

func (s *RedisStore) GetCheckpointBySequenceNumber(ctx context.Context, seq checkpoint.SequenceNumber) (*checkpoint.VerifiedCheckpoint, error) {
	data, err := s.client.Get(ctx, summaryKey(seq)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get summary %d: %v", ErrStore, seq, err)
	}
	cp := &checkpoint.VerifiedCheckpoint{}
	if err := json.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("%w: decode summary %d: %v", ErrStore, seq, err)
	}
	return cp, nil
}

func (s *RedisStore) InsertCheckpoint(ctx context.Context, cp *checkpoint.VerifiedCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("%w: encode summary %d: %v", ErrStore, cp.SequenceNumber(), err)
	}
	// SetNX keeps the first verified value; re-runs over an ingested prefix
	// must not rewrite it.
	if err := s.client.SetNX(ctx, summaryKey(cp.SequenceNumber()), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: insert summary %d: %v", ErrStore, cp.SequenceNumber(), err)
	}
	return nil
}

func (s *RedisStore) InsertCheckpointContents(ctx context.Context, cp *checkpoint.VerifiedCheckpoint, contents checkpoint.VerifiedContents) error {
	data, err := json.Marshal(contents)
	if err != nil {
		return fmt.Errorf("%w: encode contents %d: %v", ErrStore, cp.SequenceNumber(), err)
	}
	if err := s.client.Set(ctx, contentsKey(cp.SequenceNumber()), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: insert contents %d: %v", ErrStore, cp.SequenceNumber(), err)
	}
	return nil
}

func (s *RedisStore) GetCheckpointContents(ctx context.Context, seq checkpoint.SequenceNumber) (*checkpoint.VerifiedContents, error) {
	data, err := s.client.Get(ctx, contentsKey(seq)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get contents %d: %v", ErrStore, seq, err)
	}
	contents := &checkpoint.VerifiedContents{}
	if err := json.Unmarshal(data, contents); err != nil {
		return nil, fmt.Errorf("%w: decode contents %d: %v", ErrStore, seq, err)
	}
	return contents, nil
}
