package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/checkpoint-archive/internal/checkpoint"
)

func verifiedFixture(t *testing.T, seq uint64) (*checkpoint.VerifiedCheckpoint, checkpoint.VerifiedContents) {
	t.Helper()
	contents := checkpoint.Contents{
		Transactions: []checkpoint.ExecutionDigests{{}},
	}
	cert := checkpoint.CertifiedSummary{
		Summary: checkpoint.Summary{
			SequenceNumber: seq,
			ContentDigest:  contents.Digest(),
		},
		Signature: []byte{0x01},
	}
	return checkpoint.NewVerifiedCheckpointUnchecked(cert), checkpoint.NewVerifiedContentsUnchecked(contents)
}

func testStoreSemantics(t *testing.T, s Store) {
	ctx := context.Background()

	got, err := s.GetCheckpointBySequenceNumber(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, got)

	cp, contents := verifiedFixture(t, 0)
	require.NoError(t, s.InsertCheckpoint(ctx, cp))
	require.NoError(t, s.InsertCheckpointContents(ctx, cp, contents))

	got, err = s.GetCheckpointBySequenceNumber(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cp.Digest(), got.Digest())

	gotContents, err := s.GetCheckpointContents(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, gotContents)
	assert.Equal(t, contents.Digest(), gotContents.Digest())

	// Re-insert is a no-op, not an error.
	require.NoError(t, s.InsertCheckpoint(ctx, cp))
	require.NoError(t, s.InsertCheckpointContents(ctx, cp, contents))
}

func TestMemoryStoreSemantics(t *testing.T) {
	testStoreSemantics(t, NewMemoryStore())
}

func TestRedisStoreSemantics(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	testStoreSemantics(t, NewRedisStore(client))
}

func TestRedisStoreKeepsFirstSummary(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	s := NewRedisStore(client)

	cp, _ := verifiedFixture(t, 3)
	require.NoError(t, s.InsertCheckpoint(ctx, cp))

	other, _ := verifiedFixture(t, 3)
	otherCert := other.Certified()
	otherCert.TimestampMs = 99
	require.NoError(t, s.InsertCheckpoint(ctx, checkpoint.NewVerifiedCheckpointUnchecked(otherCert)))

	got, err := s.GetCheckpointBySequenceNumber(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, cp.Digest(), got.Digest())
}

func TestMemoryStoreHighest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, found := s.HighestSequenceNumber()
	assert.False(t, found)

	for _, seq := range []uint64{0, 2, 1} {
		cp, _ := verifiedFixture(t, seq)
		require.NoError(t, s.InsertCheckpoint(ctx, cp))
	}

	highest, found := s.HighestSequenceNumber()
	assert.True(t, found)
	assert.Equal(t, uint64(2), highest)
	assert.Equal(t, 3, s.SummaryCount())
}
