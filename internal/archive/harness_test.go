package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/checkpoint-archive/internal/checkpoint"
	"github.com/kenneth/checkpoint-archive/internal/objectstore"
)

// buildChain produces n certified summaries in a valid hash chain together
// with contents whose digests the summaries commit.
func buildChain(t *testing.T, n int) ([]checkpoint.CertifiedSummary, []checkpoint.Contents) {
	t.Helper()

	summaries := make([]checkpoint.CertifiedSummary, 0, n)
	contents := make([]checkpoint.Contents, 0, n)
	prev := checkpoint.ZeroDigest
	for i := 0; i < n; i++ {
		var tx checkpoint.Digest
		tx[0] = byte(i)
		c := checkpoint.Contents{
			Transactions: []checkpoint.ExecutionDigests{{Transaction: tx}},
		}
		s := checkpoint.CertifiedSummary{
			Summary: checkpoint.Summary{
				SequenceNumber: uint64(i),
				ContentDigest:  c.Digest(),
				PreviousDigest: prev,
				TimestampMs:    1700000000000 + uint64(i),
			},
			Signature: []byte{0xc0, byte(i)},
		}
		prev = s.Summary.Digest()
		summaries = append(summaries, s)
		contents = append(contents, c)
	}
	return summaries, contents
}

// encodeFrames assembles a checkpoint file body: magic then one frame per
// blob, optionally compressed.
func encodeFrames(t *testing.T, magic uint32, comp Compression, blobs []checkpoint.Blob) []byte {
	t.Helper()

	var body bytes.Buffer
	require.NoError(t, binary.Write(&body, binary.BigEndian, magic))
	for _, blob := range blobs {
		body.Write(binary.AppendUvarint(nil, uint64(len(blob.Data))))
		body.WriteByte(byte(blob.Encoding))
		body.Write(blob.Data)
	}

	switch comp {
	case CompressionNone, "":
		return body.Bytes()
	case CompressionZstd:
		var out bytes.Buffer
		enc, err := zstd.NewWriter(&out)
		require.NoError(t, err)
		_, err = enc.Write(body.Bytes())
		require.NoError(t, err)
		require.NoError(t, enc.Close())
		return out.Bytes()
	default:
		t.Fatalf("unknown compression %q", comp)
		return nil
	}
}

func encodeSummaryFile(t *testing.T, comp Compression, summaries []checkpoint.CertifiedSummary) []byte {
	t.Helper()
	blobs := make([]checkpoint.Blob, len(summaries))
	for i, s := range summaries {
		blob, err := checkpoint.EncodeBlob(s, checkpoint.EncodingJSON)
		require.NoError(t, err)
		blobs[i] = blob
	}
	return encodeFrames(t, SummaryFileMagic, comp, blobs)
}

func encodeContentsFile(t *testing.T, comp Compression, contents []checkpoint.Contents) []byte {
	t.Helper()
	blobs := make([]checkpoint.Blob, len(contents))
	for i, c := range contents {
		blob, err := checkpoint.EncodeBlob(c, checkpoint.EncodingJSON)
		require.NoError(t, err)
		blobs[i] = blob
	}
	return encodeFrames(t, ContentsFileMagic, comp, blobs)
}

// writeArchive uploads file pairs for the given ranges plus the manifest, and
// returns the full chain for assertions. Each range gets its own epoch.
func writeArchive(t *testing.T, remote *objectstore.MemoryStore, comp Compression, ranges []SequenceRange) ([]checkpoint.CertifiedSummary, []checkpoint.Contents) {
	t.Helper()
	ctx := context.Background()

	total := ranges[len(ranges)-1].End
	summaries, contents := buildChain(t, int(total))

	m := NewManifest(total, uint64(len(ranges)))
	for i, rng := range ranges {
		sumMeta := FileMetadata{
			FileType:    FileTypeSummary,
			EpochNum:    uint64(i),
			Compression: comp,
			Range:       rng,
		}
		chkMeta := FileMetadata{
			FileType:    FileTypeContents,
			EpochNum:    uint64(i),
			Compression: comp,
			Range:       rng,
		}
		require.NoError(t, remote.Put(ctx, sumMeta.Key(), encodeSummaryFile(t, comp, summaries[rng.Start:rng.End])))
		require.NoError(t, remote.Put(ctx, chkMeta.Key(), encodeContentsFile(t, comp, contents[rng.Start:rng.End])))
		m.Files = append(m.Files, sumMeta, chkMeta)
	}
	require.NoError(t, WriteManifest(ctx, remote, m))

	return summaries, contents
}

// quietLogger drops log output so failed-refresh warnings from deliberately
// empty archives do not pollute test output.
func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fastBackoff keeps retry delays test-sized.
func fastBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 5 * time.Millisecond
	b.MaxElapsedTime = 250 * time.Millisecond
	return b
}

// newTestReader builds a reader whose sync loop stays out of the way; tests
// drive RefreshManifest explicitly.
func newTestReader(t *testing.T, remote, local objectstore.Store, concurrency int) *Reader {
	t.Helper()
	r, err := NewWithStores(remote, local, concurrency, time.Hour, Options{
		Logger:       quietLogger(),
		FetchBackoff: fastBackoff,
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}
