package archive

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/kenneth/checkpoint-archive/internal/checkpoint"
)

// Magic constants at the head of each checkpoint file, big-endian. The magic
// sits inside the compressed region, so it is read post-decompression.
const (
	// SummaryFileMagic is "CSUM".
	SummaryFileMagic uint32 = 0x4353554d
	// ContentsFileMagic is "CCHK".
	ContentsFileMagic uint32 = 0x4343484b
)

// newDecompressor wraps r in the codec declared by c. The returned release
// function frees decoder state and must be called when the stream is done.
func newDecompressor(c Compression, r io.Reader) (io.Reader, func(), error) {
	switch c {
	case CompressionNone, "":
		return r, func() {}, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		return dec, dec.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown file compression %q", c)
	}
}

// frameReader streams length-prefixed, encoding-tagged blobs out of a
// decompressed checkpoint file. It is single-pass and non-restartable.
type frameReader struct {
	r       *bufio.Reader
	release func()
}

// newFrameReader decompresses the file body per its metadata and checks the
// magic for the expected file type.
func newFrameReader(meta FileMetadata, data []byte, expectMagic uint32) (*frameReader, error) {
	raw, release, err := newDecompressor(meta.Compression, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(raw)
	var magic uint32
	if err := binary.Read(br, binary.BigEndian, &magic); err != nil {
		release()
		return nil, fmt.Errorf("%w: file %s too short for magic", ErrMalformed, meta.Key())
	}
	if magic != expectMagic {
		release()
		return nil, fmt.Errorf("%w: file %s has magic 0x%08x, want 0x%08x",
			ErrBadMagic, meta.Key(), magic, expectMagic)
	}

	return &frameReader{r: br, release: release}, nil
}

// next reads one frame. io.EOF signals a clean end of the stream; truncation
// inside a frame is ErrMalformed.
func (f *frameReader) next() (checkpoint.Blob, error) {
	length, err := binary.ReadUvarint(f.r)
	if err == io.EOF {
		return checkpoint.Blob{}, io.EOF
	}
	if err != nil {
		return checkpoint.Blob{}, fmt.Errorf("%w: bad frame length: %v", ErrMalformed, err)
	}
	if length == 0 {
		return checkpoint.Blob{}, fmt.Errorf("%w: zero-length frame", ErrMalformed)
	}

	encByte, err := f.r.ReadByte()
	if err != nil {
		return checkpoint.Blob{}, fmt.Errorf("%w: truncated before encoding byte", ErrMalformed)
	}
	enc, err := checkpoint.EncodingFromByte(encByte)
	if err != nil {
		return checkpoint.Blob{}, err
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(f.r, data); err != nil {
		return checkpoint.Blob{}, fmt.Errorf("%w: truncated frame body: %v", ErrMalformed, err)
	}

	return checkpoint.Blob{Data: data, Encoding: enc}, nil
}

// Close releases decoder state. Safe to call after the stream is drained.
func (f *frameReader) Close() {
	f.release()
}

// SummaryIterator streams certified summaries out of a summary file.
type SummaryIterator struct {
	fr *frameReader
}

// NewSummaryIterator opens a summary file held in memory.
func NewSummaryIterator(meta FileMetadata, data []byte) (*SummaryIterator, error) {
	fr, err := newFrameReader(meta, data, SummaryFileMagic)
	if err != nil {
		return nil, err
	}
	return &SummaryIterator{fr: fr}, nil
}

// Next returns the next summary, or io.EOF at the end of the file.
func (it *SummaryIterator) Next() (checkpoint.CertifiedSummary, error) {
	blob, err := it.fr.next()
	if err != nil {
		return checkpoint.CertifiedSummary{}, err
	}
	return blob.DecodeSummary()
}

// Close releases decoder state.
func (it *SummaryIterator) Close() {
	it.fr.Close()
}

// ContentsIterator streams checkpoint contents out of a contents file.
type ContentsIterator struct {
	fr *frameReader
}

// NewContentsIterator opens a contents file held in memory.
func NewContentsIterator(meta FileMetadata, data []byte) (*ContentsIterator, error) {
	fr, err := newFrameReader(meta, data, ContentsFileMagic)
	if err != nil {
		return nil, err
	}
	return &ContentsIterator{fr: fr}, nil
}

// Next returns the next contents, or io.EOF at the end of the file.
func (it *ContentsIterator) Next() (checkpoint.Contents, error) {
	blob, err := it.fr.next()
	if err != nil {
		return checkpoint.Contents{}, err
	}
	return blob.DecodeContents()
}

// Close releases decoder state.
func (it *ContentsIterator) Close() {
	it.fr.Close()
}
