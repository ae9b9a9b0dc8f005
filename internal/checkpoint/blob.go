package checkpoint

import (
	"encoding/json"
	"fmt"
)

// Encoding is the one-byte codec discriminant carried by each archive frame.
type Encoding uint8

const (
	// EncodingJSON encodes the blob payload as canonical JSON.
	EncodingJSON Encoding = 1
)

// ErrUnknownEncoding is returned for a frame whose encoding byte does not
// name a supported codec.
var ErrUnknownEncoding = fmt.Errorf("unknown blob encoding")

// EncodingFromByte validates a raw encoding discriminant.
func EncodingFromByte(b uint8) (Encoding, error) {
	switch Encoding(b) {
	case EncodingJSON:
		return EncodingJSON, nil
	default:
		return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownEncoding, b)
	}
}

// Blob is one encoding-tagged payload extracted from an archive frame.
type Blob struct {
	Data     []byte
	Encoding Encoding
}

// EncodeBlob serializes v under the given encoding.
func EncodeBlob(v interface{}, enc Encoding) (Blob, error) {
	switch enc {
	case EncodingJSON:
		data, err := json.Marshal(v)
		if err != nil {
			return Blob{}, fmt.Errorf("encode blob: %w", err)
		}
		return Blob{Data: data, Encoding: enc}, nil
	default:
		return Blob{}, fmt.Errorf("%w: 0x%02x", ErrUnknownEncoding, uint8(enc))
	}
}

func (b Blob) decode(v interface{}) error {
	switch b.Encoding {
	case EncodingJSON:
		if err := json.Unmarshal(b.Data, v); err != nil {
			return fmt.Errorf("decode blob: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownEncoding, uint8(b.Encoding))
	}
}

// DecodeSummary decodes the blob as a certified checkpoint summary.
func (b Blob) DecodeSummary() (CertifiedSummary, error) {
	var cert CertifiedSummary
	err := b.decode(&cert)
	return cert, err
}

// DecodeContents decodes the blob as checkpoint contents.
func (b Blob) DecodeContents() (Contents, error) {
	var contents Contents
	err := b.decode(&contents)
	return contents, err
}
