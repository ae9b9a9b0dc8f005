package checkpoint

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// SequenceNumber identifies a checkpoint. Sequence numbers are dense and
// start at 0; the archive is contiguous over them.
type SequenceNumber = uint64

// Digest is a blake2b-256 digest of a canonically encoded value.
type Digest [32]byte

// ZeroDigest is the previous-digest of the genesis checkpoint.
var ZeroDigest Digest

// String returns the hex form of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalJSON encodes the digest as a hex string.
func (d Digest) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(d[:]))
}

// UnmarshalJSON decodes a hex string digest.
func (d *Digest) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid digest hex: %w", err)
	}
	if len(raw) != len(d) {
		return fmt.Errorf("invalid digest length: %d", len(raw))
	}
	copy(d[:], raw)
	return nil
}

// digestOf hashes the canonical JSON encoding of v.
func digestOf(v interface{}) Digest {
	data, err := json.Marshal(v)
	if err != nil {
		// All digestable types are plain structs; this cannot fail at runtime.
		panic(fmt.Sprintf("canonical encoding failed: %v", err))
	}
	return blake2b.Sum256(data)
}

// Summary is the certified header of a checkpoint. Summaries form a linear
// hash chain through PreviousDigest.
type Summary struct {
	Epoch                    uint64         `json:"epoch"`
	SequenceNumber           SequenceNumber `json:"sequence_number"`
	NetworkTotalTransactions uint64         `json:"network_total_transactions"`
	ContentDigest            Digest         `json:"content_digest"`
	PreviousDigest           Digest         `json:"previous_digest"`
	TimestampMs              uint64         `json:"timestamp_ms"`
}

// Digest returns the digest committed by the successor summary.
func (s Summary) Digest() Digest {
	return digestOf(s)
}

// CertifiedSummary is a summary together with the aggregate authority
// signature over its digest. The signature bytes are opaque to the reader.
type CertifiedSummary struct {
	Summary   `json:"summary"`
	Signature []byte `json:"signature"`
}

// ExecutionDigests pairs a transaction with its effects.
type ExecutionDigests struct {
	Transaction Digest `json:"transaction"`
	Effects     Digest `json:"effects"`
}

// Contents is the transactional payload digested by a summary.
type Contents struct {
	Transactions []ExecutionDigests `json:"transactions"`
}

// Digest returns the content digest the owning summary must carry.
func (c Contents) Digest() Digest {
	return digestOf(c)
}

// VerifiedCheckpoint wraps a certified summary that has passed chain
// verification. Only the verifier and store round-trips construct it.
type VerifiedCheckpoint struct {
	cert CertifiedSummary
}

// NewVerifiedCheckpointUnchecked wraps a certified summary without
// verification. Reserved for stores rehydrating previously verified values.
func NewVerifiedCheckpointUnchecked(cert CertifiedSummary) *VerifiedCheckpoint {
	return &VerifiedCheckpoint{cert: cert}
}

// Certified returns the underlying certified summary.
func (v *VerifiedCheckpoint) Certified() CertifiedSummary {
	return v.cert
}

// SequenceNumber returns the checkpoint's sequence number.
func (v *VerifiedCheckpoint) SequenceNumber() SequenceNumber {
	return v.cert.SequenceNumber
}

// ContentDigest returns the digest the checkpoint contents must match.
func (v *VerifiedCheckpoint) ContentDigest() Digest {
	return v.cert.ContentDigest
}

// Digest returns the summary digest.
func (v *VerifiedCheckpoint) Digest() Digest {
	return v.cert.Summary.Digest()
}

// MarshalJSON encodes the wrapped certified summary.
func (v *VerifiedCheckpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.cert)
}

// UnmarshalJSON decodes a certified summary into the wrapper.
func (v *VerifiedCheckpoint) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &v.cert)
}

// VerifiedContents wraps contents whose digest matched the verified summary.
type VerifiedContents struct {
	contents Contents
}

// NewVerifiedContentsUnchecked wraps contents without verification.
func NewVerifiedContentsUnchecked(contents Contents) VerifiedContents {
	return VerifiedContents{contents: contents}
}

// Inner returns the wrapped contents.
func (v VerifiedContents) Inner() Contents {
	return v.contents
}

// Digest returns the digest of the wrapped contents.
func (v VerifiedContents) Digest() Digest {
	return v.contents.Digest()
}

// MarshalJSON encodes the wrapped contents.
func (v VerifiedContents) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.contents)
}

// UnmarshalJSON decodes contents into the wrapper.
func (v *VerifiedContents) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &v.contents)
}
