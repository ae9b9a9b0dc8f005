package checkpoint

import (
	"errors"
	"fmt"
)

var (
	// ErrVerificationFailed is returned when a candidate summary does not
	// extend the chain held by its predecessor.
	ErrVerificationFailed = errors.New("checkpoint verification failed")

	// ErrDigestMismatch is returned when contents do not hash to the digest
	// committed by their verified summary.
	ErrDigestMismatch = errors.New("checkpoint contents digest mismatch")
)

// Verify checks that candidate extends prev by exactly one sequence number
// and commits prev's digest. On success the candidate is promoted to a
// verified checkpoint.
func Verify(prev *VerifiedCheckpoint, candidate CertifiedSummary) (*VerifiedCheckpoint, error) {
	if candidate.SequenceNumber != prev.SequenceNumber()+1 {
		return nil, fmt.Errorf("%w: candidate %d does not follow %d",
			ErrVerificationFailed, candidate.SequenceNumber, prev.SequenceNumber())
	}
	if candidate.PreviousDigest != prev.Digest() {
		return nil, fmt.Errorf("%w: candidate %d previous digest %s != %s",
			ErrVerificationFailed, candidate.SequenceNumber, candidate.PreviousDigest, prev.Digest())
	}
	return &VerifiedCheckpoint{cert: candidate}, nil
}

// VerifyGenesis promotes the trusted-root checkpoint. Genesis has sequence
// number 0 and the zero previous digest; it has no predecessor to chain to.
func VerifyGenesis(candidate CertifiedSummary) (*VerifiedCheckpoint, error) {
	if candidate.SequenceNumber != 0 {
		return nil, fmt.Errorf("%w: checkpoint %d is not genesis",
			ErrVerificationFailed, candidate.SequenceNumber)
	}
	if candidate.PreviousDigest != ZeroDigest {
		return nil, fmt.Errorf("%w: genesis carries a non-zero previous digest",
			ErrVerificationFailed)
	}
	return &VerifiedCheckpoint{cert: candidate}, nil
}

// VerifyContents checks contents against the digest committed by a verified
// summary and promotes them on success.
func VerifyContents(summary *VerifiedCheckpoint, contents Contents) (VerifiedContents, error) {
	digest := contents.Digest()
	if digest != summary.ContentDigest() {
		return VerifiedContents{}, fmt.Errorf("%w: checkpoint %d contents hash to %s, summary commits %s",
			ErrDigestMismatch, summary.SequenceNumber(), digest, summary.ContentDigest())
	}
	return VerifiedContents{contents: contents}, nil
}
