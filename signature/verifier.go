// Package signature accepts a participant's signature onto an agreement.
package signature

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"ecoshare/agreement"
)

// Attempt is one participant's request to sign.
type Attempt struct {
	IdentityID string
	Artifact   string
	IPAddress  string
	UserAgent  string
	At         time.Time
}

// Result describes an accepted signature.
type Result struct {
	Role           agreement.Role
	ArtifactDigest string
	// FullySigned is true when this signature was the second one.
	FullySigned bool
}

// Verifier is stateless; the zero value is ready to use.
type Verifier struct{}

// Accept checks, in order, that the agreement can still be signed, that the
// caller is a participant, that they have not signed already and that the
// artifact is present. The first failing check is returned. On success the
// participant is marked signed in place; status changes are left to the caller.
func (Verifier) Accept(a *agreement.Agreement, at Attempt) (Result, error) {
	if a == nil {
		return Result{}, agreement.ErrNotFound
	}
	if !a.Status.Signable() {
		return Result{}, fmt.Errorf("%w: cannot sign in status %s", agreement.ErrInvalidState, a.Status)
	}
	p, ok := a.Participant(at.IdentityID)
	if !ok {
		return Result{}, agreement.ErrUnauthorizedParticipant
	}
	if p.Signed {
		return Result{}, fmt.Errorf("%w: %s", agreement.ErrAlreadySigned, p.Role)
	}
	if strings.TrimSpace(at.Artifact) == "" {
		return Result{}, fmt.Errorf("%w: signature artifact required", agreement.ErrInvalidInput)
	}

	signedAt := at.At
	digest := Digest(at.Artifact)
	p.Signed = true
	p.SignedAt = &signedAt
	p.Signature = agreement.Signature{
		Artifact:       at.Artifact,
		ArtifactDigest: digest,
		IPAddress:      at.IPAddress,
		UserAgent:      at.UserAgent,
	}

	return Result{Role: p.Role, ArtifactDigest: digest, FullySigned: a.BothSigned()}, nil
}

// Digest is the BLAKE2b-256 of the artifact, hex encoded.
func Digest(artifact string) string {
	sum := blake2b.Sum256([]byte(artifact))
	return "blake2b:" + hex.EncodeToString(sum[:])
}
