package signature

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecoshare/agreement"
)

func pending() *agreement.Agreement {
	return &agreement.Agreement{
		ID: "a-1",
		Participants: [2]agreement.Participant{
			{Role: agreement.RoleOwner, IdentityID: "owner"},
			{Role: agreement.RoleReceiver, IdentityID: "receiver"},
		},
		Status: agreement.StatusPendingSignatures,
	}
}

func attempt(identity string) Attempt {
	return Attempt{
		IdentityID: identity,
		Artifact:   "Jane Doe",
		IPAddress:  "198.51.100.4",
		UserAgent:  "Mozilla/5.0",
		At:         time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC),
	}
}

func TestAcceptRecordsSignature(t *testing.T) {
	a := pending()
	res, err := Verifier{}.Accept(a, attempt("receiver"))
	require.NoError(t, err)

	assert.Equal(t, agreement.RoleReceiver, res.Role)
	assert.False(t, res.FullySigned)
	assert.True(t, strings.HasPrefix(res.ArtifactDigest, "blake2b:"))

	p := a.Receiver()
	assert.True(t, p.Signed)
	require.NotNil(t, p.SignedAt)
	assert.Equal(t, "Jane Doe", p.Signature.Artifact)
	assert.Equal(t, "198.51.100.4", p.Signature.IPAddress)
	assert.Equal(t, "Mozilla/5.0", p.Signature.UserAgent)
	assert.Equal(t, agreement.StatusPendingSignatures, a.Status, "status is left to the caller")

	res, err = Verifier{}.Accept(a, attempt("owner"))
	require.NoError(t, err)
	assert.True(t, res.FullySigned)
}

func TestAcceptCheckOrder(t *testing.T) {
	t.Run("nil agreement", func(t *testing.T) {
		_, err := Verifier{}.Accept(nil, attempt("owner"))
		assert.ErrorIs(t, err, agreement.ErrNotFound)
	})

	t.Run("state before identity", func(t *testing.T) {
		a := pending()
		a.Status = agreement.StatusCompleted
		_, err := Verifier{}.Accept(a, attempt("stranger"))
		assert.ErrorIs(t, err, agreement.ErrInvalidState)
	})

	t.Run("non participant", func(t *testing.T) {
		_, err := Verifier{}.Accept(pending(), attempt("stranger"))
		assert.ErrorIs(t, err, agreement.ErrUnauthorizedParticipant)
	})

	t.Run("already signed before artifact", func(t *testing.T) {
		a := pending()
		_, err := Verifier{}.Accept(a, attempt("owner"))
		require.NoError(t, err)
		before := *a.Owner()

		blank := attempt("owner")
		blank.Artifact = ""
		_, err = Verifier{}.Accept(a, blank)
		assert.ErrorIs(t, err, agreement.ErrAlreadySigned)
		assert.Equal(t, before, *a.Owner())
	})

	t.Run("blank artifact", func(t *testing.T) {
		blank := attempt("owner")
		blank.Artifact = "   "
		a := pending()
		_, err := Verifier{}.Accept(a, blank)
		assert.ErrorIs(t, err, agreement.ErrInvalidInput)
		assert.False(t, a.Owner().Signed)
	})
}

func TestDigestIsStable(t *testing.T) {
	assert.Equal(t, Digest("Jane Doe"), Digest("Jane Doe"))
	assert.NotEqual(t, Digest("Jane Doe"), Digest("John Doe"))
	assert.Len(t, Digest("x"), len("blake2b:")+64)
}
