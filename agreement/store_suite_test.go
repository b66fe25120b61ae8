package agreement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var suiteEpoch = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestAgreement(owner, receiver string, created time.Time) Agreement {
	a := Agreement{
		ID:   uuid.NewString(),
		Code: fmt.Sprintf("ECOSHARE-TEST-%s", uuid.NewString()[:8]),
		Subject: Subject{
			ItemType: ItemObject,
			ItemID:   "item-" + uuid.NewString()[:6],
			Title:    "Oak bookshelf",
		},
		Participants: [2]Participant{
			{Role: RoleOwner, IdentityID: owner},
			{Role: RoleReceiver, IdentityID: receiver},
		},
		Terms: Terms{
			Clauses:        []Clause{{Title: "Handover", Body: "As seen."}},
			DeliveryMethod: DeliveryPickup,
			ExchangeAt:     created.Add(24 * time.Hour),
			Location:       "Lyon",
			Conditions:     []string{"bring a bag"},
		},
		Metadata:    DefaultMetadata,
		Status:      StatusPendingSignatures,
		Fingerprint: "sha256:" + uuid.NewString(),
		Dates:       Dates{Created: created, Updated: created},
	}
	a.Code = strings.ToUpper(a.Code)
	a.Record(uuid.NewString(), EventCreated, owner, created, "")
	return a
}

func signAs(role Role, at time.Time) Mutation {
	return func(a *Agreement) error {
		idx := 0
		if role == RoleReceiver {
			idx = 1
		}
		p := &a.Participants[idx]
		if p.Signed {
			return ErrAlreadySigned
		}
		signedAt := at
		p.Signed = true
		p.SignedAt = &signedAt
		p.Signature = Signature{Artifact: "Jane Doe", ArtifactDigest: "blake2b:00"}
		a.Record(uuid.NewString(), SignedEventFor(role), p.IdentityID, at, "")
		if a.BothSigned() {
			fully := at
			a.Status = StatusSigned
			a.Dates.FullySigned = &fully
		}
		a.Dates.Updated = at
		return nil
	}
}

// runStoreSuite exercises the Store contract against one implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := newTestAgreement("owner-1", "receiver-1", suiteEpoch)
		expires := suiteEpoch.Add(48 * time.Hour)
		a.Dates.ExpiresAt = &expires

		id, err := s.Create(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, a.ID, id)

		got, err := s.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, a.Code, got.Code)
		assert.Equal(t, a.Subject, got.Subject)
		assert.Equal(t, a.Participants, got.Participants)
		assert.Equal(t, a.Terms.Clauses, got.Terms.Clauses)
		assert.Equal(t, a.Terms.Conditions, got.Terms.Conditions)
		assert.True(t, a.Terms.ExchangeAt.Equal(got.Terms.ExchangeAt))
		assert.True(t, a.Dates.Created.Equal(got.Dates.Created))
		require.NotNil(t, got.Dates.ExpiresAt)
		assert.True(t, expires.Equal(*got.Dates.ExpiresAt))
		assert.Equal(t, a.Fingerprint, got.Fingerprint)
		assert.Equal(t, DefaultMetadata, got.Metadata)
		require.Len(t, got.History, 1)
		assert.Equal(t, EventCreated, got.History[0].Type)

		byCode, err := s.GetByCode(ctx, a.Code)
		require.NoError(t, err)
		assert.Equal(t, a.ID, byCode.ID)
	})

	t.Run("not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetByCode(context.Background(), "ECOSHARE-NOPE-NOPE")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Update(context.Background(), uuid.NewString(), func(*Agreement) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("rejects duplicates and invalid records", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := newTestAgreement("owner-1", "receiver-1", suiteEpoch)
		_, err := s.Create(ctx, a)
		require.NoError(t, err)

		dup := newTestAgreement("owner-1", "receiver-1", suiteEpoch)
		dup.Code = a.Code
		_, err = s.Create(ctx, dup)
		assert.ErrorIs(t, err, ErrDuplicate)

		same := newTestAgreement("owner-1", "owner-1", suiteEpoch)
		_, err = s.Create(ctx, same)
		assert.ErrorIs(t, err, ErrInvalidInput)

		terminal := newTestAgreement("owner-1", "receiver-1", suiteEpoch)
		terminal.Status = StatusCompleted
		_, err = s.Create(ctx, terminal)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("update applies mutation and bumps version", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := newTestAgreement("owner-1", "receiver-1", suiteEpoch)
		_, err := s.Create(ctx, a)
		require.NoError(t, err)

		updated, err := s.Update(ctx, a.ID, signAs(RoleReceiver, suiteEpoch.Add(time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)
		assert.True(t, updated.Receiver().Signed)
		assert.Equal(t, StatusPendingSignatures, updated.Status)

		updated, err = s.Update(ctx, a.ID, signAs(RoleOwner, suiteEpoch.Add(2*time.Minute)))
		require.NoError(t, err)
		assert.Equal(t, StatusSigned, updated.Status)

		got, err := s.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.Version)
		assert.Equal(t, StatusSigned, got.Status)
		require.NotNil(t, got.Dates.FullySigned)
		assert.Len(t, got.History, 3)
	})

	t.Run("mutation errors abort without writing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := newTestAgreement("owner-1", "receiver-1", suiteEpoch)
		_, err := s.Create(ctx, a)
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = s.Update(ctx, a.ID, func(a *Agreement) error {
			a.Status = StatusCancelled
			return boom
		})
		assert.ErrorIs(t, err, boom)

		current, err := s.Update(ctx, a.ID, func(*Agreement) error { return ErrNoChange })
		require.NoError(t, err)
		assert.Equal(t, int64(1), current.Version)
		assert.Equal(t, StatusPendingSignatures, current.Status)
	})

	t.Run("write-once fields and terminal states are enforced", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := newTestAgreement("owner-1", "receiver-1", suiteEpoch)
		_, err := s.Create(ctx, a)
		require.NoError(t, err)

		_, err = s.Update(ctx, a.ID, func(a *Agreement) error {
			a.Terms.Location = "Paris"
			return nil
		})
		assert.ErrorIs(t, err, ErrImmutableField)

		_, err = s.Update(ctx, a.ID, func(a *Agreement) error {
			a.Status = StatusCompleted
			return nil
		})
		assert.ErrorIs(t, err, ErrInvalidState, "completed is only reachable from signed")

		_, err = s.Update(ctx, a.ID, func(a *Agreement) error {
			cancelledAt := suiteEpoch.Add(time.Hour)
			a.Status = StatusCancelled
			a.Dates.CancelledAt = &cancelledAt
			a.CancellationReason = "changed mind"
			return nil
		})
		require.NoError(t, err)

		_, err = s.Update(ctx, a.ID, func(a *Agreement) error {
			a.CancellationReason = "rewritten"
			return nil
		})
		assert.ErrorIs(t, err, ErrInvalidState)

		got, err := s.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "changed mind", got.CancellationReason)
	})

	t.Run("concurrent updates serialise", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := newTestAgreement("owner-1", "receiver-1", suiteEpoch)
		_, err := s.Create(ctx, a)
		require.NoError(t, err)

		var wg sync.WaitGroup
		results := make([]error, 2)
		for i, role := range []Role{RoleOwner, RoleReceiver} {
			wg.Add(1)
			go func(i int, role Role) {
				defer wg.Done()
				_, results[i] = s.Update(ctx, a.ID, signAs(role, suiteEpoch.Add(time.Minute)))
			}(i, role)
		}
		wg.Wait()

		for _, err := range results {
			assert.NoError(t, err)
		}
		got, err := s.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusSigned, got.Status)
		assert.True(t, got.Owner().Signed)
		assert.True(t, got.Receiver().Signed)
		assert.Equal(t, int64(3), got.Version)
	})

	t.Run("list by participant", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			a := newTestAgreement("owner-1", fmt.Sprintf("receiver-%d", i%2), suiteEpoch.Add(time.Duration(i)*time.Minute))
			if i == 4 {
				a.Subject.ItemType = ItemFood
			}
			_, err := s.Create(ctx, a)
			require.NoError(t, err)
		}
		_, err := s.Create(ctx, newTestAgreement("someone", "else", suiteEpoch))
		require.NoError(t, err)

		items, total, err := s.ListByParticipant(ctx, "owner-1", ListFilter{PageSize: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, items, 2)
		assert.True(t, items[0].Dates.Created.After(items[1].Dates.Created), "newest first")

		items, total, err = s.ListByParticipant(ctx, "owner-1", ListFilter{Page: 3, PageSize: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		assert.Len(t, items, 1)

		_, total, err = s.ListByParticipant(ctx, "receiver-1", ListFilter{})
		require.NoError(t, err)
		assert.Equal(t, 2, total)

		items, total, err = s.ListByParticipant(ctx, "owner-1", ListFilter{ItemType: ItemFood})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, items, 1)
		assert.Equal(t, ItemFood, items[0].Subject.ItemType)

		_, total, err = s.ListByParticipant(ctx, "owner-1", ListFilter{Status: StatusSigned})
		require.NoError(t, err)
		assert.Zero(t, total)
	})

	t.Run("list expired", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := suiteEpoch.Add(72 * time.Hour)

		due := newTestAgreement("owner-1", "receiver-1", suiteEpoch)
		past := suiteEpoch.Add(time.Hour)
		due.Dates.ExpiresAt = &past
		_, err := s.Create(ctx, due)
		require.NoError(t, err)

		future := newTestAgreement("owner-1", "receiver-1", suiteEpoch)
		later := now.Add(time.Hour)
		future.Dates.ExpiresAt = &later
		_, err = s.Create(ctx, future)
		require.NoError(t, err)

		_, err = s.Create(ctx, newTestAgreement("owner-1", "receiver-1", suiteEpoch))
		require.NoError(t, err)

		signed := newTestAgreement("owner-2", "receiver-2", suiteEpoch)
		signed.Dates.ExpiresAt = &past
		_, err = s.Create(ctx, signed)
		require.NoError(t, err)
		_, err = s.Update(ctx, signed.ID, signAs(RoleOwner, suiteEpoch.Add(10*time.Minute)))
		require.NoError(t, err)
		got, err := s.Update(ctx, signed.ID, signAs(RoleReceiver, suiteEpoch.Add(20*time.Minute)))
		require.NoError(t, err)
		require.Equal(t, StatusSigned, got.Status)

		expired, err := s.ListExpired(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, due.ID, expired[0].ID)

		_, err = s.Update(ctx, due.ID, func(a *Agreement) error {
			cancelledAt := now
			a.Status = StatusCancelled
			a.Dates.CancelledAt = &cancelledAt
			a.CancellationReason = CancellationReasonExpired
			return nil
		})
		require.NoError(t, err)

		expired, err = s.ListExpired(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, expired)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(context.Background()))
	})
}
