package agreement

import (
	"encoding/json"
	"fmt"
	"time"
)

// The document* types are the persisted JSON layout of an agreement. Keys are
// part of the on-disk format and are queried directly by SQL oracles.

type documentSubject struct {
	ItemType    ItemType `json:"itemType"`
	ItemID      string   `json:"itemId"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Condition   string   `json:"condition,omitempty"`
}

type documentSignature struct {
	Artifact       string `json:"artifact,omitempty"`
	ArtifactDigest string `json:"artifactDigest,omitempty"`
	IPAddress      string `json:"ipAddress,omitempty"`
	UserAgent      string `json:"userAgent,omitempty"`
}

type documentParticipant struct {
	Role       Role              `json:"role"`
	IdentityID string            `json:"identityId"`
	Signed     bool              `json:"signed"`
	SignedAt   *time.Time        `json:"signedAt"`
	Signature  documentSignature `json:"signature"`
}

type documentClause struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type documentTerms struct {
	Clauses        []documentClause `json:"clauses"`
	DeliveryMethod DeliveryMethod   `json:"deliveryMethod"`
	ExchangeAt     time.Time        `json:"exchangeAt"`
	Location       string           `json:"location"`
	Conditions     []string         `json:"conditions"`
	Notes          string           `json:"notes,omitempty"`
}

type documentMetadata struct {
	ContractVersion string `json:"contractVersion"`
	LegalBasis      string `json:"legalBasis"`
	Jurisdiction    string `json:"jurisdiction"`
}

type documentDates struct {
	Created     time.Time  `json:"created"`
	Updated     time.Time  `json:"updated"`
	ExpiresAt   *time.Time `json:"expiresAt"`
	FullySigned *time.Time `json:"fullySigned"`
	CompletedAt *time.Time `json:"completedAt"`
	CancelledAt *time.Time `json:"cancelledAt"`
}

type documentEvent struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	ActorID string    `json:"actorId,omitempty"`
	At      time.Time `json:"at"`
	Detail  string    `json:"detail,omitempty"`
}

type document struct {
	ID                 string                 `json:"id"`
	Code               string                 `json:"code"`
	Subject            documentSubject        `json:"subject"`
	Participants       [2]documentParticipant `json:"participants"`
	Terms              documentTerms          `json:"terms"`
	Metadata           documentMetadata       `json:"metadata"`
	Status             Status                 `json:"status"`
	Fingerprint        string                 `json:"fingerprint"`
	Dates              documentDates          `json:"dates"`
	CancellationReason string                 `json:"cancellationReason,omitempty"`
	History            []documentEvent        `json:"history"`
}

func encodeDocument(a Agreement) ([]byte, error) {
	doc := document{
		ID:   a.ID,
		Code: a.Code,
		Subject: documentSubject{
			ItemType:    a.Subject.ItemType,
			ItemID:      a.Subject.ItemID,
			Title:       a.Subject.Title,
			Description: a.Subject.Description,
			Category:    a.Subject.Category,
			Condition:   a.Subject.Condition,
		},
		Terms: documentTerms{
			Clauses:        make([]documentClause, 0, len(a.Terms.Clauses)),
			DeliveryMethod: a.Terms.DeliveryMethod,
			ExchangeAt:     a.Terms.ExchangeAt.UTC(),
			Location:       a.Terms.Location,
			Conditions:     append([]string{}, a.Terms.Conditions...),
			Notes:          a.Terms.Notes,
		},
		Metadata:    documentMetadata(a.Metadata),
		Status:      a.Status,
		Fingerprint: a.Fingerprint,
		Dates: documentDates{
			Created:     a.Dates.Created.UTC(),
			Updated:     a.Dates.Updated.UTC(),
			ExpiresAt:   utcPtr(a.Dates.ExpiresAt),
			FullySigned: utcPtr(a.Dates.FullySigned),
			CompletedAt: utcPtr(a.Dates.CompletedAt),
			CancelledAt: utcPtr(a.Dates.CancelledAt),
		},
		CancellationReason: a.CancellationReason,
		History:            make([]documentEvent, 0, len(a.History)),
	}
	for i, p := range a.Participants {
		doc.Participants[i] = documentParticipant{
			Role:       p.Role,
			IdentityID: p.IdentityID,
			Signed:     p.Signed,
			SignedAt:   utcPtr(p.SignedAt),
			Signature:  documentSignature(p.Signature),
		}
	}
	for _, c := range a.Terms.Clauses {
		doc.Terms.Clauses = append(doc.Terms.Clauses, documentClause(c))
	}
	for _, e := range a.History {
		doc.History = append(doc.History, documentEvent{ID: e.ID, Type: e.Type, ActorID: e.ActorID, At: e.At.UTC(), Detail: e.Detail})
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("agreement: encode document: %w", err)
	}
	return b, nil
}

func decodeDocument(raw []byte, version int64) (Agreement, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Agreement{}, fmt.Errorf("agreement: decode document: %w", err)
	}

	a := Agreement{
		ID:   doc.ID,
		Code: doc.Code,
		Subject: Subject{
			ItemType:    doc.Subject.ItemType,
			ItemID:      doc.Subject.ItemID,
			Title:       doc.Subject.Title,
			Description: doc.Subject.Description,
			Category:    doc.Subject.Category,
			Condition:   doc.Subject.Condition,
		},
		Terms: Terms{
			DeliveryMethod: doc.Terms.DeliveryMethod,
			ExchangeAt:     doc.Terms.ExchangeAt,
			Location:       doc.Terms.Location,
			Conditions:     doc.Terms.Conditions,
			Notes:          doc.Terms.Notes,
		},
		Metadata:    Metadata(doc.Metadata),
		Status:      doc.Status,
		Fingerprint: doc.Fingerprint,
		Dates: Dates{
			Created:     doc.Dates.Created,
			Updated:     doc.Dates.Updated,
			ExpiresAt:   doc.Dates.ExpiresAt,
			FullySigned: doc.Dates.FullySigned,
			CompletedAt: doc.Dates.CompletedAt,
			CancelledAt: doc.Dates.CancelledAt,
		},
		CancellationReason: doc.CancellationReason,
		Version:            version,
	}
	for i, p := range doc.Participants {
		a.Participants[i] = Participant{
			Role:       p.Role,
			IdentityID: p.IdentityID,
			Signed:     p.Signed,
			SignedAt:   p.SignedAt,
			Signature:  Signature(p.Signature),
		}
	}
	for _, c := range doc.Terms.Clauses {
		a.Terms.Clauses = append(a.Terms.Clauses, Clause(c))
	}
	for _, e := range doc.History {
		a.History = append(a.History, Event{ID: e.ID, Type: e.Type, ActorID: e.ActorID, At: e.At, Detail: e.Detail})
	}
	return a, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
