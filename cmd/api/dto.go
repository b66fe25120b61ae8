package main

import (
	"time"

	"ecoshare/agreement"
	"ecoshare/lifecycle"
)

type clausePayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type subjectPayload struct {
	ItemType    string `json:"itemType"`
	ItemID      string `json:"itemId"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	Condition   string `json:"condition,omitempty"`
}

type termsPayload struct {
	Clauses        []clausePayload `json:"clauses,omitempty"`
	DeliveryMethod string          `json:"deliveryMethod"`
	ExchangeDate   time.Time       `json:"exchangeDate"`
	Location       string          `json:"location"`
	Conditions     []string        `json:"conditions,omitempty"`
	Notes          string          `json:"notes,omitempty"`
}

type createAgreementRequest struct {
	Subject    subjectPayload `json:"subject"`
	ReceiverID string         `json:"receiverId"`
	Terms      termsPayload   `json:"terms"`
	ExpiresAt  *time.Time     `json:"expiresAt,omitempty"`
	Draft      bool           `json:"draft,omitempty"`
}

func (req createAgreementRequest) params(ownerID string) lifecycle.CreateParams {
	clauses := make([]agreement.Clause, 0, len(req.Terms.Clauses))
	for _, c := range req.Terms.Clauses {
		clauses = append(clauses, agreement.Clause{Title: c.Title, Body: c.Body})
	}
	return lifecycle.CreateParams{
		OwnerID:    ownerID,
		ReceiverID: req.ReceiverID,
		Subject: agreement.Subject{
			ItemType:    agreement.ItemType(req.Subject.ItemType),
			ItemID:      req.Subject.ItemID,
			Title:       req.Subject.Title,
			Description: req.Subject.Description,
			Category:    req.Subject.Category,
			Condition:   req.Subject.Condition,
		},
		Terms: agreement.Terms{
			Clauses:        clauses,
			DeliveryMethod: agreement.DeliveryMethod(req.Terms.DeliveryMethod),
			ExchangeAt:     req.Terms.ExchangeDate,
			Location:       req.Terms.Location,
			Conditions:     req.Terms.Conditions,
			Notes:          req.Terms.Notes,
		},
		ExpiresAt: req.ExpiresAt,
		Draft:     req.Draft,
	}
}

type signRequest struct {
	Signature string `json:"signature"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type participantResponse struct {
	Role       string  `json:"role"`
	IdentityID string  `json:"identityId"`
	Signed     bool    `json:"signed"`
	SignedAt   *string `json:"signedAt"`
	Signature  string  `json:"signatureArtifact,omitempty"`
}

type datesResponse struct {
	Created     string  `json:"created"`
	Updated     string  `json:"updated"`
	ExpiresAt   *string `json:"expiresAt"`
	FullySigned *string `json:"fullySigned"`
	CompletedAt *string `json:"completedAt"`
	CancelledAt *string `json:"cancelledAt"`
}

type eventResponse struct {
	Type    string `json:"type"`
	ActorID string `json:"actorId,omitempty"`
	At      string `json:"at"`
	Detail  string `json:"detail,omitempty"`
}

type agreementResponse struct {
	ID                   string                `json:"id"`
	Code                 string                `json:"contractId"`
	Status               string                `json:"status"`
	Subject              subjectPayload        `json:"subject"`
	Participants         []participantResponse `json:"participants"`
	OwnerSigned          bool                  `json:"ownerSigned"`
	ReceiverSigned       bool                  `json:"receiverSigned"`
	FullySigned          bool                  `json:"fullySigned"`
	Terms                termsPayload          `json:"terms"`
	ContractVersion      string                `json:"contractVersion"`
	LegalBasis           string                `json:"legalBasis"`
	Jurisdiction         string                `json:"jurisdiction"`
	IntegrityFingerprint string                `json:"integrityFingerprint"`
	Dates                datesResponse         `json:"dates"`
	CancellationReason   string                `json:"cancellationReason,omitempty"`
	History              []eventResponse       `json:"history,omitempty"`
}

type fingerprintResponse struct {
	ID          string `json:"id"`
	Fingerprint string `json:"integrityFingerprint"`
}

func newAgreementResponse(a agreement.Agreement) agreementResponse {
	clauses := make([]clausePayload, 0, len(a.Terms.Clauses))
	for _, c := range a.Terms.Clauses {
		clauses = append(clauses, clausePayload{Title: c.Title, Body: c.Body})
	}
	participants := make([]participantResponse, 0, len(a.Participants))
	for _, p := range a.Participants {
		participants = append(participants, participantResponse{
			Role:       string(p.Role),
			IdentityID: p.IdentityID,
			Signed:     p.Signed,
			SignedAt:   formatTime(p.SignedAt),
			Signature:  p.Signature.Artifact,
		})
	}
	history := make([]eventResponse, 0, len(a.History))
	for _, ev := range a.History {
		history = append(history, eventResponse{
			Type:    string(ev.Type),
			ActorID: ev.ActorID,
			At:      ev.At.UTC().Format(time.RFC3339),
			Detail:  ev.Detail,
		})
	}
	return agreementResponse{
		ID:     a.ID,
		Code:   a.Code,
		Status: string(a.Status),
		Subject: subjectPayload{
			ItemType:    string(a.Subject.ItemType),
			ItemID:      a.Subject.ItemID,
			Title:       a.Subject.Title,
			Description: a.Subject.Description,
			Category:    a.Subject.Category,
			Condition:   a.Subject.Condition,
		},
		Participants:   participants,
		OwnerSigned:    a.Owner().Signed,
		ReceiverSigned: a.Receiver().Signed,
		FullySigned:    a.BothSigned(),
		Terms: termsPayload{
			Clauses:        clauses,
			DeliveryMethod: string(a.Terms.DeliveryMethod),
			ExchangeDate:   a.Terms.ExchangeAt.UTC(),
			Location:       a.Terms.Location,
			Conditions:     a.Terms.Conditions,
			Notes:          a.Terms.Notes,
		},
		ContractVersion:      a.Metadata.ContractVersion,
		LegalBasis:           a.Metadata.LegalBasis,
		Jurisdiction:         a.Metadata.Jurisdiction,
		IntegrityFingerprint: a.Fingerprint,
		Dates: datesResponse{
			Created:     a.Dates.Created.UTC().Format(time.RFC3339),
			Updated:     a.Dates.Updated.UTC().Format(time.RFC3339),
			ExpiresAt:   formatTime(a.Dates.ExpiresAt),
			FullySigned: formatTime(a.Dates.FullySigned),
			CompletedAt: formatTime(a.Dates.CompletedAt),
			CancelledAt: formatTime(a.Dates.CancelledAt),
		},
		CancellationReason: a.CancellationReason,
		History:            history,
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
