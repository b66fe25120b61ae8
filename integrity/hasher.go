// Package integrity fingerprints the write-once part of an agreement so that
// tampering after creation is detectable.
package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"ecoshare/agreement"
)

// Prefix names the digest algorithm inside every fingerprint.
const Prefix = "sha256:"

// canonicalVersion is bumped whenever the canonical form changes.
const canonicalVersion = 1

// Canonical returns the canonical JSON of the immutable fields. Objects are
// built from maps so encoding/json emits keys in sorted order; participants
// are sorted by role. Status, signatures and every date except creation are
// left out so the result is stable for the life of the agreement.
func Canonical(a agreement.Agreement) ([]byte, error) {
	clauses := make([]any, 0, len(a.Terms.Clauses))
	for _, c := range a.Terms.Clauses {
		clauses = append(clauses, map[string]any{"title": c.Title, "body": c.Body})
	}
	conditions := make([]any, 0, len(a.Terms.Conditions))
	for _, c := range a.Terms.Conditions {
		conditions = append(conditions, c)
	}

	participants := make([]map[string]any, 0, len(a.Participants))
	for _, p := range a.Participants {
		participants = append(participants, map[string]any{"role": string(p.Role), "identity": p.IdentityID})
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i]["role"].(string) < participants[j]["role"].(string)
	})

	doc := map[string]any{
		"v": canonicalVersion,
		"subject": map[string]any{
			"itemType":    string(a.Subject.ItemType),
			"itemId":      a.Subject.ItemID,
			"title":       a.Subject.Title,
			"description": a.Subject.Description,
			"category":    a.Subject.Category,
			"condition":   a.Subject.Condition,
		},
		"terms": map[string]any{
			"clauses":        clauses,
			"deliveryMethod": string(a.Terms.DeliveryMethod),
			"exchangeAt":     timestamp(a.Terms.ExchangeAt),
			"location":       a.Terms.Location,
			"conditions":     conditions,
			"notes":          a.Terms.Notes,
		},
		"metadata": map[string]any{
			"contractVersion": a.Metadata.ContractVersion,
			"legalBasis":      a.Metadata.LegalBasis,
			"jurisdiction":    a.Metadata.Jurisdiction,
		},
		"participants": participants,
		"created":      timestamp(a.Dates.Created),
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("integrity: canonicalize: %w", err)
	}
	return b, nil
}

// Fingerprint returns the content-addressed digest of the immutable fields.
func Fingerprint(a agreement.Agreement) (string, error) {
	b, err := Canonical(a)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return Prefix + hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the fingerprint and compares it with the stored one.
func Verify(a agreement.Agreement) (bool, error) {
	want, err := Fingerprint(a)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(a.Fingerprint)) == 1, nil
}

// Check is Verify for callers about to display or act on a; a mismatch is
// reported as agreement.ErrIntegrityConflict.
func Check(a agreement.Agreement) error {
	ok, err := Verify(a)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", agreement.ErrIntegrityConflict, a.ID)
	}
	return nil
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
