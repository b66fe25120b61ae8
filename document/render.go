// Package document renders the printable form of an agreement.
package document

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"ecoshare/agreement"
	"ecoshare/lifecycle"
)

// Format selects the output representation.
type Format string

const (
	FormatText Format = "text"
	FormatHTML Format = "html"
)

// ParseFormat validates a format name; empty means text.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatText:
		return FormatText, nil
	case FormatHTML:
		return FormatHTML, nil
	default:
		return "", fmt.Errorf("unsupported document format: %s", raw)
	}
}

// Renderer implements lifecycle.Renderer. The output is deterministic for a
// given agreement so that it can be archived next to the fingerprint.
type Renderer struct {
	format Format
}

func NewRenderer(format Format) *Renderer {
	if format == "" {
		format = FormatText
	}
	return &Renderer{format: format}
}

func (r *Renderer) Render(_ context.Context, a agreement.Agreement) (lifecycle.Document, error) {
	text := Text(a)
	switch r.format {
	case FormatText:
		return lifecycle.Document{
			ContentType: "text/plain; charset=utf-8",
			Filename:    filename(a, "txt"),
			Body:        []byte(text),
		}, nil
	case FormatHTML:
		return lifecycle.Document{
			ContentType: "text/html; charset=utf-8",
			Filename:    filename(a, "html"),
			Body:        []byte(textToSafeHTML(text)),
		}, nil
	default:
		return lifecycle.Document{}, fmt.Errorf("unsupported document format: %s", r.format)
	}
}

// Text is the canonical plain-text rendering of a.
func Text(a agreement.Agreement) string {
	var b strings.Builder

	b.WriteString("EXCHANGE AGREEMENT\n")
	fmt.Fprintf(&b, "Reference: %s\n", a.Code)
	fmt.Fprintf(&b, "Status: %s\n", a.Status)
	fmt.Fprintf(&b, "Created: %s\n", stamp(a.Dates.Created))
	b.WriteString("\n")

	b.WriteString("Item\n")
	fmt.Fprintf(&b, "- Type: %s\n", a.Subject.ItemType)
	fmt.Fprintf(&b, "- Title: %s\n", a.Subject.Title)
	if a.Subject.Description != "" {
		fmt.Fprintf(&b, "- Description: %s\n", a.Subject.Description)
	}
	if a.Subject.Category != "" {
		fmt.Fprintf(&b, "- Category: %s\n", a.Subject.Category)
	}
	if a.Subject.Condition != "" {
		fmt.Fprintf(&b, "- Condition: %s\n", a.Subject.Condition)
	}
	b.WriteString("\n")

	b.WriteString("Exchange\n")
	fmt.Fprintf(&b, "- Date: %s\n", stamp(a.Terms.ExchangeAt))
	fmt.Fprintf(&b, "- Location: %s\n", a.Terms.Location)
	fmt.Fprintf(&b, "- Delivery: %s\n", a.Terms.DeliveryMethod)
	if a.Dates.ExpiresAt != nil {
		fmt.Fprintf(&b, "- Sign before: %s\n", stamp(*a.Dates.ExpiresAt))
	}
	b.WriteString("\n")

	if len(a.Terms.Clauses) > 0 || len(a.Terms.Conditions) > 0 {
		b.WriteString("Terms\n")
		for i, c := range a.Terms.Clauses {
			fmt.Fprintf(&b, "%d. %s\n", i+1, c.Title)
			if c.Body != "" {
				fmt.Fprintf(&b, "   %s\n", c.Body)
			}
		}
		for _, c := range a.Terms.Conditions {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}
	if a.Terms.Notes != "" {
		b.WriteString("Notes\n")
		b.WriteString(a.Terms.Notes)
		b.WriteString("\n\n")
	}

	b.WriteString("Signatures\n")
	for _, p := range a.Participants {
		if p.Signed && p.SignedAt != nil {
			fmt.Fprintf(&b, "- %s (%s): signed %s\n", p.Role, p.IdentityID, stamp(*p.SignedAt))
		} else {
			fmt.Fprintf(&b, "- %s (%s): not signed\n", p.Role, p.IdentityID)
		}
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "Governing law: %s (%s)\n", a.Metadata.LegalBasis, a.Metadata.Jurisdiction)
	fmt.Fprintf(&b, "Contract version: %s\n", a.Metadata.ContractVersion)
	fmt.Fprintf(&b, "Fingerprint: %s\n", a.Fingerprint)

	return NormalizeText(b.String())
}

// NormalizeText unifies line endings, strips trailing blanks and ends with one newline.
func NormalizeText(in string) string {
	s := strings.ReplaceAll(in, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n") + "\n"
}

func textToSafeHTML(text string) string {
	trimmed := strings.TrimSuffix(text, "\n")
	paragraphs := strings.Split(trimmed, "\n\n")
	out := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		escaped := html.EscapeString(p)
		escaped = strings.ReplaceAll(escaped, "\n", "<br>\n")
		out = append(out, "<p>"+escaped+"</p>")
	}
	return strings.Join(out, "\n") + "\n"
}

func filename(a agreement.Agreement, ext string) string {
	ref := a.Code
	if ref == "" {
		ref = a.ID
	}
	return "agreement-" + strings.ToLower(ref) + "." + ext
}

func stamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04 MST")
}
