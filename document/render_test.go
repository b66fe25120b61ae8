package document

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecoshare/agreement"
)

func sample() agreement.Agreement {
	created := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	signedAt := created.Add(time.Hour)
	return agreement.Agreement{
		ID:   "0f0c7d1e-3c8b-4d84-9a43-8fd1c6c0b0a1",
		Code: "ECOSHARE-LZ3K9Q1A-4F7XQ",
		Subject: agreement.Subject{
			ItemType: agreement.ItemFood,
			ItemID:   "food-1",
			Title:    "Jam <homemade> & fresh",
		},
		Participants: [2]agreement.Participant{
			{Role: agreement.RoleOwner, IdentityID: "owner", Signed: true, SignedAt: &signedAt},
			{Role: agreement.RoleReceiver, IdentityID: "receiver"},
		},
		Terms: agreement.Terms{
			Clauses:        []agreement.Clause{{Title: "Freshness", Body: "Consume within three days.   "}},
			DeliveryMethod: agreement.DeliveryMeetup,
			ExchangeAt:     created.Add(24 * time.Hour),
			Location:       "Place Bellecour",
		},
		Metadata:    agreement.DefaultMetadata,
		Status:      agreement.StatusPendingSignatures,
		Fingerprint: "sha256:abc",
		Dates:       agreement.Dates{Created: created, Updated: created},
	}
}

func TestTextRendering(t *testing.T) {
	text := Text(sample())

	assert.Contains(t, text, "Reference: ECOSHARE-LZ3K9Q1A-4F7XQ\n")
	assert.Contains(t, text, "- Date: 2025-03-11 09:00 UTC\n")
	assert.Contains(t, text, "1. Freshness\n   Consume within three days.\n")
	assert.Contains(t, text, "- owner (owner): signed 2025-03-10 10:00 UTC\n")
	assert.Contains(t, text, "- receiver (receiver): not signed\n")
	assert.Contains(t, text, "Fingerprint: sha256:abc\n")
	assert.True(t, strings.HasSuffix(text, "\n"))
	assert.False(t, strings.HasSuffix(text, "\n\n"))
	assert.Equal(t, text, Text(sample()), "rendering is deterministic")
}

func TestHTMLRenderingEscapes(t *testing.T) {
	doc, err := NewRenderer(FormatHTML).Render(context.Background(), sample())
	require.NoError(t, err)

	body := string(doc.Body)
	assert.Equal(t, "text/html; charset=utf-8", doc.ContentType)
	assert.Equal(t, "agreement-ecoshare-lz3k9q1a-4f7xq.html", doc.Filename)
	assert.Contains(t, body, "Jam &lt;homemade&gt; &amp; fresh")
	assert.NotContains(t, body, "<homemade>")
	assert.True(t, strings.HasPrefix(body, "<p>EXCHANGE AGREEMENT<br>\n"))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	f, err = ParseFormat("HTML")
	require.NoError(t, err)
	assert.Equal(t, FormatHTML, f)

	_, err = ParseFormat("pdf")
	assert.Error(t, err)
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "a\nb\n", NormalizeText("a  \r\nb\t\r\n\n\n"))
}
