package rfc822

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailmove/internal/model"
)

func TestEncodePlainText(t *testing.T) {
	sent := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	raw, err := Encode(&model.Message{
		MessageID: "<abc@example.com>",
		Subject:   "Quarterly report",
		From:      "Ana Diaz <ana@example.com>",
		To:        []string{"bob@example.com", "Carl <carl@example.com>"},
		BodyText:  "See attached numbers.",
		SentAt:    sent,
		Headers:   map[string]string{"In-Reply-To": "<prev@example.com>"},
	})
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, "Subject: Quarterly report")
	assert.Contains(t, text, "Message-Id: <abc@example.com>")
	assert.Contains(t, text, "In-Reply-To: <prev@example.com>")
	assert.Contains(t, text, "text/plain")

	m, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly report", m.Subject)
	assert.Equal(t, "abc@example.com", m.MessageID)
	assert.Contains(t, m.From, "ana@example.com")
	require.Len(t, m.To, 2)
	assert.Equal(t, "bob@example.com", m.To[0])
	assert.True(t, sent.Equal(m.SentAt))
	assert.Equal(t, "See attached numbers.", strings.TrimSpace(m.BodyText))
	assert.Equal(t, "<prev@example.com>", m.Headers["In-Reply-To"])
	assert.Equal(t, int64(len(raw)), m.SizeBytes)
}

func TestEncodeMultipartWithAttachment(t *testing.T) {
	raw, err := Encode(&model.Message{
		Subject:  "Invoice",
		From:     "billing@example.com",
		To:       []string{"ana@example.com"},
		BodyText: "plain body",
		BodyHTML: "<p>html body</p>",
		Attachments: []model.Attachment{
			{Filename: "invoice.pdf", MimeType: "application/pdf", Data: []byte("%PDF-1.4 fake")},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, string(raw), "multipart/mixed")

	m, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "plain body", strings.TrimSpace(m.BodyText))
	assert.Equal(t, "<p>html body</p>", strings.TrimSpace(m.BodyHTML))
	require.Len(t, m.Attachments, 1)
	a := m.Attachments[0]
	assert.Equal(t, "invoice.pdf", a.Filename)
	assert.Equal(t, "application/pdf", a.MimeType)
	assert.Equal(t, []byte("%PDF-1.4 fake"), a.Data)
	assert.Equal(t, int64(len(a.Data)), a.Size)
}

func TestEncodeKeepsOriginalBytes(t *testing.T) {
	raw := []byte("Subject: hi\r\n\r\nbody\r\n")
	out, err := Encode(&model.Message{Subject: "changed", RawMIME: raw})
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestDecodeLegacyCharset(t *testing.T) {
	raw := "From: =?ISO-8859-1?Q?Andr=E9?= <andre@example.com>\r\n" +
		"Subject: =?ISO-8859-1?Q?R=E9sum=E9?=\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
		"Content-Type: text/plain; charset=ISO-8859-1\r\n" +
		"Content-Transfer-Encoding: quoted-printable\r\n" +
		"\r\n" +
		"Caf=E9\r\n"

	m, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "Résumé", m.Subject)
	assert.Contains(t, m.From, "andre@example.com")
	assert.Equal(t, "Café", strings.TrimSpace(m.BodyText))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not a header line without colon\r\n"))
	assert.Error(t, err)
}
