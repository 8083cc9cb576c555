package model

import "time"

// Message is a provider neutral email. Labels carries the provider's
// folder or label vocabulary and is normalised by the transformer before
// being written to another provider.
type Message struct {
	ID          string            `json:"id"`
	ThreadID    string            `json:"thread_id,omitempty"`
	MessageID   string            `json:"message_id,omitempty"` // RFC 5322 Message-ID
	Subject     string            `json:"subject,omitempty"`
	From        string            `json:"from,omitempty"`
	To          []string          `json:"to,omitempty"`
	Cc          []string          `json:"cc,omitempty"`
	Bcc         []string          `json:"bcc,omitempty"`
	ReplyTo     []string          `json:"reply_to,omitempty"`
	BodyHTML    string            `json:"body_html,omitempty"`
	BodyText    string            `json:"body_text,omitempty"`
	SentAt      time.Time         `json:"sent_at"`
	ReceivedAt  time.Time         `json:"received_at"`
	Read        bool              `json:"read"`
	Starred     bool              `json:"starred"`
	Draft       bool              `json:"draft"`
	Labels      []string          `json:"labels,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	RawMIME     []byte            `json:"-"`
	SizeBytes   int64             `json:"size_bytes,omitempty"`
}

// ItemID returns the source provider id.
func (m *Message) ItemID() string { return m.ID }

// Attachment is a file carried by a message or event.
type Attachment struct {
	ID        string `json:"id,omitempty"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type,omitempty"`
	Size      int64  `json:"size"`
	ContentID string `json:"content_id,omitempty"`
	Inline    bool   `json:"inline,omitempty"`
	Data      []byte `json:"-"`
}

// MessageStats summarises a mailbox.
type MessageStats struct {
	Total  int64 `json:"total"`
	Unread int64 `json:"unread"`
	Drafts int64 `json:"drafts"`
}
