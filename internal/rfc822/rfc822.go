// Package rfc822 converts canonical messages to and from MIME. It backs the
// Gmail raw format and IMAP APPEND/FETCH.
package rfc822

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/Martian-dev/mailmove/internal/model"
)

// threadingHeaders are carried through Message.Headers so replies keep
// their thread on the target.
var threadingHeaders = []string{"In-Reply-To", "References", "List-Id"}

// Encode renders m as an RFC 5322 message. A message decoded from MIME
// keeps its original bytes.
func Encode(m *model.Message) ([]byte, error) {
	if len(m.RawMIME) > 0 {
		return m.RawMIME, nil
	}

	var h mail.Header
	date := m.SentAt
	if date.IsZero() {
		date = m.ReceivedAt
	}
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetSubject(m.Subject)
	if m.MessageID != "" {
		h.SetMessageID(strings.Trim(m.MessageID, "<>"))
	}
	if m.From != "" {
		h.SetAddressList("From", addresses([]string{m.From}))
	}
	setAddressList(&h, "To", m.To)
	setAddressList(&h, "Cc", m.Cc)
	setAddressList(&h, "Bcc", m.Bcc)
	setAddressList(&h, "Reply-To", m.ReplyTo)
	for k, v := range m.Headers {
		if !h.Has(k) {
			h.Set(k, v)
		}
	}

	var buf bytes.Buffer
	if len(m.Attachments) == 0 && (m.BodyText == "" || m.BodyHTML == "") {
		if err := writeSingle(&buf, h, m); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline: %w", err)
	}
	if m.BodyText != "" || m.BodyHTML == "" {
		if err := writeInline(iw, "text/plain", m.BodyText); err != nil {
			return nil, err
		}
	}
	if m.BodyHTML != "" {
		if err := writeInline(iw, "text/html", m.BodyHTML); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}

	for _, a := range m.Attachments {
		var ah mail.AttachmentHeader
		ct := a.MimeType
		if ct == "" {
			ct = "application/octet-stream"
		}
		ah.SetContentType(ct, nil)
		ah.SetFilename(a.Filename)
		if a.ContentID != "" {
			ah.Set("Content-Id", "<"+strings.Trim(a.ContentID, "<>")+">")
		}
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("attachment %q: %w", a.Filename, err)
		}
		if _, err := w.Write(a.Data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeSingle(buf *bytes.Buffer, h mail.Header, m *model.Message) error {
	ct, body := "text/plain", m.BodyText
	if m.BodyHTML != "" {
		ct, body = "text/html", m.BodyHTML
	}
	h.SetContentType(ct, map[string]string{"charset": "utf-8"})
	w, err := mail.CreateSingleInlineWriter(buf, h)
	if err != nil {
		return fmt.Errorf("create writer: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	return w.Close()
}

func writeInline(iw *mail.InlineWriter, ct, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(ct, map[string]string{"charset": "utf-8"})
	w, err := iw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", ct, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	return w.Close()
}

func setAddressList(h *mail.Header, key string, list []string) {
	if len(list) > 0 {
		h.SetAddressList(key, addresses(list))
	}
}

func addresses(list []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if a, err := mail.ParseAddress(s); err == nil {
			out = append(out, a)
			continue
		}
		out = append(out, &mail.Address{Address: s})
	}
	return out
}

// Decode parses raw into a canonical message. ID, labels and flags are
// left for the caller, which knows them from the provider. RawMIME holds
// raw so that re-encoding is lossless.
func Decode(raw []byte) (*model.Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("read message: %w", err)
	}
	defer mr.Close()

	m := &model.Message{
		RawMIME:   raw,
		SizeBytes: int64(len(raw)),
	}
	h := mr.Header
	m.Subject, _ = h.Subject()
	m.MessageID, _ = h.MessageID()
	if t, err := h.Date(); err == nil {
		m.SentAt = t
	}
	if from := addressStrings(h, "From"); len(from) > 0 {
		m.From = from[0]
	}
	m.To = addressStrings(h, "To")
	m.Cc = addressStrings(h, "Cc")
	m.Bcc = addressStrings(h, "Bcc")
	m.ReplyTo = addressStrings(h, "Reply-To")
	for _, k := range threadingHeaders {
		if v := h.Get(k); v != "" {
			if m.Headers == nil {
				m.Headers = make(map[string]string)
			}
			m.Headers[k] = v
		}
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return nil, fmt.Errorf("read part: %w", err)
		}

		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			ct, params, _ := ph.ContentType()
			body, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("read body: %w", err)
			}
			switch {
			case ct == "text/html" && m.BodyHTML == "":
				m.BodyHTML = string(body)
			case (ct == "text/plain" || ct == "") && m.BodyText == "":
				m.BodyText = string(body)
			case strings.HasPrefix(ct, "text/"):
			default:
				// inline images and similar parts without a disposition
				m.Attachments = append(m.Attachments, model.Attachment{
					Filename:  params["name"],
					MimeType:  ct,
					Size:      int64(len(body)),
					ContentID: strings.Trim(ph.Get("Content-Id"), "<>"),
					Inline:    true,
					Data:      body,
				})
			}
		case *mail.AttachmentHeader:
			name, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			data, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("read attachment %q: %w", name, err)
			}
			m.Attachments = append(m.Attachments, model.Attachment{
				Filename:  name,
				MimeType:  ct,
				Size:      int64(len(data)),
				ContentID: strings.Trim(ph.Get("Content-Id"), "<>"),
				Data:      data,
			})
		}
	}
	return m, nil
}

func addressStrings(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Name == "" {
			out = append(out, a.Address)
			continue
		}
		out = append(out, a.String())
	}
	return out
}
