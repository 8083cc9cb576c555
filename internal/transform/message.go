package transform

import (
	"strings"

	"github.com/Martian-dev/mailmove/internal/model"
)

// Message returns a copy of m whose labels use target's vocabulary.
func Message(m *model.Message, target model.Provider) *model.Message {
	if m == nil {
		return nil
	}
	out := *m
	out.To = cloneStrings(m.To)
	out.Cc = cloneStrings(m.Cc)
	out.Bcc = cloneStrings(m.Bcc)
	out.ReplyTo = cloneStrings(m.ReplyTo)
	if m.Attachments != nil {
		out.Attachments = append([]model.Attachment(nil), m.Attachments...)
	}
	if m.Headers != nil {
		out.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			out.Headers[k] = v
		}
	}
	if googleVocabulary(target) {
		out.Labels = FoldersToLabels(m.Labels)
	} else {
		out.Labels = LabelsToFolders(m.Labels)
	}
	return &out
}

// LabelsToFolders maps Gmail labels to Outlook well-known folder names.
// STARRED, IMPORTANT and the Gmail inbox categories have no folder and
// collapse into Inbox; other CATEGORY_ labels lose their prefix and custom
// labels pass through. The result has no duplicates.
func LabelsToFolders(labels []string) []string {
	out := []string{}
	for _, label := range labels {
		var folder string
		switch strings.ToUpper(label) {
		case "INBOX", "STARRED", "IMPORTANT",
			"CATEGORY_PERSONAL", "CATEGORY_SOCIAL", "CATEGORY_PROMOTIONS",
			"CATEGORY_UPDATES", "CATEGORY_FORUMS":
			folder = "Inbox"
		case "SENT":
			folder = "SentItems"
		case "DRAFT":
			folder = "Drafts"
		case "TRASH":
			folder = "DeletedItems"
		case "SPAM":
			folder = "JunkEmail"
		default:
			folder = strings.TrimPrefix(label, "CATEGORY_")
		}
		out = appendUnique(out, folder)
	}
	return out
}

// FoldersToLabels maps Outlook folder names, with or without spaces and in
// any case, to Gmail labels. Archive becomes "All Mail"; unknown folders are
// kept as custom labels.
func FoldersToLabels(folders []string) []string {
	out := []string{}
	for _, folder := range folders {
		var label string
		switch lower(folder) {
		case "inbox":
			label = "INBOX"
		case "sentitems", "sent items":
			label = "SENT"
		case "drafts":
			label = "DRAFT"
		case "deleteditems", "deleted items":
			label = "TRASH"
		case "junkemail", "junk email", "junk":
			label = "SPAM"
		case "archive":
			label = "All Mail"
		default:
			label = folder
		}
		out = appendUnique(out, label)
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}
