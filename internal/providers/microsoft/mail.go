package microsoft

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/model"
)

var messageFields = []string{
	"id", "conversationId", "internetMessageId", "subject", "from",
	"toRecipients", "ccRecipients", "bccRecipients", "replyTo", "body",
	"sentDateTime", "receivedDateTime", "isRead", "isDraft", "flag",
	"parentFolderId", "hasAttachments", "categories",
}

// wellKnownFolders maps folder names, as produced by the label mapping or
// shown by Outlook, to Graph well-known folder ids.
var wellKnownFolders = map[string]string{
	"inbox":         "inbox",
	"sentitems":     "sentitems",
	"sent items":    "sentitems",
	"drafts":        "drafts",
	"deleteditems":  "deleteditems",
	"deleted items": "deleteditems",
	"junkemail":     "junkemail",
	"junk email":    "junkemail",
	"archive":       "archive",
}

// MAPI properties written on create so that imported mail is neither an
// unsent draft nor dated at import time.
const (
	propMessageFlags = "Integer 0x0E07"
	propSubmitTime   = "SystemTime 0x0039"
	propDeliveryTime = "SystemTime 0x0E06"
)

// Messages is the Graph mail connector. Folders stand in for labels. The
// incremental cursor is a JSON object holding one delta link per folder.
type Messages struct {
	c *Client
}

var (
	_ connector.MessageConnector = (*Messages)(nil)
	_ connector.StatsProvider    = (*Messages)(nil)
)

// folderIndex is a snapshot of the mailbox folder tree.
type folderIndex struct {
	names  map[string]string // id -> display name
	ids    map[string]string // lower-cased display name -> id
	total  int64
	unread int64
}

func (f *folderIndex) sortedIDs() []string {
	out := make([]string, 0, len(f.names))
	for id := range f.names {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Messages) folders(ctx context.Context, u *users.UserItemRequestBuilder) (*folderIndex, error) {
	idx := &folderIndex{names: map[string]string{}, ids: map[string]string{}}
	resp, err := u.MailFolders().Get(ctx, &users.ItemMailFoldersRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersRequestBuilderGetQueryParameters{Top: ptr(int32(250))},
	})
	if err != nil {
		return nil, classify("list folders", err)
	}
	pending := resp.GetValue()
	for len(pending) > 0 {
		f := pending[0]
		pending = pending[1:]
		id := deref(f.GetId())
		name := deref(f.GetDisplayName())
		idx.names[id] = name
		idx.ids[strings.ToLower(name)] = id
		idx.total += int64(deref(f.GetTotalItemCount()))
		idx.unread += int64(deref(f.GetUnreadItemCount()))
		if deref(f.GetChildFolderCount()) > 0 {
			children, err := u.MailFolders().ByMailFolderId(id).ChildFolders().Get(ctx, nil)
			if err != nil {
				return nil, classify("list child folders", err)
			}
			pending = append(pending, children.GetValue()...)
		}
	}
	return idx, nil
}

func (m *Messages) ListPage(ctx context.Context, acct *model.Account, pageToken string, maxResults int) (*connector.Page[*model.Message], error) {
	u, err := m.c.user(ctx, acct)
	if err != nil {
		return nil, err
	}

	var resp models.MessageCollectionResponseable
	if pageToken == "" {
		resp, err = u.Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
				Top:    ptr(int32(maxResults)),
				Select: messageFields,
				Count:  ptr(true),
			},
		})
	} else {
		resp, err = u.Messages().WithUrl(pageToken).Get(ctx, nil)
	}
	if err != nil {
		return nil, classify("list messages", err)
	}

	idx, err := m.folders(ctx, u)
	if err != nil {
		return nil, err
	}
	page := &connector.Page[*model.Message]{
		NextPageToken: deref(resp.GetOdataNextLink()),
		TotalEstimate: deref(resp.GetOdataCount()),
	}
	for _, gm := range resp.GetValue() {
		msg, err := m.convert(ctx, u, gm, idx)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, msg)
	}
	return page, nil
}

func (m *Messages) Get(ctx context.Context, acct *model.Account, id string) (*model.Message, error) {
	u, err := m.c.user(ctx, acct)
	if err != nil {
		return nil, err
	}
	gm, err := u.Messages().ByMessageId(id).Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{Select: messageFields},
	})
	if err != nil {
		return nil, classify("get message", err)
	}
	idx, err := m.folders(ctx, u)
	if err != nil {
		return nil, err
	}
	return m.convert(ctx, u, gm, idx)
}

// Create writes the message into the folder named by its first label,
// creating that folder when it does not exist.
func (m *Messages) Create(ctx context.Context, acct *model.Account, msg *model.Message) (string, error) {
	u, err := m.c.user(ctx, acct)
	if err != nil {
		return "", err
	}
	folderID, err := m.targetFolder(ctx, u, msg)
	if err != nil {
		return "", err
	}
	created, err := u.MailFolders().ByMailFolderId(folderID).Messages().Post(ctx, toMessage(msg), nil)
	if err != nil {
		return "", classify("create message", err)
	}
	return deref(created.GetId()), nil
}

// Update syncs the read and flag state and moves the message when its
// folder changed.
func (m *Messages) Update(ctx context.Context, acct *model.Account, id string, msg *model.Message) error {
	u, err := m.c.user(ctx, acct)
	if err != nil {
		return err
	}
	item := u.Messages().ByMessageId(id)
	current, err := item.Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{Select: []string{"id", "parentFolderId"}},
	})
	if err != nil {
		return classify("get message", err)
	}

	patch := models.NewMessage()
	patch.SetIsRead(ptr(msg.Read))
	patch.SetFlag(followup(msg.Starred))
	if _, err := item.Patch(ctx, patch, nil); err != nil {
		return classify("update message", err)
	}

	if msg.Draft {
		return nil
	}
	folderID, err := m.targetFolder(ctx, u, msg)
	if err != nil {
		return err
	}
	if folderID == deref(current.GetParentFolderId()) {
		return nil
	}
	body := users.NewItemMessagesItemMovePostRequestBody()
	body.SetDestinationId(ptr(folderID))
	_, err = item.Move().Post(ctx, body, nil)
	return classify("move message", err)
}

func (m *Messages) Delete(ctx context.Context, acct *model.Account, id string) error {
	u, err := m.c.user(ctx, acct)
	if err != nil {
		return err
	}
	return classify("delete message", u.Messages().ByMessageId(id).Delete(ctx, nil))
}

func (m *Messages) Count(ctx context.Context, acct *model.Account) (int64, error) {
	u, err := m.c.user(ctx, acct)
	if err != nil {
		return 0, err
	}
	resp, err := u.Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:    ptr(int32(1)),
			Select: []string{"id"},
			Count:  ptr(true),
		},
	})
	if err != nil {
		return 0, classify("count messages", err)
	}
	return deref(resp.GetOdataCount()), nil
}

// Stats sums the folder counters.
func (m *Messages) Stats(ctx context.Context, acct *model.Account) (*model.MessageStats, error) {
	u, err := m.c.user(ctx, acct)
	if err != nil {
		return nil, err
	}
	idx, err := m.folders(ctx, u)
	if err != nil {
		return nil, err
	}
	drafts, err := u.MailFolders().ByMailFolderId("drafts").Get(ctx, nil)
	if err != nil {
		return nil, classify("drafts folder", err)
	}
	return &model.MessageStats{
		Total:  idx.total,
		Unread: idx.unread,
		Drafts: int64(deref(drafts.GetTotalItemCount())),
	}, nil
}

// IncrementalChanges runs a delta query per folder. Delta does not tell
// additions from edits, so changed messages land in Modified. A message
// that moved shows up as removed from one folder and changed in another
// and is not reported as deleted.
func (m *Messages) IncrementalChanges(ctx context.Context, acct *model.Account, syncToken string) (*connector.Changes[*model.Message], error) {
	u, err := m.c.user(ctx, acct)
	if err != nil {
		return nil, err
	}
	state, err := decodeDeltaState(syncToken)
	if err != nil {
		return nil, err
	}
	idx, err := m.folders(ctx, u)
	if err != nil {
		return nil, err
	}

	changes := &connector.Changes[*model.Message]{}
	next := make(map[string]string, len(idx.names))
	changed := map[string]bool{}
	var removed []string
	for _, folderID := range idx.sortedIDs() {
		// with no token the pass only establishes the cursor
		collect := syncToken != ""
		builder := u.MailFolders().ByMailFolderId(folderID).Messages().Delta()
		link := state[folderID]
		for {
			var resp users.ItemMailFoldersItemMessagesDeltaGetResponseable
			if link != "" {
				resp, err = builder.WithUrl(link).GetAsDeltaGetResponse(ctx, nil)
			} else {
				resp, err = builder.GetAsDeltaGetResponse(ctx, &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
					QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{Select: messageFields},
				})
			}
			if err != nil {
				return nil, classify("message delta", err)
			}
			for _, gm := range resp.GetValue() {
				id := deref(gm.GetId())
				if gone(gm.GetAdditionalData()) {
					removed = append(removed, id)
					continue
				}
				if !collect {
					continue
				}
				msg, err := m.convert(ctx, u, gm, idx)
				if err != nil {
					return nil, err
				}
				changed[id] = true
				changes.Modified = append(changes.Modified, msg)
			}
			if nl := resp.GetOdataNextLink(); nl != nil && *nl != "" {
				link = *nl
				continue
			}
			next[folderID] = deref(resp.GetOdataDeltaLink())
			break
		}
	}
	if syncToken != "" {
		for _, id := range removed {
			if !changed[id] {
				changes.DeletedIDs = append(changes.DeletedIDs, id)
			}
		}
	}

	token, err := json.Marshal(next)
	if err != nil {
		return nil, connector.E(connector.KindPermanent, "message delta", err)
	}
	changes.NewSyncToken = string(token)
	return changes, nil
}

func decodeDeltaState(token string) (map[string]string, error) {
	state := map[string]string{}
	if token == "" {
		return state, nil
	}
	if err := json.Unmarshal([]byte(token), &state); err != nil {
		return nil, connector.Errorf(connector.KindTokenExpired, "message delta", "unreadable delta state: %v", err)
	}
	return state, nil
}

// targetFolder resolves the folder a message belongs in to a folder id.
func (m *Messages) targetFolder(ctx context.Context, u *users.UserItemRequestBuilder, msg *model.Message) (string, error) {
	name := "inbox"
	switch {
	case msg.Draft:
		name = "drafts"
	case len(msg.Labels) > 0:
		name = msg.Labels[0]
	}

	if wk, ok := wellKnownFolders[strings.ToLower(name)]; ok {
		f, err := u.MailFolders().ByMailFolderId(wk).Get(ctx, nil)
		if err != nil {
			return "", classify("get folder", err)
		}
		return deref(f.GetId()), nil
	}

	idx, err := m.folders(ctx, u)
	if err != nil {
		return "", err
	}
	if id, ok := idx.ids[strings.ToLower(name)]; ok {
		return id, nil
	}
	folder := models.NewMailFolder()
	folder.SetDisplayName(ptr(name))
	created, err := u.MailFolders().Post(ctx, folder, nil)
	if err != nil {
		return "", classify("create folder", err)
	}
	return deref(created.GetId()), nil
}

func (m *Messages) convert(ctx context.Context, u *users.UserItemRequestBuilder, gm models.Messageable, idx *folderIndex) (*model.Message, error) {
	msg := fromMessage(gm, idx.names)
	if !deref(gm.GetHasAttachments()) {
		return msg, nil
	}
	resp, err := u.Messages().ByMessageId(msg.ID).Attachments().Get(ctx, nil)
	if err != nil {
		return nil, classify("list attachments", err)
	}
	for _, a := range resp.GetValue() {
		fa, ok := a.(models.FileAttachmentable)
		if !ok {
			// item and reference attachments have no bytes to copy
			continue
		}
		msg.Attachments = append(msg.Attachments, model.Attachment{
			ID:        deref(a.GetId()),
			Filename:  deref(a.GetName()),
			MimeType:  deref(a.GetContentType()),
			Size:      int64(deref(a.GetSize())),
			Inline:    deref(a.GetIsInline()),
			ContentID: deref(fa.GetContentId()),
			Data:      fa.GetContentBytes(),
		})
	}
	return msg, nil
}

func fromMessage(gm models.Messageable, folderNames map[string]string) *model.Message {
	msg := &model.Message{
		ID:         deref(gm.GetId()),
		ThreadID:   deref(gm.GetConversationId()),
		MessageID:  deref(gm.GetInternetMessageId()),
		Subject:    deref(gm.GetSubject()),
		To:         addresses(gm.GetToRecipients()),
		Cc:         addresses(gm.GetCcRecipients()),
		Bcc:        addresses(gm.GetBccRecipients()),
		ReplyTo:    addresses(gm.GetReplyTo()),
		Read:       deref(gm.GetIsRead()),
		Draft:      deref(gm.GetIsDraft()),
		SentAt:     deref(gm.GetSentDateTime()),
		ReceivedAt: deref(gm.GetReceivedDateTime()),
	}
	if from := gm.GetFrom(); from != nil {
		msg.From = address(from.GetEmailAddress())
	}
	if body := gm.GetBody(); body != nil {
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			msg.BodyHTML = deref(body.GetContent())
		} else {
			msg.BodyText = deref(body.GetContent())
		}
	}
	if flag := gm.GetFlag(); flag != nil && flag.GetFlagStatus() != nil {
		msg.Starred = *flag.GetFlagStatus() == models.FLAGGED_FOLLOWUPFLAGSTATUS
	}
	if name, ok := folderNames[deref(gm.GetParentFolderId())]; ok {
		msg.Labels = append(msg.Labels, name)
	}
	msg.Labels = append(msg.Labels, gm.GetCategories()...)
	return msg
}

// toMessage builds the Graph message to create.
func toMessage(msg *model.Message) models.Messageable {
	gm := models.NewMessage()
	gm.SetSubject(ptr(msg.Subject))
	body := models.NewItemBody()
	if msg.BodyHTML != "" {
		body.SetContentType(ptr(models.HTML_BODYTYPE))
		body.SetContent(ptr(msg.BodyHTML))
	} else {
		body.SetContentType(ptr(models.TEXT_BODYTYPE))
		body.SetContent(ptr(msg.BodyText))
	}
	gm.SetBody(body)
	if msg.From != "" {
		gm.SetFrom(recipient(msg.From))
	}
	gm.SetToRecipients(recipients(msg.To))
	gm.SetCcRecipients(recipients(msg.Cc))
	gm.SetBccRecipients(recipients(msg.Bcc))
	gm.SetReplyTo(recipients(msg.ReplyTo))
	if msg.MessageID != "" {
		gm.SetInternetMessageId(ptr("<" + strings.Trim(msg.MessageID, "<>") + ">"))
	}
	gm.SetIsRead(ptr(msg.Read))
	gm.SetFlag(followup(msg.Starred))

	if !msg.Draft {
		flags := "0"
		if msg.Read {
			flags = "1"
		}
		props := []models.SingleValueLegacyExtendedPropertyable{extendedProperty(propMessageFlags, flags)}
		if !msg.SentAt.IsZero() {
			props = append(props, extendedProperty(propSubmitTime, msg.SentAt.UTC().Format(time.RFC3339)))
		}
		if !msg.ReceivedAt.IsZero() {
			props = append(props, extendedProperty(propDeliveryTime, msg.ReceivedAt.UTC().Format(time.RFC3339)))
		}
		gm.SetSingleValueExtendedProperties(props)
	}

	if len(msg.Attachments) > 0 {
		atts := make([]models.Attachmentable, 0, len(msg.Attachments))
		for _, a := range msg.Attachments {
			fa := models.NewFileAttachment()
			fa.SetName(ptr(a.Filename))
			fa.SetContentType(strPtr(a.MimeType))
			fa.SetContentBytes(a.Data)
			fa.SetIsInline(ptr(a.Inline))
			fa.SetContentId(strPtr(a.ContentID))
			atts = append(atts, fa)
		}
		gm.SetAttachments(atts)
	}
	return gm
}

func extendedProperty(id, value string) models.SingleValueLegacyExtendedPropertyable {
	p := models.NewSingleValueLegacyExtendedProperty()
	p.SetId(ptr(id))
	p.SetValue(ptr(value))
	return p
}

func followup(starred bool) models.FollowupFlagable {
	status := models.NOTFLAGGED_FOLLOWUPFLAGSTATUS
	if starred {
		status = models.FLAGGED_FOLLOWUPFLAGSTATUS
	}
	f := models.NewFollowupFlag()
	f.SetFlagStatus(&status)
	return f
}

func recipient(s string) models.Recipientable {
	ea := models.NewEmailAddress()
	if a, err := mail.ParseAddress(s); err == nil {
		ea.SetAddress(ptr(a.Address))
		ea.SetName(strPtr(a.Name))
	} else {
		ea.SetAddress(ptr(strings.TrimSpace(s)))
	}
	r := models.NewRecipient()
	r.SetEmailAddress(ea)
	return r
}

func recipients(list []string) []models.Recipientable {
	out := make([]models.Recipientable, 0, len(list))
	for _, s := range list {
		if strings.TrimSpace(s) != "" {
			out = append(out, recipient(s))
		}
	}
	return out
}

func address(ea models.EmailAddressable) string {
	if ea == nil {
		return ""
	}
	addr, name := deref(ea.GetAddress()), deref(ea.GetName())
	if name == "" || strings.EqualFold(name, addr) {
		return addr
	}
	return (&mail.Address{Name: name, Address: addr}).String()
}

func addresses(rs []models.Recipientable) []string {
	var out []string
	for _, r := range rs {
		if a := address(r.GetEmailAddress()); a != "" {
			out = append(out, a)
		}
	}
	return out
}
