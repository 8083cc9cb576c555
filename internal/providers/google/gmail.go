package google

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/model"
	"github.com/Martian-dev/mailmove/internal/rfc822"
)

const user = "me"

// Labels that are message flags rather than places.
const (
	labelUnread  = "UNREAD"
	labelStarred = "STARRED"
	labelDraft   = "DRAFT"
	labelAllMail = "All Mail"
)

// Messages is the Gmail message connector. Messages travel in raw RFC 822
// form; the incremental cursor is the mailbox history id.
type Messages struct {
	c *Client
}

var (
	_ connector.MessageConnector = (*Messages)(nil)
	_ connector.StatsProvider    = (*Messages)(nil)
)

func (m *Messages) service(ctx context.Context, acct *model.Account) (*gmail.Service, error) {
	svc, err := gmail.NewService(ctx, m.c.options(ctx, acct)...)
	if err != nil {
		return nil, connector.E(connector.KindPermanent, "gmail", fmt.Errorf("create Gmail service: %w", err))
	}
	return svc, nil
}

// ListPage lists one page of messages. The first page also reports the
// history id as of the listing, so changes made while the copy runs are
// picked up by the first incremental pass.
func (m *Messages) ListPage(ctx context.Context, acct *model.Account, pageToken string, maxResults int) (*connector.Page[*model.Message], error) {
	svc, err := m.service(ctx, acct)
	if err != nil {
		return nil, err
	}

	page := &connector.Page[*model.Message]{}
	if pageToken == "" {
		profile, err := svc.Users.GetProfile(user).Context(ctx).Do()
		if err != nil {
			return nil, classify("profile", err)
		}
		page.SyncToken = strconv.FormatUint(profile.HistoryId, 10)
	}

	call := svc.Users.Messages.List(user).IncludeSpamTrash(false).MaxResults(int64(maxResults)).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, classify("list messages", err)
	}

	names, err := labelNames(ctx, svc)
	if err != nil {
		return nil, err
	}
	for _, ref := range resp.Messages {
		msg, err := fetch(ctx, svc, ref.Id, names)
		if connector.IsKind(err, connector.KindNotFound) {
			// deleted between list and get
			continue
		}
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, msg)
	}
	page.NextPageToken = resp.NextPageToken
	page.TotalEstimate = resp.ResultSizeEstimate
	return page, nil
}

func (m *Messages) Get(ctx context.Context, acct *model.Account, id string) (*model.Message, error) {
	svc, err := m.service(ctx, acct)
	if err != nil {
		return nil, err
	}
	names, err := labelNames(ctx, svc)
	if err != nil {
		return nil, err
	}
	return fetch(ctx, svc, id, names)
}

// Create inserts the message without sending it. Drafts are created as
// drafts since Gmail refuses the DRAFT label on insert.
func (m *Messages) Create(ctx context.Context, acct *model.Account, msg *model.Message) (string, error) {
	svc, err := m.service(ctx, acct)
	if err != nil {
		return "", err
	}
	raw, err := rfc822.Encode(msg)
	if err != nil {
		return "", connector.E(connector.KindPermanent, "encode message", err)
	}
	encoded := base64.URLEncoding.EncodeToString(raw)

	if msg.Draft {
		d, err := svc.Users.Drafts.Create(user, &gmail.Draft{Message: &gmail.Message{Raw: encoded}}).Context(ctx).Do()
		if err != nil {
			return "", classify("create draft", err)
		}
		return d.Message.Id, nil
	}

	ids, err := resolveLabels(ctx, svc, msg)
	if err != nil {
		return "", err
	}
	created, err := svc.Users.Messages.Insert(user, &gmail.Message{Raw: encoded, LabelIds: ids}).
		InternalDateSource("dateHeader").
		Context(ctx).
		Do()
	if err != nil {
		return "", classify("insert message", err)
	}
	return created.Id, nil
}

// Update brings the labels and flags of an existing message in line with
// msg. Content is immutable in Gmail.
func (m *Messages) Update(ctx context.Context, acct *model.Account, id string, msg *model.Message) error {
	svc, err := m.service(ctx, acct)
	if err != nil {
		return err
	}
	current, err := svc.Users.Messages.Get(user, id).Format("minimal").Context(ctx).Do()
	if err != nil {
		return classify("get message", err)
	}
	if msg.Draft {
		return nil
	}
	want, err := resolveLabels(ctx, svc, msg)
	if err != nil {
		return err
	}
	add, remove := diffLabels(current.LabelIds, want)
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}
	_, err = svc.Users.Messages.Modify(user, id, &gmail.ModifyMessageRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}).Context(ctx).Do()
	return classify("modify message", err)
}

// Delete moves the message to the trash.
func (m *Messages) Delete(ctx context.Context, acct *model.Account, id string) error {
	svc, err := m.service(ctx, acct)
	if err != nil {
		return err
	}
	_, err = svc.Users.Messages.Trash(user, id).Context(ctx).Do()
	return classify("trash message", err)
}

func (m *Messages) Count(ctx context.Context, acct *model.Account) (int64, error) {
	svc, err := m.service(ctx, acct)
	if err != nil {
		return 0, err
	}
	profile, err := svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return 0, classify("profile", err)
	}
	return profile.MessagesTotal, nil
}

func (m *Messages) Stats(ctx context.Context, acct *model.Account) (*model.MessageStats, error) {
	svc, err := m.service(ctx, acct)
	if err != nil {
		return nil, err
	}
	profile, err := svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return nil, classify("profile", err)
	}
	unread, err := svc.Users.Labels.Get(user, labelUnread).Context(ctx).Do()
	if err != nil {
		return nil, classify("unread label", err)
	}
	drafts, err := svc.Users.Labels.Get(user, labelDraft).Context(ctx).Do()
	if err != nil {
		return nil, classify("draft label", err)
	}
	return &model.MessageStats{
		Total:  profile.MessagesTotal,
		Unread: unread.MessagesTotal,
		Drafts: drafts.MessagesTotal,
	}, nil
}

// IncrementalChanges replays the mailbox history since syncToken. Gmail
// answers 404 once the history id is too old; that becomes TokenExpired.
func (m *Messages) IncrementalChanges(ctx context.Context, acct *model.Account, syncToken string) (*connector.Changes[*model.Message], error) {
	svc, err := m.service(ctx, acct)
	if err != nil {
		return nil, err
	}

	if syncToken == "" {
		profile, err := svc.Users.GetProfile(user).Context(ctx).Do()
		if err != nil {
			return nil, classify("profile", err)
		}
		return &connector.Changes[*model.Message]{NewSyncToken: strconv.FormatUint(profile.HistoryId, 10)}, nil
	}

	start, err := strconv.ParseUint(syncToken, 10, 64)
	if err != nil {
		return nil, connector.Errorf(connector.KindTokenExpired, "history", "invalid history id %q", syncToken)
	}

	var (
		added, modified, deleted = newIDSet(), newIDSet(), newIDSet()
		latest                   = start
	)
	err = svc.Users.History.List(user).
		StartHistoryId(start).
		HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved").
		MaxResults(500).
		Pages(ctx, func(page *gmail.ListHistoryResponse) error {
			if page.HistoryId > latest {
				latest = page.HistoryId
			}
			for _, h := range page.History {
				for _, r := range h.MessagesAdded {
					added.add(r.Message.Id)
				}
				for _, r := range h.LabelsAdded {
					modified.add(r.Message.Id)
				}
				for _, r := range h.LabelsRemoved {
					modified.add(r.Message.Id)
				}
				for _, r := range h.MessagesDeleted {
					deleted.add(r.Message.Id)
				}
			}
			return nil
		})
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, connector.E(connector.KindTokenExpired, "history", err)
		}
		return nil, classify("history", err)
	}

	names, err := labelNames(ctx, svc)
	if err != nil {
		return nil, err
	}
	changes := &connector.Changes[*model.Message]{
		NewSyncToken: strconv.FormatUint(latest, 10),
		DeletedIDs:   deleted.ids,
	}
	collect := func(ids []string, into *[]*model.Message) error {
		for _, id := range ids {
			if deleted.has(id) {
				continue
			}
			msg, err := fetch(ctx, svc, id, names)
			if connector.IsKind(err, connector.KindNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			*into = append(*into, msg)
		}
		return nil
	}
	if err := collect(added.ids, &changes.Added); err != nil {
		return nil, err
	}
	var touched []string
	for _, id := range modified.ids {
		if !added.has(id) {
			touched = append(touched, id)
		}
	}
	if err := collect(touched, &changes.Modified); err != nil {
		return nil, err
	}
	return changes, nil
}

// fetch reads one message in raw form and decodes it. names maps label ids
// to display names for user labels.
func fetch(ctx context.Context, svc *gmail.Service, id string, names map[string]string) (*model.Message, error) {
	gm, err := svc.Users.Messages.Get(user, id).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, classify("get message", err)
	}
	raw, err := decodeBase64(gm.Raw)
	if err != nil {
		return nil, connector.E(connector.KindPermanent, "decode message", err)
	}
	msg, err := rfc822.Decode(raw)
	if err != nil {
		return nil, connector.E(connector.KindPermanent, "decode message", err)
	}
	applyMetadata(msg, gm, names)
	return msg, nil
}

// applyMetadata copies the Gmail side of a message (ids, flags, labels,
// internal date) onto the decoded MIME content.
func applyMetadata(msg *model.Message, gm *gmail.Message, names map[string]string) {
	msg.ID = gm.Id
	msg.ThreadID = gm.ThreadId
	if gm.InternalDate > 0 {
		msg.ReceivedAt = time.UnixMilli(gm.InternalDate).UTC()
	}
	if gm.SizeEstimate > 0 {
		msg.SizeBytes = gm.SizeEstimate
	}
	msg.Read = true
	msg.Labels = nil
	for _, id := range gm.LabelIds {
		switch id {
		case labelUnread:
			msg.Read = false
			continue
		case labelStarred:
			msg.Starred = true
		case labelDraft:
			msg.Draft = true
		}
		if name, ok := names[id]; ok {
			id = name
		}
		msg.Labels = append(msg.Labels, id)
	}
}

// labelNames maps user label ids to their names. System labels are their
// own names and are not listed.
func labelNames(ctx context.Context, svc *gmail.Service) (map[string]string, error) {
	resp, err := svc.Users.Labels.List(user).Context(ctx).Do()
	if err != nil {
		return nil, classify("list labels", err)
	}
	names := make(map[string]string, len(resp.Labels))
	for _, l := range resp.Labels {
		if l.Type == "user" {
			names[l.Id] = l.Name
		}
	}
	return names, nil
}

// resolveLabels turns the labels and flags of msg into Gmail label ids,
// creating user labels that do not exist yet.
func resolveLabels(ctx context.Context, svc *gmail.Service, msg *model.Message) ([]string, error) {
	resp, err := svc.Users.Labels.List(user).Context(ctx).Do()
	if err != nil {
		return nil, classify("list labels", err)
	}
	byName := make(map[string]string, len(resp.Labels))
	for _, l := range resp.Labels {
		byName[l.Name] = l.Id
	}

	ids := newIDSet()
	for _, name := range msg.Labels {
		switch name {
		case "", labelAllMail, labelUnread, labelDraft:
			continue
		}
		if id, ok := byName[name]; ok {
			ids.add(id)
			continue
		}
		created, err := svc.Users.Labels.Create(user, &gmail.Label{
			Name:                  name,
			LabelListVisibility:   "labelShow",
			MessageListVisibility: "show",
		}).Context(ctx).Do()
		if err != nil {
			return nil, classify("create label", err)
		}
		byName[name] = created.Id
		ids.add(created.Id)
	}
	if !msg.Read {
		ids.add(labelUnread)
	}
	if msg.Starred {
		ids.add(labelStarred)
	}
	return ids.ids, nil
}

// diffLabels returns the label ids to add and remove to turn have into
// want. DRAFT cannot be changed and is left alone.
func diffLabels(have, want []string) (add, remove []string) {
	h, w := newIDSet(), newIDSet()
	for _, id := range have {
		h.add(id)
	}
	for _, id := range want {
		w.add(id)
	}
	for _, id := range w.ids {
		if !h.has(id) {
			add = append(add, id)
		}
	}
	for _, id := range h.ids {
		if !w.has(id) && id != labelDraft {
			remove = append(remove, id)
		}
	}
	return add, remove
}

func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// idSet keeps insertion order.
type idSet struct {
	ids  []string
	seen map[string]struct{}
}

func newIDSet() *idSet { return &idSet{seen: make(map[string]struct{})} }

func (s *idSet) add(id string) {
	if _, ok := s.seen[id]; ok || id == "" {
		return
	}
	s.seen[id] = struct{}{}
	s.ids = append(s.ids, id)
}

func (s *idSet) has(id string) bool {
	_, ok := s.seen[id]
	return ok
}
