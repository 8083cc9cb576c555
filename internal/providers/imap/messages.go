package imap

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/model"
	"github.com/Martian-dev/mailmove/internal/rfc822"
)

// ListPage walks mailboxes in name order and each mailbox in UID order.
// The first page also carries the sync state of every mailbox.
func (m *Messages) ListPage(ctx context.Context, acct *model.Account, pageToken string, maxResults int) (*connector.Page[*model.Message], error) {
	const op = "imap list messages"
	after, start, err := parsePageToken(pageToken)
	if err != nil {
		return nil, err
	}
	if maxResults <= 0 {
		maxResults = 50
	}

	page := &connector.Page[*model.Message]{}
	err = m.session(ctx, acct, op, func(c *client.Client) error {
		boxes, err := mailboxes(c)
		if err != nil {
			return err
		}
		if pageToken == "" {
			state, err := snapshot(c, boxes)
			if err != nil {
				return err
			}
			if page.SyncToken, err = encodeState(state); err != nil {
				return err
			}
			for _, b := range boxes {
				st, err := c.Status(b.name, []goimap.StatusItem{goimap.StatusMessages})
				if err != nil {
					return err
				}
				page.TotalEstimate += int64(st.Messages)
			}
		}

		i := 0
		if start != "" {
			i = sort.Search(len(boxes), func(k int) bool { return boxes[k].name >= start })
			if i < len(boxes) && boxes[i].name != start {
				after = 0
			}
		}
		for ; i < len(boxes); i, after = i+1, 0 {
			mb := boxes[i]
			status, err := c.Select(mb.name, true)
			if err != nil {
				return fmt.Errorf("select %s: %w", mb.name, err)
			}
			uids, err := uidsAfter(c, after)
			if err != nil {
				return err
			}
			if len(uids) == 0 {
				continue
			}
			more := len(uids) > maxResults
			if more {
				uids = uids[:maxResults]
			}
			items, err := fetch(c, mb, status.UidValidity, uids)
			if err != nil {
				return err
			}
			page.Items = items
			switch {
			case more:
				page.NextPageToken = fmt.Sprintf("%d:%s", uids[len(uids)-1], mb.name)
			case i+1 < len(boxes):
				page.NextPageToken = "0:" + boxes[i+1].name
			}
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// uidsAfter returns the UIDs of the selected mailbox greater than after,
// ascending. "n:*" always matches the highest UID, hence the filter.
func uidsAfter(c *client.Client, after uint32) ([]uint32, error) {
	crit := goimap.NewSearchCriteria()
	crit.Uid = new(goimap.SeqSet)
	crit.Uid.AddRange(after+1, 0)
	uids, err := c.UidSearch(crit)
	if err != nil {
		return nil, err
	}
	out := uids[:0]
	for _, u := range uids {
		if u > after {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Messages) Get(ctx context.Context, acct *model.Account, id string) (*model.Message, error) {
	const op = "imap get message"
	validity, uid, name, err := parseItemID(id)
	if err != nil {
		return nil, err
	}
	var msg *model.Message
	err = m.session(ctx, acct, op, func(c *client.Client) error {
		mb, status, err := selectByName(c, name, true)
		if err != nil {
			return err
		}
		if status.UidValidity != validity {
			return connector.Errorf(connector.KindNotFound, op, "mailbox %s was rebuilt", name)
		}
		items, err := fetch(c, mb, validity, []uint32{uid})
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return connector.Errorf(connector.KindNotFound, op, "message %s not found", id)
		}
		msg = items[0]
		return nil
	})
	return msg, err
}

// selectByName selects a mailbox and resolves its canonical folder name.
func selectByName(c *client.Client, name string, readOnly bool) (mailbox, *goimap.MailboxStatus, error) {
	boxes, err := mailboxes(c)
	if err != nil {
		return mailbox{}, nil, err
	}
	mb := mailbox{name: name, folder: name}
	for _, b := range boxes {
		if b.name == name {
			mb = b
			break
		}
	}
	status, err := c.Select(name, readOnly)
	if err != nil {
		return mailbox{}, nil, connector.E(connector.KindNotFound, "select", err)
	}
	return mb, status, nil
}

// Create appends the message to the mailbox matching its first label,
// creating custom mailboxes on demand.
func (m *Messages) Create(ctx context.Context, acct *model.Account, msg *model.Message) (string, error) {
	const op = "imap create message"
	raw, err := rfc822.Encode(msg)
	if err != nil {
		return "", connector.E(connector.KindPermanent, op, err)
	}
	var id string
	err = m.session(ctx, acct, op, func(c *client.Client) error {
		boxes, err := mailboxes(c)
		if err != nil {
			return err
		}
		name, err := targetMailbox(c, boxes, msg)
		if err != nil {
			return err
		}
		before, err := c.Status(name, []goimap.StatusItem{goimap.StatusUidNext, goimap.StatusUidValidity})
		if err != nil {
			return err
		}
		date := msg.ReceivedAt
		if date.IsZero() {
			date = msg.SentAt
		}
		if date.IsZero() {
			date = time.Now()
		}
		if err := c.Append(name, stringFlags(flags(msg)), date, literal(raw)); err != nil {
			return err
		}

		if _, err := c.Select(name, true); err != nil {
			return err
		}
		var after uint32
		if before.UidNext > 0 {
			after = before.UidNext - 1
		}
		uids, err := uidsAfter(c, after)
		if err != nil {
			return err
		}
		if len(uids) == 0 {
			return connector.Errorf(connector.KindTransient, op, "appended message not visible in %s", name)
		}
		id = itemID(before.UidValidity, uids[len(uids)-1], name)
		return nil
	})
	return id, err
}

// targetMailbox picks the mailbox for msg. Canonical folder names resolve
// through special-use attributes; anything else is created if missing.
func targetMailbox(c *client.Client, boxes []mailbox, msg *model.Message) (string, error) {
	folder := "Inbox"
	if msg.Draft {
		folder = "Drafts"
	}
	if len(msg.Labels) > 0 {
		folder = msg.Labels[0]
	}
	if strings.EqualFold(folder, "inbox") {
		return "INBOX", nil
	}
	for _, b := range boxes {
		if b.folder == folder || b.name == folder {
			return b.name, nil
		}
	}
	name := folder
	if fallback, ok := fallbackNames[folder]; ok {
		name = fallback
		for _, b := range boxes {
			if strings.EqualFold(b.name, name) {
				return b.name, nil
			}
		}
	}
	if err := c.Create(name); err != nil {
		return "", fmt.Errorf("create mailbox %s: %w", name, err)
	}
	return name, nil
}

// fallbackNames are used when the server does not advertise special-use
// mailboxes.
var fallbackNames = map[string]string{
	"SentItems":    "Sent",
	"DeletedItems": "Trash",
	"JunkEmail":    "Junk",
}

func stringFlags(in []interface{}) []string {
	out := make([]string, 0, len(in))
	for _, f := range in {
		out = append(out, f.(string))
	}
	return out
}

// Update replaces the flags of a message and moves it when its first label
// names another mailbox.
func (m *Messages) Update(ctx context.Context, acct *model.Account, id string, msg *model.Message) error {
	const op = "imap update message"
	validity, uid, name, err := parseItemID(id)
	if err != nil {
		return err
	}
	return m.session(ctx, acct, op, func(c *client.Client) error {
		_, status, err := selectByName(c, name, false)
		if err != nil {
			return err
		}
		if status.UidValidity != validity {
			return connector.Errorf(connector.KindNotFound, op, "mailbox %s was rebuilt", name)
		}
		set := new(goimap.SeqSet)
		set.AddNum(uid)
		item := goimap.FormatFlagsOp(goimap.SetFlags, true)
		if err := c.UidStore(set, item, flags(msg), nil); err != nil {
			return err
		}
		if len(msg.Labels) == 0 {
			return nil
		}
		boxes, err := mailboxes(c)
		if err != nil {
			return err
		}
		dest, err := targetMailbox(c, boxes, msg)
		if err != nil || dest == name {
			return err
		}
		return c.UidMove(set, dest)
	})
}

// Delete flags the message deleted and expunges it.
func (m *Messages) Delete(ctx context.Context, acct *model.Account, id string) error {
	const op = "imap delete message"
	validity, uid, name, err := parseItemID(id)
	if err != nil {
		return err
	}
	return m.session(ctx, acct, op, func(c *client.Client) error {
		_, status, err := selectByName(c, name, false)
		if err != nil {
			return err
		}
		if status.UidValidity != validity {
			return connector.Errorf(connector.KindNotFound, op, "mailbox %s was rebuilt", name)
		}
		set := new(goimap.SeqSet)
		set.AddNum(uid)
		item := goimap.FormatFlagsOp(goimap.AddFlags, true)
		if err := c.UidStore(set, item, []interface{}{goimap.DeletedFlag}, nil); err != nil {
			return err
		}
		return c.Expunge(nil)
	})
}

func (m *Messages) Count(ctx context.Context, acct *model.Account) (int64, error) {
	stats, err := m.Stats(ctx, acct)
	if err != nil {
		return 0, err
	}
	return stats.Total, nil
}

// Stats sums STATUS over all mailboxes. Drafts are the messages of the
// Drafts mailbox.
func (m *Messages) Stats(ctx context.Context, acct *model.Account) (*model.MessageStats, error) {
	const op = "imap stats"
	stats := &model.MessageStats{}
	err := m.session(ctx, acct, op, func(c *client.Client) error {
		boxes, err := mailboxes(c)
		if err != nil {
			return err
		}
		for _, b := range boxes {
			st, err := c.Status(b.name, []goimap.StatusItem{goimap.StatusMessages, goimap.StatusUnseen})
			if err != nil {
				return fmt.Errorf("status %s: %w", b.name, err)
			}
			stats.Total += int64(st.Messages)
			stats.Unread += int64(st.Unseen)
			if b.folder == "Drafts" {
				stats.Drafts += int64(st.Messages)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// IncrementalChanges reports messages appended since the cursor. A changed
// UIDVALIDITY invalidates the whole cursor. Flag changes and expunges are
// not visible without CONDSTORE and are not reported.
func (m *Messages) IncrementalChanges(ctx context.Context, acct *model.Account, syncToken string) (*connector.Changes[*model.Message], error) {
	const op = "imap changes"
	var prev map[string]cursor
	if syncToken != "" {
		var err error
		if prev, err = decodeState(syncToken); err != nil {
			return nil, err
		}
	}

	changes := &connector.Changes[*model.Message]{}
	err := m.session(ctx, acct, op, func(c *client.Client) error {
		boxes, err := mailboxes(c)
		if err != nil {
			return err
		}
		state, err := snapshot(c, boxes)
		if err != nil {
			return err
		}
		if changes.NewSyncToken, err = encodeState(state); err != nil {
			return err
		}
		if prev == nil {
			return nil
		}
		for _, b := range boxes {
			now := state[b.name]
			was, known := prev[b.name]
			if known && was.Validity != now.Validity {
				return connector.Errorf(connector.KindTokenExpired, op, "uidvalidity of %s changed from %s to %s", b.name, was, now)
			}
			if known && was.Next >= now.Next {
				continue
			}
			if _, err := c.Select(b.name, true); err != nil {
				return err
			}
			var after uint32
			if known && was.Next > 0 {
				after = was.Next - 1
			}
			uids, err := uidsAfter(c, after)
			if err != nil {
				return err
			}
			items, err := fetch(c, b, now.Validity, uids)
			if err != nil {
				return err
			}
			changes.Added = append(changes.Added, items...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}
