// Package imap implements the message connector for plain IMAP mailboxes.
// Item ids are "uidvalidity:uid:mailbox"; the incremental cursor records
// UIDVALIDITY and UIDNEXT per mailbox.
package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/Martian-dev/mailmove/internal/auth"
	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/model"
	"github.com/Martian-dev/mailmove/internal/rfc822"
)

// Credentials resolves the password (or app password) of an account.
type Credentials interface {
	Credentials(ctx context.Context, acct *model.Account) (*auth.Credentials, error)
}

// Config tunes connections.
type Config struct {
	Timeout time.Duration
	// Plaintext skips TLS entirely. Only meant for local servers.
	Plaintext bool
}

// Messages is the IMAP message connector. Every call opens its own
// session.
type Messages struct {
	creds  Credentials
	cfg    Config
	logger *slog.Logger
}

var (
	_ connector.MessageConnector = (*Messages)(nil)
	_ connector.StatsProvider    = (*Messages)(nil)
)

// New creates the connector.
func New(creds Credentials, cfg Config, logger *slog.Logger) *Messages {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Messages{creds: creds, cfg: cfg, logger: logger}
}

// Set returns the connectors to register for model.ProviderIMAP.
func (m *Messages) Set() connector.Set {
	return connector.Set{Messages: m}
}

// session dials, logs in, runs fn and logs out. Cancelling ctx terminates
// the connection.
func (m *Messages) session(ctx context.Context, acct *model.Account, op string, fn func(c *client.Client) error) error {
	if err := ctx.Err(); err != nil {
		return connector.E(connector.KindPermanent, op, err)
	}
	creds, err := m.creds.Credentials(ctx, acct)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(acct.Host, strconv.Itoa(acct.Port))
	var c *client.Client
	switch {
	case m.cfg.Plaintext:
		c, err = client.Dial(addr)
	case acct.Port == 143:
		c, err = client.Dial(addr)
		if err == nil {
			err = c.StartTLS(&tls.Config{ServerName: acct.Host})
		}
	default:
		c, err = client.DialTLS(addr, &tls.Config{ServerName: acct.Host})
	}
	if err != nil {
		return connector.E(connector.KindTransient, op, fmt.Errorf("connect %s: %w", addr, err))
	}
	c.Timeout = m.cfg.Timeout
	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	defer func() {
		stop()
		if err := c.Logout(); err != nil && ctx.Err() == nil {
			m.logger.Debug("imap logout failed", "account_id", acct.ID, "error", err)
		}
	}()

	if err := c.Login(acct.Login(), creds.Secret); err != nil {
		return connector.E(connector.KindAuthExpired, op, fmt.Errorf("login: %w", err))
	}
	if err := fn(c); err != nil {
		if ctx.Err() != nil {
			return connector.E(connector.KindPermanent, op, ctx.Err())
		}
		return classify(op, err)
	}
	return nil
}

// classify leaves connector errors alone, treats protocol NO/BAD answers as
// permanent and everything else (timeouts, resets) as transient.
func classify(op string, err error) error {
	var ce *connector.Error
	if errors.As(err, &ce) {
		return err
	}
	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, io.EOF) {
		return connector.E(connector.KindTransient, op, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") {
		return connector.E(connector.KindTransient, op, err)
	}
	return connector.E(connector.KindPermanent, op, err)
}

// mailbox is a selectable folder and its canonical name.
type mailbox struct {
	name   string
	folder string
}

// special-use attributes (RFC 6154) mapped to canonical folder names.
var specialUse = map[string]string{
	goimap.SentAttr:    "SentItems",
	goimap.DraftsAttr:  "Drafts",
	goimap.TrashAttr:   "DeletedItems",
	goimap.JunkAttr:    "JunkEmail",
	goimap.ArchiveAttr: "Archive",
}

// mailboxes lists selectable mailboxes sorted by name. Virtual views
// (\All, \Flagged) are skipped since their messages live elsewhere too.
func mailboxes(c *client.Client) ([]mailbox, error) {
	ch := make(chan *goimap.MailboxInfo, 16)
	done := make(chan error, 1)
	go func() { done <- c.List("", "*", ch) }()

	var out []mailbox
	for info := range ch {
		if skipMailbox(info.Attributes) {
			continue
		}
		out = append(out, mailbox{name: info.Name, folder: folderName(info)})
	}
	if err := <-done; err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

func skipMailbox(attrs []string) bool {
	for _, a := range attrs {
		switch a {
		case goimap.NoSelectAttr, goimap.AllAttr, goimap.FlaggedAttr:
			return true
		}
	}
	return false
}

func folderName(info *goimap.MailboxInfo) string {
	if strings.EqualFold(info.Name, "INBOX") {
		return "Inbox"
	}
	for _, a := range info.Attributes {
		if f, ok := specialUse[a]; ok {
			return f
		}
	}
	return info.Name
}

// itemID encodes a message address.
func itemID(validity, uid uint32, mbox string) string {
	return fmt.Sprintf("%d:%d:%s", validity, uid, mbox)
}

func parseItemID(id string) (validity, uid uint32, mbox string, err error) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) != 3 {
		return 0, 0, "", connector.Errorf(connector.KindNotFound, "parse id", "malformed message id %q", id)
	}
	v, err1 := strconv.ParseUint(parts[0], 10, 32)
	u, err2 := strconv.ParseUint(parts[1], 10, 32)
	if err1 != nil || err2 != nil {
		return 0, 0, "", connector.Errorf(connector.KindNotFound, "parse id", "malformed message id %q", id)
	}
	return uint32(v), uint32(u), parts[2], nil
}

// pageToken is "lastUID:mailbox": continue in mailbox after lastUID.
func parsePageToken(tok string) (after uint32, mbox string, err error) {
	if tok == "" {
		return 0, "", nil
	}
	n, name, ok := strings.Cut(tok, ":")
	u, perr := strconv.ParseUint(n, 10, 32)
	if !ok || perr != nil {
		return 0, "", connector.Errorf(connector.KindPermanent, "list messages", "malformed page token %q", tok)
	}
	return uint32(u), name, nil
}

// cursor is UIDVALIDITY and UIDNEXT of one mailbox.
type cursor struct {
	Validity uint32 `json:"v"`
	Next     uint32 `json:"n"`
}

func (c cursor) String() string { return fmt.Sprintf("%d:%d", c.Validity, c.Next) }

func encodeState(state map[string]cursor) (string, error) {
	b, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeState(tok string) (map[string]cursor, error) {
	state := map[string]cursor{}
	if err := json.Unmarshal([]byte(tok), &state); err != nil {
		return nil, connector.Errorf(connector.KindTokenExpired, "changes", "unreadable sync state: %v", err)
	}
	return state, nil
}

func snapshot(c *client.Client, boxes []mailbox) (map[string]cursor, error) {
	state := make(map[string]cursor, len(boxes))
	for _, b := range boxes {
		st, err := c.Status(b.name, []goimap.StatusItem{goimap.StatusUidValidity, goimap.StatusUidNext})
		if err != nil {
			return nil, fmt.Errorf("status %s: %w", b.name, err)
		}
		state[b.name] = cursor{Validity: st.UidValidity, Next: st.UidNext}
	}
	return state, nil
}

var fetchSection = &goimap.BodySectionName{Peek: true}

// fetch reads the given UIDs of the selected mailbox.
func fetch(c *client.Client, mb mailbox, validity uint32, uids []uint32) ([]*model.Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	set := new(goimap.SeqSet)
	set.AddNum(uids...)
	items := []goimap.FetchItem{goimap.FetchUid, goimap.FetchFlags, goimap.FetchInternalDate, goimap.FetchRFC822Size, fetchSection.FetchItem()}

	ch := make(chan *goimap.Message, len(uids))
	done := make(chan error, 1)
	go func() { done <- c.UidFetch(set, items, ch) }()

	byUID := make(map[uint32]*model.Message, len(uids))
	var decodeErr error
	for im := range ch {
		msg, err := decode(im, mb, validity)
		if err != nil {
			if decodeErr == nil {
				decodeErr = err
			}
			continue
		}
		byUID[im.Uid] = msg
	}
	if err := <-done; err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, connector.E(connector.KindPermanent, "decode message", decodeErr)
	}
	out := make([]*model.Message, 0, len(byUID))
	for _, uid := range uids {
		if msg, ok := byUID[uid]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func decode(im *goimap.Message, mb mailbox, validity uint32) (*model.Message, error) {
	body := im.GetBody(fetchSection)
	if body == nil {
		return nil, fmt.Errorf("uid %d: server returned no body", im.Uid)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	msg, err := rfc822.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("uid %d: %w", im.Uid, err)
	}
	msg.ID = itemID(validity, im.Uid, mb.name)
	msg.ReceivedAt = im.InternalDate
	if im.Size > 0 {
		msg.SizeBytes = int64(im.Size)
	}
	msg.Labels = []string{mb.folder}
	for _, f := range im.Flags {
		switch f {
		case goimap.SeenFlag:
			msg.Read = true
		case goimap.FlaggedFlag:
			msg.Starred = true
		case goimap.DraftFlag:
			msg.Draft = true
		}
	}
	return msg, nil
}

// flags returns the IMAP flags for the state of msg.
func flags(msg *model.Message) []interface{} {
	out := []interface{}{}
	if msg.Read {
		out = append(out, goimap.SeenFlag)
	}
	if msg.Starred {
		out = append(out, goimap.FlaggedFlag)
	}
	if msg.Draft {
		out = append(out, goimap.DraftFlag)
	}
	return out
}

func literal(raw []byte) goimap.Literal {
	return bytes.NewBuffer(raw)
}
