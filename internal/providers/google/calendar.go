package google

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/model"
)

const (
	primaryCalendar = "primary"
	dateLayout      = "2006-01-02"
)

// Events is the Google Calendar connector. Listing, counting and changes
// walk every calendar the account owns, primary first and the rest by id.
// Events outside the primary calendar carry "calendarID/eventID" as their
// id. Writes without such a prefix go to the primary calendar, which is
// where a migration creates events. The incremental cursor maps calendar
// ids to Calendar sync tokens.
type Events struct {
	c *Client
}

var (
	_ connector.EventConnector = (*Events)(nil)
	_ connector.CalendarLister = (*Events)(nil)
)

func (e *Events) service(ctx context.Context, acct *model.Account) (*calendar.Service, error) {
	svc, err := calendar.NewService(ctx, e.c.options(ctx, acct)...)
	if err != nil {
		return nil, connector.E(connector.KindPermanent, "calendar", fmt.Errorf("create Calendar service: %w", err))
	}
	return svc, nil
}

// eventRef is the connector id of event id in calendar cal.
func eventRef(cal, id string) string {
	if cal == primaryCalendar {
		return id
	}
	return cal + "/" + id
}

func splitEventRef(ref string) (cal, id string) {
	if cal, id, ok := strings.Cut(ref, "/"); ok {
		return cal, id
	}
	return primaryCalendar, ref
}

// calendarPage is the page token of a walk over several calendars. Sync
// collects the tokens of the calendars already listed so that the last
// page can hand out a cursor for all of them.
type calendarPage struct {
	Calendar string            `json:"c"`
	Page     string            `json:"p,omitempty"`
	Sync     map[string]string `json:"s,omitempty"`
}

func encodeJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// ownedCalendars returns the calendars the account owns. Subscribed and
// shared calendars belong to someone else and are not migrated.
func ownedCalendars(ctx context.Context, svc *calendar.Service) ([]*calendar.CalendarListEntry, error) {
	var out []*calendar.CalendarListEntry
	err := svc.CalendarList.List().MinAccessRole("owner").Pages(ctx, func(resp *calendar.CalendarList) error {
		for _, c := range resp.Items {
			if !c.Deleted {
				out = append(out, c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify("list calendars", err)
	}
	return out, nil
}

// sourceCalendars returns the walk order of calendar ids.
func sourceCalendars(ctx context.Context, svc *calendar.Service) ([]string, error) {
	entries, err := ownedCalendars(ctx, svc)
	if err != nil {
		return nil, err
	}
	ids := []string{primaryCalendar}
	var others []string
	for _, c := range entries {
		if !c.Primary {
			others = append(others, c.Id)
		}
	}
	sort.Strings(others)
	return append(ids, others...), nil
}

// resumeAt returns the index of cal in ids. A calendar deleted since the
// token was issued resumes at the next one in walk order.
func resumeAt(ids []string, cal string) (int, bool) {
	for i, id := range ids {
		if id == cal {
			return i, true
		}
	}
	for i, id := range ids {
		if id != primaryCalendar && id > cal {
			return i, false
		}
	}
	return len(ids), false
}

func (e *Events) ListPage(ctx context.Context, acct *model.Account, pageToken string, maxResults int) (*connector.Page[*model.Event], error) {
	svc, err := e.service(ctx, acct)
	if err != nil {
		return nil, err
	}
	cals, err := sourceCalendars(ctx, svc)
	if err != nil {
		return nil, err
	}

	cur := calendarPage{Calendar: primaryCalendar}
	if pageToken != "" {
		if err := json.Unmarshal([]byte(pageToken), &cur); err != nil {
			return nil, connector.E(connector.KindPermanent, "list events", fmt.Errorf("bad page token: %w", err))
		}
	}
	i, found := resumeAt(cals, cur.Calendar)
	if !found {
		cur.Page = ""
	}
	if cur.Sync == nil {
		cur.Sync = make(map[string]string)
	}

	page := &connector.Page[*model.Event]{}
	if i == len(cals) {
		page.SyncToken = encodeJSON(cur.Sync)
		return page, nil
	}
	cal := cals[i]

	call := svc.Events.List(cal).MaxResults(int64(maxResults)).Context(ctx)
	if cur.Page != "" {
		call = call.PageToken(cur.Page)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, classify("list events", err)
	}
	for _, ev := range resp.Items {
		if ev.Status == "cancelled" {
			continue
		}
		page.Items = append(page.Items, fromEvent(ev, cal))
	}

	switch {
	case resp.NextPageToken != "":
		page.NextPageToken = encodeJSON(calendarPage{Calendar: cal, Page: resp.NextPageToken, Sync: cur.Sync})
	case i+1 < len(cals):
		if resp.NextSyncToken != "" {
			cur.Sync[cal] = resp.NextSyncToken
		}
		page.NextPageToken = encodeJSON(calendarPage{Calendar: cals[i+1], Sync: cur.Sync})
	default:
		if resp.NextSyncToken != "" {
			cur.Sync[cal] = resp.NextSyncToken
		}
		page.SyncToken = encodeJSON(cur.Sync)
	}
	return page, nil
}

func (e *Events) Get(ctx context.Context, acct *model.Account, id string) (*model.Event, error) {
	svc, err := e.service(ctx, acct)
	if err != nil {
		return nil, err
	}
	cal, eventID := splitEventRef(id)
	ev, err := svc.Events.Get(cal, eventID).Context(ctx).Do()
	if err != nil {
		return nil, classify("get event", err)
	}
	return fromEvent(ev, cal), nil
}

// Create imports the event when it carries an iCalendar UID so the UID
// survives the move; plain inserts are used otherwise.
func (e *Events) Create(ctx context.Context, acct *model.Account, ev *model.Event) (string, error) {
	svc, err := e.service(ctx, acct)
	if err != nil {
		return "", err
	}
	body := toEvent(ev)
	var created *calendar.Event
	if body.ICalUID != "" {
		created, err = svc.Events.Import(primaryCalendar, body).Context(ctx).Do()
	} else {
		created, err = svc.Events.Insert(primaryCalendar, body).SendUpdates("none").Context(ctx).Do()
	}
	if err != nil {
		return "", classify("create event", err)
	}
	return created.Id, nil
}

func (e *Events) Update(ctx context.Context, acct *model.Account, id string, ev *model.Event) error {
	svc, err := e.service(ctx, acct)
	if err != nil {
		return err
	}
	cal, eventID := splitEventRef(id)
	_, err = svc.Events.Update(cal, eventID, toEvent(ev)).SendUpdates("none").Context(ctx).Do()
	return classify("update event", err)
}

func (e *Events) Delete(ctx context.Context, acct *model.Account, id string) error {
	svc, err := e.service(ctx, acct)
	if err != nil {
		return err
	}
	cal, eventID := splitEventRef(id)
	err = svc.Events.Delete(cal, eventID).SendUpdates("none").Context(ctx).Do()
	return classify("delete event", err)
}

// Count pages through event ids of every owned calendar; Calendar has no
// cheap total.
func (e *Events) Count(ctx context.Context, acct *model.Account) (int64, error) {
	svc, err := e.service(ctx, acct)
	if err != nil {
		return 0, err
	}
	cals, err := sourceCalendars(ctx, svc)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, cal := range cals {
		err = svc.Events.List(cal).
			MaxResults(2500).
			Fields("items(id,status)", "nextPageToken").
			Pages(ctx, func(resp *calendar.Events) error {
				for _, ev := range resp.Items {
					if ev.Status != "cancelled" {
						n++
					}
				}
				return nil
			})
		if err != nil {
			return 0, classify("count events", err)
		}
	}
	return n, nil
}

// IncrementalChanges lists events changed since syncToken in every owned
// calendar. Cancelled events are deletions. A calendar created after the
// cursor was issued is listed in full and reports no deletions. Calendar
// answers 410 for an expired token.
func (e *Events) IncrementalChanges(ctx context.Context, acct *model.Account, syncToken string) (*connector.Changes[*model.Event], error) {
	svc, err := e.service(ctx, acct)
	if err != nil {
		return nil, err
	}
	cals, err := sourceCalendars(ctx, svc)
	if err != nil {
		return nil, err
	}

	prev := map[string]string{}
	if syncToken != "" {
		if err := json.Unmarshal([]byte(syncToken), &prev); err != nil {
			return nil, connector.E(connector.KindTokenExpired, "event changes", fmt.Errorf("unreadable sync token: %w", err))
		}
	}

	changes := &connector.Changes[*model.Event]{}
	next := make(map[string]string, len(cals))
	for _, cal := range cals {
		call := svc.Events.List(cal).MaxResults(2500)
		tok, known := prev[cal]
		switch {
		case syncToken == "":
			call = call.Fields("nextPageToken", "nextSyncToken")
		case known:
			call = call.SyncToken(tok).ShowDeleted(true)
		}
		err := call.Pages(ctx, func(resp *calendar.Events) error {
			if resp.NextSyncToken != "" {
				next[cal] = resp.NextSyncToken
			}
			for _, ev := range resp.Items {
				if ev.Status == "cancelled" {
					if known {
						changes.DeletedIDs = append(changes.DeletedIDs, eventRef(cal, ev.Id))
					}
					continue
				}
				changes.Modified = append(changes.Modified, fromEvent(ev, cal))
			}
			return nil
		})
		if err != nil {
			return nil, classify("event changes", err)
		}
	}
	changes.NewSyncToken = encodeJSON(next)
	return changes, nil
}

// ListCalendars returns the calendars a migration reads.
func (e *Events) ListCalendars(ctx context.Context, acct *model.Account) ([]model.Calendar, error) {
	svc, err := e.service(ctx, acct)
	if err != nil {
		return nil, err
	}
	entries, err := ownedCalendars(ctx, svc)
	if err != nil {
		return nil, err
	}
	out := make([]model.Calendar, 0, len(entries))
	for _, c := range entries {
		out = append(out, model.Calendar{ID: c.Id, Name: c.Summary, Primary: c.Primary})
	}
	return out, nil
}

func fromEvent(ev *calendar.Event, calendarID string) *model.Event {
	out := &model.Event{
		ID:               eventRef(calendarID, ev.Id),
		ICalUID:          ev.ICalUID,
		CalendarID:       calendarID,
		Subject:          ev.Summary,
		Description:      ev.Description,
		Location:         ev.Location,
		Status:           ev.Status,
		Visibility:       ev.Visibility,
		Cancelled:        ev.Status == "cancelled",
		OnlineMeetingURL: ev.HangoutLink,
	}
	out.Start, out.AllDay, out.TimeZone = fromDateTime(ev.Start)
	out.End, _, _ = fromDateTime(ev.End)
	if ev.Organizer != nil {
		out.Organizer = ev.Organizer.Email
	}
	for _, a := range ev.Attendees {
		out.Attendees = append(out.Attendees, model.Attendee{
			Email:          a.Email,
			DisplayName:    a.DisplayName,
			ResponseStatus: a.ResponseStatus,
			Organizer:      a.Organizer,
			Optional:       a.Optional,
		})
	}
	out.Recurrence = ParseRecurrence(ev.Recurrence)
	if ev.Reminders != nil && len(ev.Reminders.Overrides) > 0 {
		r := ev.Reminders.Overrides[0]
		out.Reminder = &model.Reminder{Method: r.Method, MinutesBefore: int(r.Minutes)}
	}
	for _, a := range ev.Attachments {
		out.Attachments = append(out.Attachments, model.Attachment{
			ID:       a.FileId,
			Filename: a.Title,
			MimeType: a.MimeType,
		})
	}
	return out
}

// toEvent builds the writable part of an event. Attachments are Drive
// links on Google and are not written.
func toEvent(ev *model.Event) *calendar.Event {
	out := &calendar.Event{
		ICalUID:     ev.ICalUID,
		Summary:     ev.Subject,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       toDateTime(ev.Start, ev.AllDay, ev.TimeZone),
		End:         toDateTime(ev.End, ev.AllDay, ev.TimeZone),
		Visibility:  ev.Visibility,
		Recurrence:  FormatRecurrence(ev.Recurrence),
	}
	if ev.Status != "cancelled" {
		out.Status = ev.Status
	}
	if ev.Organizer != "" {
		out.Organizer = &calendar.EventOrganizer{Email: ev.Organizer}
	}
	for _, a := range ev.Attendees {
		out.Attendees = append(out.Attendees, &calendar.EventAttendee{
			Email:          a.Email,
			DisplayName:    a.DisplayName,
			ResponseStatus: a.ResponseStatus,
			Optional:       a.Optional,
		})
	}
	if ev.Reminder != nil {
		out.Reminders = &calendar.EventReminders{
			Overrides:       []*calendar.EventReminder{{Method: ev.Reminder.Method, Minutes: int64(ev.Reminder.MinutesBefore)}},
			ForceSendFields: []string{"UseDefault"},
		}
	}
	return out
}

func fromDateTime(dt *calendar.EventDateTime) (t time.Time, allDay bool, tz string) {
	if dt == nil {
		return time.Time{}, false, ""
	}
	if dt.Date != "" {
		t, _ = time.Parse(dateLayout, dt.Date)
		return t, true, dt.TimeZone
	}
	t, _ = time.Parse(time.RFC3339, dt.DateTime)
	return t, false, dt.TimeZone
}

func toDateTime(t time.Time, allDay bool, tz string) *calendar.EventDateTime {
	if allDay {
		return &calendar.EventDateTime{Date: t.Format(dateLayout), TimeZone: tz}
	}
	return &calendar.EventDateTime{DateTime: t.Format(time.RFC3339), TimeZone: tz}
}
